package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	ServicesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "colony_services_total",
			Help: "Total number of managed services by type and state",
		},
		[]string{"type", "state"},
	)

	WorkersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "colony_workers_total",
			Help: "Total number of worker instances by machine state",
		},
		[]string{"state"},
	)

	ClusterStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "colony_cluster_status",
			Help: "Current cluster status (1 for the active status, 0 otherwise)",
		},
		[]string{"status"},
	)

	DiskUsageRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "colony_filesystem_usage_ratio",
			Help: "Used fraction of a filesystem",
		},
		[]string{"filesystem"},
	)

	// Reconciler metrics
	ReconcileCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "colony_reconcile_cycles_total",
			Help: "Total number of reconciliation cycles",
		},
	)

	ReconcileDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "colony_reconcile_duration_seconds",
			Help:    "Time taken by a reconciliation cycle in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Messaging metrics
	MessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_messages_total",
			Help: "Total number of inbound worker messages by type and result",
		},
		[]string{"type", "result"},
	)

	// Instance and storage metrics
	InstanceEscalationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_instance_escalations_total",
			Help: "Total number of instance health escalations by action",
		},
		[]string{"action"},
	)

	FilesystemExpansionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "colony_filesystem_expansions_total",
			Help: "Total number of filesystem expansions by result",
		},
		[]string{"result"},
	)

	ConfigPersistDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "colony_config_persist_duration_seconds",
			Help:    "Time taken to persist the cluster configuration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ServicesTotal)
	prometheus.MustRegister(WorkersTotal)
	prometheus.MustRegister(ClusterStatus)
	prometheus.MustRegister(DiskUsageRatio)
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(MessagesTotal)
	prometheus.MustRegister(InstanceEscalationsTotal)
	prometheus.MustRegister(FilesystemExpansionsTotal)
	prometheus.MustRegister(ConfigPersistDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures the duration of an operation
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time in h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time in vec under label
func (t *Timer) ObserveDurationVec(vec *prometheus.HistogramVec, label string) {
	vec.WithLabelValues(label).Observe(t.Duration().Seconds())
}
