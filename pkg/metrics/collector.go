package metrics

import (
	"time"

	"github.com/cuemby/colony/pkg/types"
)

// ServiceSample is one service as seen by the collector
type ServiceSample struct {
	Type  types.ServiceType
	State types.ServiceState
}

// Source is what the collector reads from; the cluster manager implements it
type Source interface {
	ServiceSamples() []ServiceSample
	WorkerStates() []types.MachineState
	Status() types.ClusterStatus
	DiskUsage() map[string]types.DiskUsage
}

var clusterStatuses = []types.ClusterStatus{
	types.ClusterStarting,
	types.ClusterWaiting,
	types.ClusterReady,
	types.ClusterShuttingDown,
	types.ClusterTerminated,
}

// Collector periodically copies cluster state into the gauges
type Collector struct {
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(source Source) *Collector {
	return &Collector{
		source:   source,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectServiceMetrics()
	c.collectWorkerMetrics()
	c.collectClusterMetrics()
}

func (c *Collector) collectServiceMetrics() {
	counts := make(map[ServiceSample]int)
	for _, s := range c.source.ServiceSamples() {
		counts[s]++
	}

	ServicesTotal.Reset()
	for s, n := range counts {
		ServicesTotal.WithLabelValues(string(s.Type), string(s.State)).Set(float64(n))
	}
}

func (c *Collector) collectWorkerMetrics() {
	counts := make(map[types.MachineState]int)
	for _, st := range c.source.WorkerStates() {
		counts[st]++
	}

	WorkersTotal.Reset()
	for st, n := range counts {
		WorkersTotal.WithLabelValues(string(st)).Set(float64(n))
	}
}

func (c *Collector) collectClusterMetrics() {
	current := c.source.Status()
	for _, st := range clusterStatuses {
		v := 0.0
		if st == current {
			v = 1
		}
		ClusterStatus.WithLabelValues(string(st)).Set(v)
	}

	for name, du := range c.source.DiskUsage() {
		DiskUsageRatio.WithLabelValues(name).Set(du.Percent() / 100)
	}
}
