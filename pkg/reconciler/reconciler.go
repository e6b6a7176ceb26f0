package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/colony/pkg/events"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/manager"
	"github.com/cuemby/colony/pkg/metrics"
	"github.com/cuemby/colony/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is how often the loop wakes to start services and
	// drain messages
	DefaultInterval = 4 * time.Second

	// DefaultQuietCheckInterval bounds how often a silent worker is
	// explicitly checked
	DefaultQuietCheckInterval = 30 * time.Second
)

// Config tunes the loop
type Config struct {
	Interval           time.Duration
	QuietCheckInterval time.Duration
}

// Reconciler drives the cluster toward its declared composition. It is
// the only caller of service add/status and instance maintenance.
type Reconciler struct {
	manager *manager.Manager
	cfg     Config
	logger  zerolog.Logger

	mu          sync.Mutex
	lastUpdate  time.Time
	lastChange  time.Time
	workerCount int

	wakeCh   chan struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewReconciler creates a new reconciler
func NewReconciler(mgr *manager.Manager, cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.QuietCheckInterval <= 0 {
		cfg.QuietCheckInterval = DefaultQuietCheckInterval
	}
	return &Reconciler{
		manager:     mgr,
		cfg:         cfg,
		logger:      log.WithComponent("reconciler"),
		lastChange:  time.Now(),
		workerCount: -1,
		wakeCh:      make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the reconciliation loop in the background
func (r *Reconciler) Start() {
	go func() {
		_ = r.Run(context.Background())
	}()
}

// Stop ends the loop after the current pass
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
}

// Wake cuts the current sleep short
func (r *Reconciler) Wake() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Run loops until the cluster is TERMINATED, Stop is called or ctx ends.
// A cluster status change or a newly registered service cuts the sleep
// short.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info().Dur("interval", r.cfg.Interval).Msg("reconciler started")

	broker := r.manager.Events()
	sub := broker.Subscribe(events.EventClusterStatus, events.EventServiceRegistered)
	defer broker.Unsubscribe(sub)

	for {
		if !r.Reconcile(ctx) {
			r.logger.Info().Msg("cluster terminated, reconciler exiting")
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return nil
		case <-r.wakeCh:
		case <-sub:
		case <-time.After(r.cfg.Interval):
		}
	}
}

// Reconcile performs one pass. It returns false once the cluster is
// TERMINATED.
func (r *Reconciler) Reconcile(ctx context.Context) bool {
	if r.manager.Status() == types.ClusterTerminated {
		metrics.UpdateComponent(metrics.ComponentReconciler, false, "cluster terminated")
		return false
	}

	// the broker may come up after the control plane
	ch := r.manager.Channel()
	if !ch.IsConnected() {
		r.logger.Debug().Msg("message channel not connected, setting up")
		if err := ch.Setup(ctx); err != nil {
			r.logger.Warn().Err(err).Msg("failed to set up message channel")
			metrics.UpdateComponent(metrics.ComponentChannel, false, err.Error())
		}
		return true
	}
	metrics.UpdateComponent(metrics.ComponentChannel, true, "")

	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileCyclesTotal.Inc()
	}()

	now := time.Now()
	if r.updateDue(now) {
		r.update(ctx)
	}

	started := r.manager.StartEligible(ctx)
	pending := r.manager.PersistPending()
	if started || pending {
		r.persist(ctx)
	}
	if r.manager.ExpandPending(ctx) {
		r.persist(ctx)
	}

	if n := r.manager.DrainMessages(ctx); n > 0 {
		r.logger.Debug().Int("messages", n).Msg("messages dispatched")
	}
	metrics.UpdateComponent(metrics.ComponentReconciler, true, string(r.manager.Status()))
	return true
}

// updateDue reports whether a full health pass is due and records it
func (r *Reconciler) updateDue(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n := r.manager.WorkerCount(); n != r.workerCount {
		r.workerCount = n
		r.lastChange = now
	}
	if lc := r.manager.LastChange(); lc.After(r.lastChange) {
		r.lastChange = lc
	}

	if now.Sub(r.lastUpdate) < updateInterval(now.Sub(r.lastChange)) {
		return false
	}
	r.lastUpdate = now
	return true
}

// updateInterval backs off health passes the longer the cluster has been
// stable
func updateInterval(sinceChange time.Duration) time.Duration {
	switch {
	case sinceChange > 10*time.Minute:
		return 60 * time.Second
	case sinceChange > 5*time.Minute:
		return 30 * time.Second
	default:
		return 10 * time.Second
	}
}

// update is the full health pass over services and workers
func (r *Reconciler) update(ctx context.Context) {
	r.manager.RefreshDiskUsage()
	r.manager.CheckServices(ctx)

	for _, w := range r.manager.Workers() {
		if w.IsSpot() && !w.SpotFilled(ctx) {
			continue
		}
		if !w.Quiet() {
			if w.Ready() {
				w.SendMountPoints()
			}
			continue
		}
		if w.CheckDue(r.cfg.QuietCheckInterval) {
			r.logger.Debug().Str("instance", w.Key()).Msg("worker quiet, checking on it")
			w.Maintain(ctx)
		}
	}
}

func (r *Reconciler) persist(ctx context.Context) {
	if r.manager.ClusterType() == "" {
		return
	}
	if err := r.manager.PersistConfig(ctx); err != nil {
		r.logger.Error().Err(err).Msg("failed to persist cluster configuration")
	}
}
