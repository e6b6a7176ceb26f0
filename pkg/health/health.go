package health

import (
	"context"
	"sync"
	"time"
)

// CheckType names how a Checker probes its target
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypeExec CheckType = "exec"
)

// Result is the outcome of one check
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one application
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how results turn into a verdict
type Config struct {
	// Timeout bounds a single check
	Timeout time.Duration

	// Retries is how many failures in a row mark the service unhealthy
	Retries int

	// StartPeriod hides failures after a (re)start until the first pass
	StartPeriod time.Duration
}

// DefaultConfig tolerates two transient failures
func DefaultConfig() Config {
	return Config{Timeout: 10 * time.Second, Retries: 3}
}

// Status accumulates results since the last Reset
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result
	Healthy              bool
	StartedAt            time.Time
}

func freshStatus() Status {
	return Status{Healthy: true, StartedAt: time.Now()}
}

func (s *Status) record(r Result) {
	s.LastCheck = r.CheckedAt
	s.LastResult = r
}

func (s *Status) starting(cfg Config) bool {
	return cfg.StartPeriod > 0 &&
		s.ConsecutiveSuccesses == 0 &&
		time.Since(s.StartedAt) < cfg.StartPeriod
}

// Verdict is what a Probe concluded from its latest check
type Verdict int

const (
	// VerdictStarting means the service is inside its start period and has
	// not passed a check yet
	VerdictStarting Verdict = iota
	VerdictHealthy
	VerdictUnhealthy
)

func (v Verdict) String() string {
	switch v {
	case VerdictStarting:
		return "starting"
	case VerdictHealthy:
		return "healthy"
	default:
		return "unhealthy"
	}
}

// Probe runs a Checker and folds its results into a Status
type Probe struct {
	checker Checker
	cfg     Config

	mu     sync.Mutex
	status Status
}

// NewProbe creates a probe. Call Reset whenever the service (re)starts.
func NewProbe(checker Checker, cfg Config) *Probe {
	return &Probe{checker: checker, cfg: cfg, status: freshStatus()}
}

// Reset restarts the start period and clears the counters
func (p *Probe) Reset() {
	p.mu.Lock()
	p.status = freshStatus()
	p.mu.Unlock()
}

// Observe runs one check and returns the verdict
func (p *Probe) Observe(ctx context.Context) (Verdict, Result) {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	result := p.checker.Check(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	s := &p.status
	s.record(result)

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return VerdictHealthy, result
	}
	if s.starting(p.cfg) {
		return VerdictStarting, result
	}
	s.ConsecutiveSuccesses = 0
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= p.cfg.Retries {
		s.Healthy = false
	}
	if s.Healthy {
		return VerdictHealthy, result
	}
	return VerdictUnhealthy, result
}

// Snapshot returns a copy of the current status
func (p *Probe) Snapshot() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}
