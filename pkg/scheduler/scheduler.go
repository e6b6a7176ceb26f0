package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/colony/pkg/service"
	"github.com/cuemby/colony/pkg/types"
)

// Name is the registry name of the grid scheduler service
const Name = "SGE"

// Scheduler is the managed grid job scheduler. It depends on the transient
// filesystem where its spool lives.
type Scheduler struct {
	*service.Base
	backend Backend

	mu         sync.Mutex
	masterHost string
	masterExec bool
}

// New creates the scheduler service. When masterExec is set the control-plane
// node is added as an execution host once the scheduler starts.
func New(backend Backend, masterHost string, masterExec bool) *Scheduler {
	s := &Scheduler{
		Base:       service.NewBase(Name, types.ServiceTypeScheduler, types.RoleScheduler),
		backend:    backend,
		masterHost: masterHost,
		masterExec: masterExec,
	}
	s.Require(types.RoleTransientNFS)
	return s
}

func (s *Scheduler) Add(ctx context.Context) bool {
	s.SetState(types.ServiceStateStarting)
	if err := s.backend.Start(ctx); err != nil {
		s.Logger().Error().Err(err).Msg("failed to start scheduler")
		s.SetState(types.ServiceStateError)
		return false
	}

	s.mu.Lock()
	host, exec := s.masterHost, s.masterExec
	s.mu.Unlock()
	if exec && host != "" {
		if err := s.backend.AddExecHost(ctx, host, 0); err != nil {
			s.Logger().Warn().Err(err).Msg("failed to add master as execution host")
		}
	}

	s.SetState(types.ServiceStateRunning)
	return true
}

func (s *Scheduler) Remove(ctx context.Context) {
	s.SetState(types.ServiceStateShuttingDown)
	if err := s.backend.Stop(ctx); err != nil {
		s.Logger().Error().Err(err).Msg("failed to stop scheduler")
	}
	s.SetState(types.ServiceStateShutDown)
}

func (s *Scheduler) Status(ctx context.Context) {
	switch s.State() {
	case types.ServiceStateRunning, types.ServiceStateError:
	default:
		return
	}
	running, err := s.backend.Running(ctx)
	if err != nil || !running {
		s.Logger().Error().Err(err).Msg("scheduler is not running")
		s.SetState(types.ServiceStateError)
		return
	}
	s.SetState(types.ServiceStateRunning)
}

// AddExecHost registers a worker as an execution host with slots job slots
func (s *Scheduler) AddExecHost(ctx context.Context, host string, slots int) error {
	if s.State() != types.ServiceStateRunning {
		return fmt.Errorf("scheduler is %s", s.State())
	}
	if err := s.backend.AddExecHost(ctx, host, slots); err != nil {
		return err
	}
	s.Logger().Info().Str("host", host).Int("slots", slots).Msg("execution host added")
	return nil
}

func (s *Scheduler) RemoveExecHost(ctx context.Context, host string) error {
	if err := s.backend.RemoveExecHost(ctx, host); err != nil {
		return err
	}
	s.Logger().Info().Str("host", host).Msg("execution host removed")
	return nil
}

func (s *Scheduler) ExecHosts(ctx context.Context) ([]string, error) {
	return s.backend.ExecHosts(ctx)
}

// Suspend stops new jobs from being dispatched
func (s *Scheduler) Suspend(ctx context.Context) error {
	return s.backend.SuspendQueue(ctx)
}

func (s *Scheduler) Resume(ctx context.Context) error {
	return s.backend.ResumeQueue(ctx)
}

// MasterIsExecHost reports whether the control-plane node runs jobs
func (s *Scheduler) MasterIsExecHost() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterExec
}

// SetMasterExecHost adds or removes the control-plane node from the
// execution pool. It is a no-op when nothing changes.
func (s *Scheduler) SetMasterExecHost(ctx context.Context, enabled bool) error {
	s.mu.Lock()
	if s.masterExec == enabled {
		s.mu.Unlock()
		return nil
	}
	host := s.masterHost
	s.mu.Unlock()

	if s.State() == types.ServiceStateRunning && host != "" {
		var err error
		if enabled {
			err = s.backend.AddExecHost(ctx, host, 0)
		} else {
			err = s.backend.RemoveExecHost(ctx, host)
		}
		if err != nil {
			return fmt.Errorf("failed to toggle master execution host: %w", err)
		}
	}

	s.mu.Lock()
	s.masterExec = enabled
	s.mu.Unlock()
	s.Logger().Info().Bool("enabled", enabled).Msg("master execution host toggled")
	return nil
}

var _ service.Service = (*Scheduler)(nil)
