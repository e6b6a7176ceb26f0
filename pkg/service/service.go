package service

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/types"
	"github.com/rs/zerolog"
)

// Service is a managed unit driven by the reconciliation loop. Add, Remove
// and Status never fail outward; problems are reflected in State.
type Service interface {
	Name() string
	Type() types.ServiceType
	Roles() []types.ServiceRole
	HasRole(role types.ServiceRole) bool
	State() types.ServiceState
	Dependencies() []*Dependency

	// Add starts the service and reports whether the start was initiated
	Add(ctx context.Context) bool
	// Remove stops the service; long teardowns continue in the background
	Remove(ctx context.Context)
	// Status refreshes State from the live system
	Status(ctx context.Context)
}

// Base carries the bookkeeping shared by every service implementation
type Base struct {
	mu         sync.RWMutex
	name       string
	typ        types.ServiceType
	roles      []types.ServiceRole
	state      types.ServiceState
	stateSince time.Time
	deps       []*Dependency
	logger     zerolog.Logger
}

// NewBase creates an UNSTARTED service base
func NewBase(name string, typ types.ServiceType, roles ...types.ServiceRole) *Base {
	return &Base{
		name:       name,
		typ:        typ,
		roles:      append([]types.ServiceRole(nil), roles...),
		state:      types.ServiceStateUnstarted,
		stateSince: time.Now(),
		logger:     log.WithServiceName(name),
	}
}

func (b *Base) Name() string            { return b.name }
func (b *Base) Type() types.ServiceType { return b.typ }

func (b *Base) Roles() []types.ServiceRole {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]types.ServiceRole(nil), b.roles...)
}

func (b *Base) HasRole(role types.ServiceRole) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.roles {
		if r == role {
			return true
		}
	}
	return false
}

// AddRole grants an extra role, used when a persisted entry carries more
// roles than the kind's defaults
func (b *Base) AddRole(role types.ServiceRole) {
	if b.HasRole(role) {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.roles = append(b.roles, role)
}

func (b *Base) State() types.ServiceState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// SetState moves the service to state, resetting StateSince on change
func (b *Base) SetState(state types.ServiceState) {
	b.mu.Lock()
	old := b.state
	if old != state {
		b.state = state
		b.stateSince = time.Now()
	}
	b.mu.Unlock()

	if old != state {
		b.logger.Debug().
			Str("from", string(old)).
			Str("to", string(state)).
			Msg("service state changed")
	}
}

// StateSince returns when the current state was entered
func (b *Base) StateSince() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.stateSince
}

// Require declares that this service needs a provider for each role
func (b *Base) Require(roles ...types.ServiceRole) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, r := range roles {
		b.deps = append(b.deps, &Dependency{owner: b.name, role: r})
	}
}

func (b *Base) Dependencies() []*Dependency {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]*Dependency(nil), b.deps...)
}

// Logger returns the service-scoped logger
func (b *Base) Logger() *zerolog.Logger {
	return &b.logger
}

// Dependency is a requirement for some service fulfilling a role
type Dependency struct {
	mu       sync.RWMutex
	owner    string
	role     types.ServiceRole
	assigned Service
}

// NewDependency creates an unbound dependency of owner on role
func NewDependency(owner string, role types.ServiceRole) *Dependency {
	return &Dependency{owner: owner, role: role}
}

func (d *Dependency) Owner() string           { return d.owner }
func (d *Dependency) Role() types.ServiceRole { return d.role }

// Assigned returns the bound provider or nil
func (d *Dependency) Assigned() Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.assigned
}

// SatisfiedBy reports whether svc could fulfil the dependency. A service
// never satisfies its own dependency.
func (d *Dependency) SatisfiedBy(svc Service) bool {
	return svc != nil && svc.Name() != d.owner && svc.HasRole(d.role)
}

func (d *Dependency) assign(svc Service) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.assigned = svc
}
