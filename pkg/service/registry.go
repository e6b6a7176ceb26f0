package service

import (
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/types"
	"github.com/rs/zerolog"
)

// ErrDuplicate is reported when registering a name that is already taken
var ErrDuplicate = errors.New("service already registered")

// Query selects services. Name wins when set; Type is consulted only when
// Role is empty. An empty query matches everything.
type Query struct {
	Name string
	Role types.ServiceRole
	Type types.ServiceType
}

// Registry holds the cluster's services in registration order and keeps
// dependency bindings consistent as services come and go
type Registry struct {
	mu       sync.RWMutex
	services []Service
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{logger: log.WithComponent("registry")}
}

// Register adds svc unless its name is taken. Unbound dependencies of svc are
// bound to existing providers and unbound dependencies of existing services
// are bound to svc where it fulfils them.
func (r *Registry) Register(svc Service) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.indexLocked(svc.Name()) >= 0 {
		r.logger.Warn().Str("service", svc.Name()).Msg("service already registered, ignoring")
		return fmt.Errorf("%w: %s", ErrDuplicate, svc.Name())
	}
	r.services = append(r.services, svc)

	for _, dep := range svc.Dependencies() {
		if dep.Assigned() == nil {
			r.bindLocked(dep)
		}
	}
	for _, other := range r.services {
		for _, dep := range other.Dependencies() {
			if dep.Assigned() == nil && dep.SatisfiedBy(svc) {
				dep.assign(svc)
				r.logger.Debug().
					Str("service", dep.Owner()).
					Str("role", string(dep.Role())).
					Str("provider", svc.Name()).
					Msg("dependency bound")
			}
		}
	}

	r.logger.Info().
		Str("service", svc.Name()).
		Str("type", string(svc.Type())).
		Str("roles", types.JoinRoles(svc.Roles())).
		Msg("service registered")
	return nil
}

// Deregister removes the named service. Dependencies bound to it are
// released and rebound to another provider when one is registered.
func (r *Registry) Deregister(name string) (Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(name)
	if i < 0 {
		return nil, false
	}
	removed := r.services[i]
	r.services = append(r.services[:i:i], r.services[i+1:]...)

	for _, other := range r.services {
		for _, dep := range other.Dependencies() {
			if a := dep.Assigned(); a != nil && a.Name() == name {
				dep.assign(nil)
				r.bindLocked(dep)
			}
		}
	}

	r.logger.Info().Str("service", name).Msg("service deregistered")
	return removed, true
}

// Find returns the services matching q in registration order
func (r *Registry) Find(q Query) []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if q.Name != "" {
		if i := r.indexLocked(q.Name); i >= 0 {
			return []Service{r.services[i]}
		}
		return nil
	}

	var out []Service
	for _, svc := range r.services {
		switch {
		case q.Role != "":
			if svc.HasRole(q.Role) {
				out = append(out, svc)
			}
		case q.Type != "":
			if svc.Type() == q.Type {
				out = append(out, svc)
			}
		default:
			out = append(out, svc)
		}
	}
	return out
}

// ByName returns the service called name
func (r *Registry) ByName(name string) (Service, bool) {
	found := r.Find(Query{Name: name})
	if len(found) == 0 {
		return nil, false
	}
	return found[0], true
}

// ByRole returns every service fulfilling role
func (r *Registry) ByRole(role types.ServiceRole) []Service {
	return r.Find(Query{Role: role})
}

// ByType returns every service of type t
func (r *Registry) ByType(t types.ServiceType) []Service {
	return r.Find(Query{Type: t})
}

// All returns every service in registration order
func (r *Registry) All() []Service {
	return r.Find(Query{})
}

// Len returns the number of registered services
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Resolve binds any unbound dependencies of svc from the current registry
// contents and reports whether all of them are bound
func (r *Registry) Resolve(svc Service) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ok := true
	for _, dep := range svc.Dependencies() {
		if dep.Assigned() == nil && !r.bindLocked(dep) {
			ok = false
		}
	}
	return ok
}

// Ready reports whether svc can be started: every dependency is bound and
// every provider is running or has completed
func (r *Registry) Ready(svc Service) bool {
	if !r.Resolve(svc) {
		return false
	}
	for _, dep := range svc.Dependencies() {
		p := dep.Assigned()
		if p == nil {
			return false
		}
		if st := p.State(); st != types.ServiceStateRunning && st != types.ServiceStateCompleted {
			return false
		}
	}
	return true
}

// Verify checks every bound dependency points at a registered service that
// fulfils the required role
func (r *Registry) Verify() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, svc := range r.services {
		for _, dep := range svc.Dependencies() {
			a := dep.Assigned()
			if a == nil {
				continue
			}
			if i := r.indexLocked(a.Name()); i < 0 || r.services[i] != a {
				errs = append(errs, fmt.Errorf("%s depends on unregistered %s", svc.Name(), a.Name()))
			} else if !dep.SatisfiedBy(a) {
				errs = append(errs, fmt.Errorf("%s bound to %s which does not fulfil %s", svc.Name(), a.Name(), dep.Role()))
			}
		}
	}
	return errors.Join(errs...)
}

// bindLocked assigns the first registered provider for dep
func (r *Registry) bindLocked(dep *Dependency) bool {
	for _, candidate := range r.services {
		if dep.SatisfiedBy(candidate) {
			dep.assign(candidate)
			return true
		}
	}
	return false
}

func (r *Registry) indexLocked(name string) int {
	for i, svc := range r.services {
		if svc.Name() == name {
			return i
		}
	}
	return -1
}
