package apps

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/colony/pkg/clusterconf"
	"github.com/cuemby/colony/pkg/command"
	"github.com/cuemby/colony/pkg/service"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
)

// Cluster is the view of the cluster manager the application and one-shot
// services need
type Cluster interface {
	Services() []service.Service
	ClusterType() types.ClusterType
	SetStatus(status types.ClusterStatus)

	WorkerCount() int
	AddWorkers(ctx context.Context, n int) error
	RemoveWorkers(ctx context.Context, n int) error

	PersistentDataVersion() int
	SetPersistentDataVersion(v int)
	RestartFilesystems(ctx context.Context)
	RemoveService(ctx context.Context, name string)
}

// Deps are the collaborators handed to every constructor
type Deps struct {
	Cluster Cluster
	Runner  command.Runner

	// Store, StoreLock and Bucket locate the cluster bucket
	Store     storage.Store
	StoreLock sync.Locker
	Bucket    string

	// HomeDir is the control-plane working directory
	HomeDir            string
	PostStartScriptURL string
	MinWorkers         int
	MaxWorkers         int
	HealthStartPeriod  time.Duration
	HTTPClient         *http.Client
}

// Options select a variant of a role's service. Empty fields take the
// service's defaults.
type Options struct {
	Name string
	Home string
}

// Constructor builds a service for one role
type Constructor func(d Deps, opts Options) service.Service

var constructors = map[types.ServiceRole]Constructor{
	types.RoleDatabase:  NewDatabase,
	types.RoleWebApp:    NewWebApp,
	types.RoleReporting: NewReporting,
	types.RoleAutoscale: NewAutoscale,
	types.RoleBatch:     NewBatch,
	types.RoleAllReady:  NewReady,
	types.RoleMigration: NewMigration,
}

// Build creates the service for role
func Build(role types.ServiceRole, d Deps, opts Options) (service.Service, error) {
	ctor, ok := constructors[role]
	if !ok {
		return nil, fmt.Errorf("no service implements role %s", role)
	}
	return ctor(d, opts), nil
}

// FromRecord rebuilds a persisted service from the first of its roles that
// has a constructor
func FromRecord(rec clusterconf.Service, d Deps) (service.Service, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	for _, role := range types.ParseRoles(rec.Roles) {
		if _, ok := constructors[role]; ok {
			return Build(role, d, Options{Name: rec.Name, Home: rec.Home})
		}
	}
	return nil, fmt.Errorf("service %s: no known role in %v", rec.Name, rec.Roles)
}

// Record is implemented by services that are written to the persisted
// cluster document
type Record interface {
	Record() clusterconf.Service
}
