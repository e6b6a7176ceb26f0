package apps

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/cuemby/colony/pkg/clusterconf"
	"github.com/cuemby/colony/pkg/command"
	"github.com/cuemby/colony/pkg/health"
	"github.com/cuemby/colony/pkg/service"
	"github.com/cuemby/colony/pkg/types"
)

const (
	DatabaseName  = "Postgres"
	WebAppName    = "Galaxy"
	ReportingName = "GalaxyReports"

	DatabasePort  = 5910
	WebAppPort    = 8080
	ReportingPort = 9001

	DefaultDatabaseHome = "/mnt/galaxy/db"
	LegacyDatabaseHome  = "/mnt/galaxyData/pgsql"
	DefaultWebAppHome   = "/mnt/galaxy/galaxy-app"
)

// AppSpec describes an application service run with helper commands
type AppSpec struct {
	Name     string
	Role     types.ServiceRole
	Requires []types.ServiceRole
	Home     string
	Start    []string
	Stop     []string
	Checker  health.Checker
}

// AppService is a long-running application started and stopped with
// commands and watched by a health probe
type AppService struct {
	*service.Base
	spec   AppSpec
	runner command.Runner
	probe  *health.Probe
	wg     sync.WaitGroup
}

// NewAppService creates an application service from spec
func NewAppService(spec AppSpec, d Deps) *AppService {
	cfg := health.DefaultConfig()
	cfg.StartPeriod = d.HealthStartPeriod
	a := &AppService{
		Base:   service.NewBase(spec.Name, types.ServiceTypeApplication, spec.Role),
		spec:   spec,
		runner: d.Runner,
		probe:  health.NewProbe(spec.Checker, cfg),
	}
	a.Require(spec.Requires...)
	return a
}

// NewDatabase creates the database service backing the web application
func NewDatabase(d Deps, opts Options) service.Service {
	home := opts.Home
	if home == "" {
		home = DefaultDatabaseHome
	}
	data := filepath.Join(home, "data")
	return NewAppService(AppSpec{
		Name:     DatabaseName,
		Role:     types.RoleDatabase,
		Requires: []types.ServiceRole{types.RolePrimaryData},
		Home:     home,
		Start:    []string{"pg_ctl", "-D", data, "-w", "-o", fmt.Sprintf("-p %d", DatabasePort), "start"},
		Stop:     []string{"pg_ctl", "-D", data, "-w", "-m", "fast", "stop"},
		Checker:  health.NewTCPChecker(fmt.Sprintf("127.0.0.1:%d", DatabasePort)),
	}, d)
}

// NewWebApp creates the web application service
func NewWebApp(d Deps, opts Options) service.Service {
	home := opts.Home
	if home == "" {
		home = DefaultWebAppHome
	}
	run := filepath.Join(home, "run.sh")
	return NewAppService(AppSpec{
		Name:     WebAppName,
		Role:     types.RoleWebApp,
		Requires: []types.ServiceRole{types.RoleDatabase, types.RoleScheduler, types.RolePrimaryData},
		Home:     home,
		Start:    []string{"sh", run, "--daemon"},
		Stop:     []string{"sh", run, "--stop-daemon"},
		Checker:  health.NewHTTPChecker(fmt.Sprintf("http://127.0.0.1:%d/api/version", WebAppPort)).WithBody("version_major"),
	}, d)
}

// NewReporting creates the reporting front-end of the web application
func NewReporting(d Deps, opts Options) service.Service {
	home := opts.Home
	if home == "" {
		home = DefaultWebAppHome
	}
	run := filepath.Join(home, "run_reports.sh")
	return NewAppService(AppSpec{
		Name:     ReportingName,
		Role:     types.RoleReporting,
		Requires: []types.ServiceRole{types.RoleWebApp},
		Home:     home,
		Start:    []string{"sh", run, "--daemon"},
		Stop:     []string{"sh", run, "--stop-daemon"},
		Checker:  health.NewHTTPChecker(fmt.Sprintf("http://127.0.0.1:%d/", ReportingPort)),
	}, d)
}

func (a *AppService) Home() string { return a.spec.Home }

func (a *AppService) Add(ctx context.Context) bool {
	a.SetState(types.ServiceStateStarting)
	a.probe.Reset()
	if len(a.spec.Start) > 0 {
		if _, err := a.runner.Run(ctx, a.spec.Start[0], a.spec.Start[1:]...); err != nil {
			a.Logger().Error().Err(err).Msg("failed to start application")
			a.SetState(types.ServiceStateError)
			return false
		}
	}
	a.Logger().Info().Msg("application started")
	return true
}

// Remove stops the application in the background
func (a *AppService) Remove(ctx context.Context) {
	switch a.State() {
	case types.ServiceStateShuttingDown, types.ServiceStateShutDown:
		return
	case types.ServiceStateUnstarted:
		a.SetState(types.ServiceStateShutDown)
		return
	}
	a.SetState(types.ServiceStateShuttingDown)

	bg := context.WithoutCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if len(a.spec.Stop) > 0 {
			if _, err := a.runner.Run(bg, a.spec.Stop[0], a.spec.Stop[1:]...); err != nil {
				a.Logger().Error().Err(err).Msg("failed to stop application")
			}
		}
		a.SetState(types.ServiceStateShutDown)
	}()
}

// Wait blocks until a background stop finishes
func (a *AppService) Wait() {
	a.wg.Wait()
}

func (a *AppService) Status(ctx context.Context) {
	switch a.State() {
	case types.ServiceStateStarting, types.ServiceStateRunning, types.ServiceStateError:
	default:
		return
	}
	verdict, result := a.probe.Observe(ctx)
	a.Logger().Debug().Stringer("verdict", verdict).Dur("took", result.Duration).Msg("health check")
	switch verdict {
	case health.VerdictHealthy:
		// failures below the retry threshold leave the state alone
		if result.Healthy {
			a.SetState(types.ServiceStateRunning)
		}
	case health.VerdictUnhealthy:
		a.Logger().Warn().Str("check", result.Message).Msg("application unhealthy")
		a.SetState(types.ServiceStateError)
	}
}

func (a *AppService) Record() clusterconf.Service {
	return clusterconf.Service{
		Name:  a.Name(),
		Roles: types.RoleStrings(a.Roles()),
		Home:  a.spec.Home,
	}
}

var (
	_ service.Service = (*AppService)(nil)
	_ Record          = (*AppService)(nil)
)
