package apps

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/colony/pkg/clusterconf"
	"github.com/cuemby/colony/pkg/command"
	"github.com/cuemby/colony/pkg/health"
	"github.com/cuemby/colony/pkg/service"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCluster struct {
	mu          sync.Mutex
	services    []service.Service
	clusterType types.ClusterType
	status      types.ClusterStatus
	workers     int
	added       int
	removed     int
	version     int
	restarted   int
	removedSvcs []string
}

func (c *fakeCluster) Services() []service.Service {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]service.Service(nil), c.services...)
}

func (c *fakeCluster) ClusterType() types.ClusterType { return c.clusterType }

func (c *fakeCluster) SetStatus(s types.ClusterStatus) { c.status = s }

func (c *fakeCluster) WorkerCount() int { return c.workers }

func (c *fakeCluster) AddWorkers(ctx context.Context, n int) error {
	c.added += n
	c.workers += n
	return nil
}

func (c *fakeCluster) RemoveWorkers(ctx context.Context, n int) error {
	c.removed += n
	c.workers -= n
	return nil
}

func (c *fakeCluster) PersistentDataVersion() int     { return c.version }
func (c *fakeCluster) SetPersistentDataVersion(v int) { c.version = v }

func (c *fakeCluster) RestartFilesystems(ctx context.Context) { c.restarted++ }

func (c *fakeCluster) RemoveService(ctx context.Context, name string) {
	c.removedSvcs = append(c.removedSvcs, name)
}

type stubChecker struct {
	healthy bool
}

func (s *stubChecker) Check(ctx context.Context) health.Result {
	return health.Result{Healthy: s.healthy, CheckedAt: time.Now()}
}

func (s *stubChecker) Type() health.CheckType { return health.CheckTypeExec }

func runningService(name string, role types.ServiceRole, state types.ServiceState) service.Service {
	b := service.NewBase(name, types.ServiceTypeApplication, role)
	b.SetState(state)
	return &stubService{Base: b}
}

type stubService struct {
	*service.Base
}

func (s *stubService) Add(ctx context.Context) bool { return true }
func (s *stubService) Remove(ctx context.Context)   {}
func (s *stubService) Status(ctx context.Context)   {}

func TestBuild(t *testing.T) {
	d := Deps{Cluster: &fakeCluster{}, Runner: command.NewRecordingRunner()}

	tests := []struct {
		role     types.ServiceRole
		wantName string
		wantType types.ServiceType
		wantErr  bool
	}{
		{types.RoleDatabase, DatabaseName, types.ServiceTypeApplication, false},
		{types.RoleWebApp, WebAppName, types.ServiceTypeApplication, false},
		{types.RoleReporting, ReportingName, types.ServiceTypeApplication, false},
		{types.RoleAutoscale, AutoscaleName, types.ServiceTypeApplication, false},
		{types.RoleBatch, "Hadoop", types.ServiceTypeApplication, false},
		{types.RoleAllReady, ReadyName, types.ServiceTypeOneShot, false},
		{types.RoleMigration, MigrationName, types.ServiceTypeOneShot, false},
		{types.RolePrimaryData, "", "", true},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			svc, err := Build(tt.role, d, Options{})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, svc.Name())
			assert.Equal(t, tt.wantType, svc.Type())
			assert.True(t, svc.HasRole(tt.role))
			assert.Equal(t, types.ServiceStateUnstarted, svc.State())
		})
	}
}

func TestFromRecord(t *testing.T) {
	d := Deps{Cluster: &fakeCluster{}, Runner: command.NewRecordingRunner()}

	svc, err := FromRecord(clusterconf.Service{Name: "Galaxy", Roles: []string{"webapp"}, Home: "/opt/galaxy"}, d)
	require.NoError(t, err)
	app, ok := svc.(*AppService)
	require.True(t, ok)
	assert.Equal(t, "/opt/galaxy", app.Home())
	assert.Equal(t, clusterconf.Service{Name: "Galaxy", Roles: []string{"webapp"}, Home: "/opt/galaxy"}, app.Record())

	svc, err = FromRecord(clusterconf.Service{Name: "HTCondor", Roles: []string{"unknown", "batch"}}, d)
	require.NoError(t, err)
	assert.Equal(t, "HTCondor", svc.Name())

	_, err = FromRecord(clusterconf.Service{Name: "x", Roles: []string{"unknown"}}, d)
	assert.Error(t, err)

	_, err = FromRecord(clusterconf.Service{Roles: []string{"database"}}, d)
	assert.Error(t, err)
}

func TestDependencies(t *testing.T) {
	d := Deps{Cluster: &fakeCluster{}, Runner: command.NewRecordingRunner()}

	tests := []struct {
		role types.ServiceRole
		want []types.ServiceRole
	}{
		{types.RoleDatabase, []types.ServiceRole{types.RolePrimaryData}},
		{types.RoleWebApp, []types.ServiceRole{types.RoleDatabase, types.RoleScheduler, types.RolePrimaryData}},
		{types.RoleReporting, []types.ServiceRole{types.RoleWebApp}},
		{types.RoleBatch, []types.ServiceRole{types.RoleScheduler}},
		{types.RoleMigration, []types.ServiceRole{types.RolePrimaryData}},
		{types.RoleAllReady, nil},
	}

	for _, tt := range tests {
		t.Run(string(tt.role), func(t *testing.T) {
			svc, err := Build(tt.role, d, Options{})
			require.NoError(t, err)
			var got []types.ServiceRole
			for _, dep := range svc.Dependencies() {
				got = append(got, dep.Role())
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAppServiceLifecycle(t *testing.T) {
	runner := command.NewRecordingRunner()
	checker := &stubChecker{}
	app := NewAppService(AppSpec{
		Name:    "app",
		Role:    types.RoleWebApp,
		Start:   []string{"start-app"},
		Stop:    []string{"stop-app", "--now"},
		Checker: checker,
	}, Deps{Runner: runner, HealthStartPeriod: time.Hour})
	ctx := context.Background()

	require.True(t, app.Add(ctx))
	assert.Equal(t, types.ServiceStateStarting, app.State())
	assert.True(t, runner.Ran("start-app"))

	// failures inside the start period keep the service starting
	app.Status(ctx)
	assert.Equal(t, types.ServiceStateStarting, app.State())

	checker.healthy = true
	app.Status(ctx)
	assert.Equal(t, types.ServiceStateRunning, app.State())

	app.Remove(ctx)
	app.Wait()
	assert.Equal(t, types.ServiceStateShutDown, app.State())
	assert.True(t, runner.Ran("stop-app --now"))

	// a second remove is a no-op
	app.Remove(ctx)
	app.Wait()
	assert.Len(t, runner.Commands(), 2)
}

func TestAppServiceBecomesUnhealthy(t *testing.T) {
	checker := &stubChecker{healthy: true}
	app := NewAppService(AppSpec{Name: "db", Role: types.RoleDatabase, Checker: checker},
		Deps{Runner: command.NewRecordingRunner()})
	ctx := context.Background()

	require.True(t, app.Add(ctx))
	app.Status(ctx)
	assert.Equal(t, types.ServiceStateRunning, app.State())

	checker.healthy = false
	for i := 0; i < health.DefaultConfig().Retries-1; i++ {
		app.Status(ctx)
		assert.Equal(t, types.ServiceStateRunning, app.State())
	}
	app.Status(ctx)
	assert.Equal(t, types.ServiceStateError, app.State())
}

func TestAppServiceStartFailure(t *testing.T) {
	runner := command.NewRecordingRunner()
	runner.RespondAll(command.Response{Err: errors.New("boom")})
	app := NewAppService(AppSpec{Name: "db", Role: types.RoleDatabase, Start: []string{"pg_ctl"}, Checker: &stubChecker{}},
		Deps{Runner: runner})

	assert.False(t, app.Add(context.Background()))
	assert.Equal(t, types.ServiceStateError, app.State())
}

func TestAppServiceRemoveUnstarted(t *testing.T) {
	runner := command.NewRecordingRunner()
	app := NewAppService(AppSpec{Name: "db", Role: types.RoleDatabase, Stop: []string{"stop"}, Checker: &stubChecker{}},
		Deps{Runner: runner})

	app.Remove(context.Background())
	assert.Equal(t, types.ServiceStateShutDown, app.State())
	assert.Empty(t, runner.Commands())
}

func TestAutoscaleBounds(t *testing.T) {
	tests := []struct {
		name        string
		workers     int
		min, max    int
		wantAdded   int
		wantRemoved int
	}{
		{"below min", 1, 3, 5, 2, 0},
		{"within bounds", 4, 3, 5, 0, 0},
		{"above max", 8, 3, 5, 0, 3},
		{"unbounded max", 8, 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := &fakeCluster{workers: tt.workers}
			svc := NewAutoscale(Deps{Cluster: cluster, MinWorkers: tt.min, MaxWorkers: tt.max}, Options{})
			ctx := context.Background()

			// not running yet
			svc.Status(ctx)
			assert.Zero(t, cluster.added+cluster.removed)

			require.True(t, svc.Add(ctx))
			svc.Status(ctx)
			assert.Equal(t, tt.wantAdded, cluster.added)
			assert.Equal(t, tt.wantRemoved, cluster.removed)
		})
	}
}

func TestBatchIntegrations(t *testing.T) {
	assert.Equal(t, []string{"hadoop", "htcondor"}, BatchIntegrations())
	assert.True(t, KnownBatch("HTCondor"))
	assert.False(t, KnownBatch("slurm"))

	runner := command.NewRecordingRunner()
	svc := NewBatch(Deps{Runner: runner}, Options{Name: "htcondor"})
	assert.Equal(t, "HTCondor", svc.Name())
	require.True(t, svc.Add(context.Background()))
	assert.True(t, runner.Ran("condor_master"))
}

func newStore(t *testing.T, bucket string) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.CreateBucket(bucket))
	return store
}

func TestReadyWaitsForServices(t *testing.T) {
	tests := []struct {
		name        string
		clusterType types.ClusterType
		others      []service.Service
		want        bool
	}{
		{"no cluster type", "", nil, false},
		{"service still starting", types.ClusterTypeData,
			[]service.Service{runningService("data", types.RolePrimaryData, types.ServiceStateStarting)}, false},
		{"full cluster without webapp", types.ClusterTypeFull,
			[]service.Service{runningService("data", types.RolePrimaryData, types.ServiceStateRunning)}, false},
		{"completed services count", types.ClusterTypeData,
			[]service.Service{
				runningService("data", types.RolePrimaryData, types.ServiceStateRunning),
				runningService("once", types.RoleMigration, types.ServiceStateCompleted),
			}, true},
		{"full cluster with webapp", types.ClusterTypeFull,
			[]service.Service{
				runningService("data", types.RolePrimaryData, types.ServiceStateRunning),
				runningService("Galaxy", types.RoleWebApp, types.ServiceStateRunning),
			}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := &fakeCluster{clusterType: tt.clusterType}
			runner := command.NewRecordingRunner()
			svc := NewReady(Deps{Cluster: cluster, Runner: runner, HomeDir: t.TempDir()}, Options{})
			cluster.services = append(tt.others, svc)

			got := svc.Add(context.Background())
			assert.Equal(t, tt.want, got)
			if tt.want {
				assert.Equal(t, types.ServiceStateCompleted, svc.State())
				assert.Equal(t, types.ClusterReady, cluster.status)
				assert.False(t, svc.Add(context.Background()), "runs only once")
			} else {
				assert.Equal(t, types.ServiceStateUnstarted, svc.State())
				assert.Empty(t, cluster.status)
			}
			assert.Empty(t, runner.Commands(), "no script configured")
		})
	}
}

func TestReadyRunsScriptFromBucket(t *testing.T) {
	store := newStore(t, "cm-test")
	require.NoError(t, store.Put("cm-test", PostStartScriptKey, []byte("#!/bin/sh\necho hi\n")))

	home := t.TempDir()
	cluster := &fakeCluster{clusterType: types.ClusterTypeData}
	runner := command.NewRecordingRunner()
	svc := NewReady(Deps{
		Cluster:   cluster,
		Runner:    runner,
		Store:     store,
		StoreLock: &sync.Mutex{},
		Bucket:    "cm-test",
		HomeDir:   home,
	}, Options{})
	cluster.services = []service.Service{svc}

	require.True(t, svc.Add(context.Background()))

	path := filepath.Join(home, PostStartScriptKey)
	assert.Equal(t, []string{path}, runner.Commands())
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
}

func TestReadyFetchesScriptFromURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("#!/bin/sh\ntrue\n"))
	}))
	defer srv.Close()

	store := newStore(t, "cm-test")
	home := t.TempDir()
	cluster := &fakeCluster{clusterType: types.ClusterTypeData}
	runner := command.NewRecordingRunner()
	svc := NewReady(Deps{
		Cluster:            cluster,
		Runner:             runner,
		Store:              store,
		Bucket:             "cm-test",
		HomeDir:            home,
		PostStartScriptURL: srv.URL + "/pss.sh",
		HTTPClient:         srv.Client(),
	}, Options{})
	cluster.services = []service.Service{svc}

	require.True(t, svc.Add(context.Background()))
	assert.True(t, runner.Ran(filepath.Join(home, PostStartScriptKey)))

	saved, err := store.Get("cm-test", PostStartScriptKey)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\ntrue\n", string(saved))
}

func TestReadyScriptURLMissing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	cluster := &fakeCluster{clusterType: types.ClusterTypeData}
	runner := command.NewRecordingRunner()
	svc := NewReady(Deps{
		Cluster:            cluster,
		Runner:             runner,
		HomeDir:            t.TempDir(),
		PostStartScriptURL: srv.URL,
	}, Options{})
	cluster.services = []service.Service{svc}

	require.True(t, svc.Add(context.Background()), "a missing script does not block readiness")
	assert.Empty(t, runner.Commands())
	assert.Equal(t, types.ClusterReady, cluster.status)
}

func TestMigrationSteps(t *testing.T) {
	tests := []struct {
		name          string
		version       int
		wantMove      bool
		wantRestarted int
	}{
		{"from version 1", 1, true, 1},
		{"from version 2", 2, false, 1},
		{"current", 3, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cluster := &fakeCluster{version: tt.version}
			runner := command.NewRecordingRunner()
			m := NewMigration(Deps{Cluster: cluster, Runner: runner}, Options{}).(*MigrationService)
			m.oldHome = filepath.Join(dir, "pgsql")
			m.newHome = filepath.Join(dir, "db")
			require.NoError(t, os.Mkdir(m.oldHome, 0755))

			assert.Equal(t, tt.version < clusterconf.CurrentVersion, m.Needed())
			require.True(t, m.Add(context.Background()))

			assert.Equal(t, tt.wantMove, runner.Ran("mv "+m.oldHome+" "+m.newHome))
			assert.Equal(t, tt.wantRestarted, cluster.restarted)
			assert.Equal(t, clusterconf.CurrentVersion, cluster.version)
			assert.Equal(t, types.ServiceStateCompleted, m.State())
			assert.Equal(t, []string{MigrationName}, cluster.removedSvcs)
		})
	}
}

func TestMigrationSkipsRelocationWhenTargetExists(t *testing.T) {
	dir := t.TempDir()
	cluster := &fakeCluster{version: 1}
	runner := command.NewRecordingRunner()
	runner.RespondAll(command.Response{Err: errors.New("unexpected")})
	m := NewMigration(Deps{Cluster: cluster, Runner: runner}, Options{}).(*MigrationService)
	m.oldHome = filepath.Join(dir, "pgsql")
	m.newHome = filepath.Join(dir, "db")
	require.NoError(t, os.Mkdir(m.oldHome, 0755))
	require.NoError(t, os.Mkdir(m.newHome, 0755))

	require.True(t, m.Add(context.Background()))
	assert.Empty(t, runner.Commands())
	assert.Equal(t, 1, cluster.restarted, "later steps still run")
}
