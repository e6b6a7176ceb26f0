package reconciler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/cuemby/colony/pkg/cloud"
	"github.com/cuemby/colony/pkg/clusterconf"
	"github.com/cuemby/colony/pkg/comm"
	"github.com/cuemby/colony/pkg/comm/mocks"
	"github.com/cuemby/colony/pkg/command"
	"github.com/cuemby/colony/pkg/config"
	"github.com/cuemby/colony/pkg/filesystem"
	"github.com/cuemby/colony/pkg/manager"
	"github.com/cuemby/colony/pkg/scheduler"
	"github.com/cuemby/colony/pkg/security"
	"github.com/cuemby/colony/pkg/storage"
	"github.com/cuemby/colony/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type fixture struct {
	mgr      *manager.Manager
	provider *cloud.FakeProvider
	store    *storage.BoltStore
	host     *filesystem.MemHost
}

func newFixture(t *testing.T, ch comm.Channel) *fixture {
	t.Helper()
	dir := t.TempDir()

	settings := config.Default()
	settings.ClusterName = "test"
	settings.ClusterBucket = "cm-test"
	settings.DataDir = filepath.Join(dir, "data")
	settings.KeyDir = filepath.Join(dir, "keys")
	settings.TransientPath = filepath.Join(dir, "transient")
	settings.ExportLockPath = filepath.Join(dir, "exports.lock")
	settings.FSStartGrace = 0
	settings.ShutdownWait = time.Second
	settings.MinWorkers = 0
	settings.Instance.CommTimeout = time.Minute

	store, err := storage.NewBoltStore(filepath.Join(dir, "store"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	keys, err := security.GenerateKeyPair()
	require.NoError(t, err)

	f := &fixture{
		provider: cloud.NewFakeProvider(cloud.Metadata{
			InstanceID: "i-master",
			PrivateIP:  "10.0.0.1",
			Hostname:   "master",
		}),
		store: store,
		host:  filesystem.NewMemHost(),
	}
	mgr, err := manager.NewManager(&manager.Config{
		Settings:  settings,
		Provider:  f.provider,
		Store:     store,
		Channel:   ch,
		Host:      f.host,
		Runner:    command.NewRecordingRunner(),
		Scheduler: scheduler.NewMemBackend(),
		Keys:      keys,
	})
	require.NoError(t, err)
	t.Cleanup(mgr.Close)
	require.NoError(t, mgr.Start(context.Background()))
	f.mgr = mgr
	return f
}

func connected(t *testing.T) *comm.MemChannel {
	t.Helper()
	ch := comm.NewMemChannel()
	require.NoError(t, ch.Setup(context.Background()))
	return ch
}

func TestUpdateInterval(t *testing.T) {
	tests := []struct {
		since time.Duration
		want  time.Duration
	}{
		{since: 0, want: 10 * time.Second},
		{since: 4 * time.Minute, want: 10 * time.Second},
		{since: 6 * time.Minute, want: 30 * time.Second},
		{since: 11 * time.Minute, want: 60 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.since.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, updateInterval(tt.since))
		})
	}
}

func TestUpdateDueBacksOff(t *testing.T) {
	f := newFixture(t, connected(t))
	r := NewReconciler(f.mgr, Config{})
	now := time.Now()

	assert.True(t, r.updateDue(now), "the first pass always runs")
	assert.False(t, r.updateDue(now.Add(5*time.Second)))
	assert.True(t, r.updateDue(now.Add(11*time.Second)))

	// long after the last change, passes are a minute apart
	later := now.Add(20 * time.Minute)
	r.lastUpdate = later.Add(-45 * time.Second)
	assert.False(t, r.updateDue(later))
	assert.True(t, r.updateDue(later.Add(20*time.Second)))
}

func TestReconcileStartsServicesAndPersists(t *testing.T) {
	f := newFixture(t, connected(t))
	ctx := context.Background()
	require.NoError(t, f.mgr.InitCluster(ctx, types.ClusterTypeData, 5, manager.StorageVolume))
	r := NewReconciler(f.mgr, Config{})

	for i := 0; i < 4; i++ {
		require.True(t, r.Reconcile(ctx))
	}

	for _, svc := range f.mgr.Services() {
		assert.Contains(t,
			[]types.ServiceState{types.ServiceStateRunning, types.ServiceStateCompleted},
			svc.State(), svc.Name())
	}
	assert.Equal(t, types.ClusterReady, f.mgr.Status())

	raw, err := f.store.Get("cm-test", clusterconf.FileName)
	require.NoError(t, err)
	doc, err := clusterconf.Unmarshal(raw)
	require.NoError(t, err)
	require.Len(t, doc.Filesystems, 1)
	assert.NotEmpty(t, doc.Filesystems[0].IDs, "the created data volume is persisted")
}

func TestReconcileExpandsFilesystems(t *testing.T) {
	f := newFixture(t, connected(t))
	ctx := context.Background()
	require.NoError(t, f.mgr.InitCluster(ctx, types.ClusterTypeData, 5, manager.StorageVolume))
	r := NewReconciler(f.mgr, Config{})
	for i := 0; i < 3; i++ {
		r.Reconcile(ctx)
	}

	require.NoError(t, f.mgr.RequestGrow("", types.GrowRequest{TargetSize: 12}))
	r.Reconcile(ctx)

	primary, ok := f.mgr.PrimaryData()
	require.True(t, ok)
	assert.Nil(t, primary.Grow())
	assert.Equal(t, 12, primary.Size())

	raw, err := f.store.Get("cm-test", clusterconf.FileName)
	require.NoError(t, err)
	doc, err := clusterconf.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, 12, doc.Filesystems[0].Size)
}

func TestReconcileDrainsMessages(t *testing.T) {
	ch := connected(t)
	f := newFixture(t, ch)
	f.provider.AddInstance(cloud.Instance{ID: "i-w1"})
	r := NewReconciler(f.mgr, Config{})

	ch.Deliver("i-w1", comm.Alive{PrivateIP: "10.0.0.7", Hostname: "w1"})
	ch.Deliver("i-w1", comm.NodeReady{CPUs: 2})
	require.True(t, r.Reconcile(context.Background()))

	w, ok := f.mgr.Worker("i-w1")
	require.True(t, ok)
	assert.True(t, w.Ready())
	_, pending := ch.Recv()
	assert.False(t, pending)
}

func TestReconcileSyncsMountsToReadyWorkers(t *testing.T) {
	ch := connected(t)
	f := newFixture(t, ch)
	f.provider.AddInstance(cloud.Instance{ID: "i-w1"})
	ctx := context.Background()
	r := NewReconciler(f.mgr, Config{})

	ch.Deliver("i-w1", comm.NodeReady{CPUs: 2})
	r.Reconcile(ctx)
	before := countType(ch, "i-w1", comm.TypeMount)

	r.mu.Lock()
	r.lastUpdate = time.Time{}
	r.mu.Unlock()
	r.Reconcile(ctx)
	assert.Equal(t, before+1, countType(ch, "i-w1", comm.TypeMount))
}

func TestReconcileMaintainsQuietWorkers(t *testing.T) {
	f := newFixture(t, connected(t))
	f.provider.AddInstance(cloud.Instance{ID: "i-w1"})
	ctx := context.Background()
	_, ok := f.mgr.AddLiveInstance(ctx, "i-w1")
	require.True(t, ok)

	// the provider lost the instance; the next check drops it
	f.provider.RemoveInstance("i-w1")
	r := NewReconciler(f.mgr, Config{QuietCheckInterval: time.Nanosecond})
	r.Reconcile(ctx)

	assert.Zero(t, f.mgr.WorkerCount())
}

func TestReconcileSetsUpDisconnectedChannel(t *testing.T) {
	ctrl := gomock.NewController(t)
	ch := mocks.NewMockChannel(ctrl)
	f := newFixture(t, ch)
	r := NewReconciler(f.mgr, Config{})
	ctx := context.Background()

	gomock.InOrder(
		ch.EXPECT().IsConnected().Return(false),
		ch.EXPECT().Setup(gomock.Any()).Return(errors.New("connection refused")),
		ch.EXPECT().IsConnected().Return(false),
		ch.EXPECT().Setup(gomock.Any()).Return(nil),
		ch.EXPECT().IsConnected().Return(true),
		ch.EXPECT().Recv().Return(comm.Envelope{}, false),
	)

	assert.True(t, r.Reconcile(ctx), "a failed setup is retried on the next pass")
	assert.True(t, r.Reconcile(ctx))
	assert.True(t, r.Reconcile(ctx))
}

func TestRunExitsWhenTerminated(t *testing.T) {
	f := newFixture(t, connected(t))
	r := NewReconciler(f.mgr, Config{Interval: time.Hour})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.NoError(t, f.mgr.Shutdown(context.Background(), manager.ShutdownOptions{}))
	r.Wake()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not exit after termination")
	}
	assert.False(t, r.Reconcile(context.Background()))
}

func TestStop(t *testing.T) {
	f := newFixture(t, connected(t))
	r := NewReconciler(f.mgr, Config{Interval: time.Hour})

	done := make(chan struct{})
	go func() {
		_ = r.Run(context.Background())
		close(done)
	}()
	r.Stop()
	r.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func countType(ch *comm.MemChannel, key string, typ comm.MessageType) int {
	n := 0
	for _, m := range ch.SentTo(key) {
		if m.Type() == typ {
			n++
		}
	}
	return n
}
