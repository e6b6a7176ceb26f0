package filesystem

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cuemby/colony/pkg/cloud"
	"github.com/cuemby/colony/pkg/comm"
	"github.com/cuemby/colony/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestEnv(t *testing.T) (*Env, *cloud.FakeProvider, *MemHost) {
	t.Helper()
	provider := cloud.NewFakeProvider(cloud.Metadata{})
	host := NewMemHost()
	env := &Env{
		Provider:    provider,
		Host:        host,
		InstanceID:  "i-master",
		Zone:        "us-east-1a",
		ClusterName: "test",
	}
	return env, provider, host
}

func TestAddSnapshotFilesystem(t *testing.T) {
	env, provider, host := newTestEnv(t)
	provider.SeedSnapshot(cloud.Snapshot{ID: "snap-X", Size: 5, Status: "completed"})

	fs := New("indices", "", env, types.RoleReferenceData)
	fs.AddVolume("", 0, "snap-X")

	require.True(t, fs.Add(context.Background()))
	assert.Equal(t, types.ServiceStateRunning, fs.State())
	assert.Equal(t, types.KindSnapshot, fs.Kind())
	assert.Equal(t, "/mnt/indices", fs.MountPoint())

	vols := fs.Volumes()
	require.Len(t, vols, 1)
	assert.NotEmpty(t, vols[0].ID)
	assert.True(t, vols[0].Static)
	assert.Equal(t, 5, vols[0].Size)
	assert.Equal(t, types.VolumeStatusAttached, vols[0].Status)
	assert.Empty(t, host.Formatted(), "snapshot volumes are not formatted")
	assert.True(t, host.Exported("/mnt/indices"))
}

func TestAddNewVolumeFormatsAndReexports(t *testing.T) {
	env, provider, host := newTestEnv(t)

	fs := New("data", "", env, types.RolePrimaryData)
	fs.AddVolume("", 10, "")

	require.True(t, fs.Add(context.Background()))
	assert.Equal(t, types.KindVolume, fs.Kind())
	assert.Len(t, host.Formatted(), 1)
	assert.False(t, fs.Volumes()[0].Static)
	assert.False(t, fs.Dirty(), "status reloads exports once the volume is mounted")
	assert.Equal(t, 1, host.Reloads())

	vol, err := provider.DescribeVolume(context.Background(), fs.Volumes()[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "test", vol.Tags["clusterName"])
	assert.Equal(t, "data", vol.Tags["filesystem"])
}

func TestAddFailureReflectedInState(t *testing.T) {
	env, provider, _ := newTestEnv(t)
	provider.Fail("CreateVolume", errors.New("quota exceeded"))

	fs := New("data", "", env, types.RolePrimaryData)
	fs.AddVolume("", 10, "")

	assert.False(t, fs.Add(context.Background()))
	assert.Equal(t, types.ServiceStateError, fs.State())
}

func TestStatusGraceWindow(t *testing.T) {
	env, _, _ := newTestEnv(t)
	env.StartGrace = time.Hour

	fs := New("data", "", env, types.RolePrimaryData)
	fs.SetState(types.ServiceStateStarting)
	fs.Status(context.Background())
	assert.Equal(t, types.ServiceStateStarting, fs.State())
}

func TestStatusNotMounted(t *testing.T) {
	env, _, _ := newTestEnv(t)

	fs := New("data", "", env, types.RolePrimaryData)
	fs.SetState(types.ServiceStateRunning)
	fs.Status(context.Background())
	assert.Equal(t, types.ServiceStateError, fs.State())
}

func TestStatusSkipsInactiveStates(t *testing.T) {
	env, _, _ := newTestEnv(t)
	for _, st := range []types.ServiceState{
		types.ServiceStateUnstarted,
		types.ServiceStateShuttingDown,
		types.ServiceStateShutDown,
		types.ServiceStateWaitingForUserAction,
	} {
		t.Run(string(st), func(t *testing.T) {
			fs := New("data", "", env, types.RolePrimaryData)
			fs.SetState(st)
			fs.Status(context.Background())
			assert.Equal(t, st, fs.State())
		})
	}
}

func TestStatusRediscoversVolume(t *testing.T) {
	env, provider, host := newTestEnv(t)
	var changed []string
	env.OnVolumeChange = func(fs *Filesystem) { changed = append(changed, fs.Name()) }

	fs := New("data", "", env, types.RolePrimaryData)
	fs.AddVolume("", 10, "")
	require.True(t, fs.Add(context.Background()))
	require.Equal(t, types.ServiceStateRunning, fs.State())

	ctx := context.Background()
	other, err := provider.CreateVolume(ctx, 20, "us-east-1a", "")
	require.NoError(t, err)
	require.NoError(t, provider.AttachVolume(ctx, other.ID, "i-master", "/dev/sdk"))

	require.NoError(t, host.Unmount(ctx, "/mnt/data"))
	host.SetMount("/dev/sdk", "/mnt/data")

	fs.Status(ctx)
	assert.Equal(t, types.ServiceStateError, fs.State())
	assert.Equal(t, other.ID, fs.Volumes()[0].ID)
	assert.Equal(t, 20, fs.Size())
	assert.Equal(t, []string{"data"}, changed)

	tag, err := provider.GetTag(ctx, other.ID, "filesystem")
	require.NoError(t, err)
	assert.Equal(t, "data", tag)

	fs.Status(ctx)
	assert.Equal(t, types.ServiceStateRunning, fs.State())
}

func TestRemoveBacking(t *testing.T) {
	tests := []struct {
		name          string
		roles         []types.ServiceRole
		deleteBacking bool
		wantDeleted   bool
	}{
		{name: "static volume deleted", roles: []types.ServiceRole{types.RoleReferenceData}, deleteBacking: true, wantDeleted: true},
		{name: "static volume kept", roles: []types.ServiceRole{types.RoleReferenceData}, deleteBacking: false, wantDeleted: false},
		{name: "primary data never deleted", roles: []types.ServiceRole{types.RolePrimaryData}, deleteBacking: true, wantDeleted: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, provider, host := newTestEnv(t)
			provider.SeedSnapshot(cloud.Snapshot{ID: "snap-X", Size: 5, Status: "completed"})

			fs := New("fs", "", env, tt.roles...)
			fs.AddVolume("", 0, "snap-X")
			require.True(t, fs.Add(context.Background()))
			id := fs.Volumes()[0].ID

			fs.RemoveBacking(context.Background(), tt.deleteBacking)
			fs.Wait()

			assert.Equal(t, types.ServiceStateShutDown, fs.State())
			assert.False(t, host.Exported("/mnt/fs"))
			_, err := provider.DescribeVolume(context.Background(), id)
			if tt.wantDeleted {
				assert.ErrorIs(t, err, cloud.ErrNotFound)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	env, provider, _ := newTestEnv(t)
	fs := New("data", "", env, types.RolePrimaryData)
	fs.AddVolume("", 10, "")
	require.True(t, fs.Add(context.Background()))

	fs.Remove(context.Background())
	fs.Wait()
	require.Equal(t, types.ServiceStateShutDown, fs.State())
	detaches := provider.Calls("DetachVolume")

	fs.Remove(context.Background())
	fs.Wait()
	assert.Equal(t, types.ServiceStateShutDown, fs.State())
	assert.Equal(t, detaches, provider.Calls("DetachVolume"))
}

func TestRemoveUnstarted(t *testing.T) {
	env, provider, _ := newTestEnv(t)
	fs := New("data", "", env, types.RolePrimaryData)
	fs.AddVolume("", 10, "")

	fs.Remove(context.Background())
	fs.Wait()
	assert.Equal(t, types.ServiceStateShutDown, fs.State())
	assert.Zero(t, provider.Calls("DetachVolume"))
}

func TestExpand(t *testing.T) {
	tests := []struct {
		name       string
		deleteSnap bool
		wantSnaps  int
	}{
		{name: "keep snapshot", deleteSnap: false, wantSnaps: 1},
		{name: "delete snapshot", deleteSnap: true, wantSnaps: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, provider, host := newTestEnv(t)
			fs := New("data", "", env, types.RolePrimaryData)
			fs.AddVolume("", 10, "")
			require.True(t, fs.Add(context.Background()))
			oldID := fs.Volumes()[0].ID

			require.NoError(t, fs.RequestGrow(types.GrowRequest{
				TargetSize:          20,
				SnapshotDescription: "resize",
				DeleteSnapshotAfter: tt.deleteSnap,
			}))

			require.True(t, fs.Expand(context.Background()))
			assert.Nil(t, fs.Grow())
			assert.Equal(t, 20, fs.Size())
			assert.Equal(t, types.ServiceStateRunning, fs.State())
			assert.Equal(t, []string{"/mnt/data"}, host.Grown())
			assert.NotEqual(t, oldID, fs.Volumes()[0].ID)
			assert.False(t, fs.Volumes()[0].Static)

			_, err := provider.DescribeVolume(context.Background(), oldID)
			assert.ErrorIs(t, err, cloud.ErrNotFound)
			assert.Len(t, provider.Snapshots(), tt.wantSnaps)
		})
	}
}

func TestExpandFailureDoesNotRetry(t *testing.T) {
	env, provider, _ := newTestEnv(t)
	fs := New("data", "", env, types.RolePrimaryData)
	fs.AddVolume("", 10, "")
	require.True(t, fs.Add(context.Background()))
	oldID := fs.Volumes()[0].ID

	require.NoError(t, fs.RequestGrow(types.GrowRequest{TargetSize: 20}))
	provider.Fail("CreateSnapshot", errors.New("snapshot limit"))

	assert.False(t, fs.Expand(context.Background()))
	assert.Equal(t, types.ServiceStateError, fs.State())
	assert.Nil(t, fs.Grow())

	_, err := provider.DescribeVolume(context.Background(), oldID)
	assert.NoError(t, err, "old volume is kept when expansion aborts")
}

func TestExpandWithoutGrow(t *testing.T) {
	env, _, _ := newTestEnv(t)
	fs := New("data", "", env, types.RolePrimaryData)
	assert.False(t, fs.Expand(context.Background()))
}

func TestRequestGrow(t *testing.T) {
	env, _, _ := newTestEnv(t)

	withVolume := New("data", "", env, types.RolePrimaryData)
	withVolume.AddVolume("vol-1", 10, "")
	bucketOnly := New("ref", "", env, types.RoleReferenceData)
	bucketOnly.AddBucket("b", "", "")

	tests := []struct {
		name    string
		fs      *Filesystem
		target  int
		wantErr bool
	}{
		{name: "larger", fs: withVolume, target: 11},
		{name: "same size", fs: withVolume, target: 10, wantErr: true},
		{name: "smaller", fs: withVolume, target: 5, wantErr: true},
		{name: "no volumes", fs: bucketOnly, target: 100, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.fs.RequestGrow(types.GrowRequest{TargetSize: tt.target})
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.target, tt.fs.Grow().TargetSize)
		})
	}
}

func TestCreateSnapshot(t *testing.T) {
	env, provider, _ := newTestEnv(t)
	fs := New("data", "", env, types.RolePrimaryData)
	fs.AddVolume("", 10, "")
	require.True(t, fs.Add(context.Background()))
	volID := fs.Volumes()[0].ID

	ids, err := fs.CreateSnapshot(context.Background(), "backup")
	require.NoError(t, err)
	require.Len(t, ids, 1)

	snap, err := provider.DescribeSnapshot(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, volID, snap.VolumeID)
	assert.Equal(t, "backup", snap.Description)
	assert.Equal(t, volID, fs.Volumes()[0].ID, "the same volume is reattached")
	assert.Equal(t, types.ServiceStateRunning, fs.State())
}

func TestBucketMountsInBackground(t *testing.T) {
	env, _, host := newTestEnv(t)
	fs := New("galaxy", "", env, types.RoleReferenceData)
	fs.AddBucket("ref-a", "AK", "SK")
	fs.AddBucket("ref-b", "", "")

	fs.Add(context.Background())
	fs.Wait()

	entries, err := host.Mounts()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "/mnt/galaxy", entries[0].MountPoint)
	assert.Equal(t, types.KindBucket, fs.Kind())

	fs.Status(context.Background())
	assert.Equal(t, types.ServiceStateRunning, fs.State())
}

func TestTransient(t *testing.T) {
	env, _, host := newTestEnv(t)
	dir := t.TempDir() + "/transient"

	fs := NewTransient("transient_nfs", dir, env)
	assert.False(t, fs.Persistent())
	assert.True(t, fs.HasRole(types.RoleTransientNFS))

	require.True(t, fs.Add(context.Background()))
	assert.Equal(t, types.ServiceStateRunning, fs.State())
	assert.True(t, host.Exported(dir))

	fs.Remove(context.Background())
	fs.Wait()
	assert.False(t, host.Exported(dir))
	assert.DirExists(t, dir)
}

func TestMountSpec(t *testing.T) {
	env, _, _ := newTestEnv(t)

	vol := New("data", "", env, types.RolePrimaryData)
	vol.AddVolume("vol-1", 10, "")
	nfs := New("shared", "/mnt/shared", env, types.RoleGenericFS)
	require.NoError(t, nfs.SetRemote(types.KindNFS, "10.0.0.9:/export", "vers=4"))
	gluster := New("scratch", "/mnt/scratch", env, types.RoleGenericFS)
	require.NoError(t, gluster.SetRemote(types.KindGluster, "10.0.0.7:/scratch", ""))
	bucket := New("ref", "", env, types.RoleReferenceData)
	bucket.AddBucket("b", "", "")

	tests := []struct {
		name   string
		fs     *Filesystem
		want   comm.MountPoint
		wantOK bool
	}{
		{
			name:   "volume exported by master",
			fs:     vol,
			want:   comm.MountPoint{FSType: "nfs", Server: "10.0.0.1:/mnt/data", MountPath: "/mnt/data", Name: "data"},
			wantOK: true,
		},
		{
			name:   "remote nfs",
			fs:     nfs,
			want:   comm.MountPoint{FSType: "nfs", Server: "10.0.0.9:/export", MountOptions: "vers=4", MountPath: "/mnt/shared", Name: "shared"},
			wantOK: true,
		},
		{
			name:   "remote gluster",
			fs:     gluster,
			want:   comm.MountPoint{FSType: "glusterfs", Server: "10.0.0.7:/scratch", MountPath: "/mnt/scratch", Name: "scratch"},
			wantOK: true,
		},
		{name: "bucket", fs: bucket, wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := tt.fs.MountSpec("10.0.0.1")
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRemoteMountType(t *testing.T) {
	tests := []struct {
		name string
		kind types.FilesystemKind
		want string
	}{
		{name: "nfs", kind: types.KindNFS, want: "nfs"},
		{name: "gluster", kind: types.KindGluster, want: "glusterfs"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, _, host := newTestEnv(t)
			fs := New("shared", "/mnt/shared", env, types.RoleGenericFS)
			require.NoError(t, fs.SetRemote(tt.kind, "10.0.0.9:/shared", ""))

			require.True(t, fs.Add(context.Background()))
			entries, err := host.Mounts()
			require.NoError(t, err)
			require.Len(t, entries, 1)
			assert.Equal(t, tt.want, entries[0].FSType)
			assert.Equal(t, tt.kind, fs.Kind())
		})
	}
}

func TestSetRemoteValidation(t *testing.T) {
	env, _, _ := newTestEnv(t)
	fs := New("x", "", env)
	assert.Error(t, fs.SetRemote(types.KindVolume, "srv", ""))
	assert.Error(t, fs.SetRemote(types.KindGluster, "", ""))
	assert.NoError(t, fs.SetRemote(types.KindGluster, "gl:/vol", ""))
	assert.Equal(t, types.KindGluster, fs.Kind())
}
