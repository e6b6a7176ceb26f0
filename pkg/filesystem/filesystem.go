package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cuemby/colony/pkg/cloud"
	"github.com/cuemby/colony/pkg/comm"
	"github.com/cuemby/colony/pkg/log"
	"github.com/cuemby/colony/pkg/service"
	"github.com/cuemby/colony/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 5 * time.Minute
)

// Env carries the collaborators shared by every filesystem on the node
type Env struct {
	Provider    cloud.Provider
	Host        Host
	InstanceID  string
	Zone        string
	ClusterName string

	// ExportLock serializes NFS export reloads
	ExportLock sync.Locker

	// StartGrace is how long a STARTING filesystem is left alone before
	// its mount is checked
	StartGrace   time.Duration
	PollInterval time.Duration
	Timeout      time.Duration

	// OnVolumeChange is called when status discovers a different volume
	// mounted than the one tracked
	OnVolumeChange func(fs *Filesystem)

	logger zerolog.Logger
}

func (e *Env) withDefaults() *Env {
	out := *e
	if out.ExportLock == nil {
		out.ExportLock = &sync.Mutex{}
	}
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	out.logger = log.WithComponent("filesystem")
	return &out
}

// remote is an NFS or gluster export served by another host
type remote struct {
	kind    types.FilesystemKind
	server  string
	options string
}

// Bucket is an object-store bucket mounted as a filesystem
type Bucket struct {
	Name      string
	AccessKey string
	SecretKey string
}

// Filesystem is a storage service backed by volumes, buckets, a remote
// export or transient local disk
type Filesystem struct {
	*service.Base
	env    *Env
	logger zerolog.Logger

	mu         sync.Mutex
	mountPoint string
	volumes    []*Volume
	buckets    []Bucket
	remote     *remote
	transient  bool
	dirty      bool
	grow       *types.GrowRequest

	wg sync.WaitGroup
}

// New creates a filesystem service. An empty mountPoint defaults to
// /mnt/<name>.
func New(name, mountPoint string, env *Env, roles ...types.ServiceRole) *Filesystem {
	if mountPoint == "" {
		mountPoint = "/mnt/" + name
	}
	return &Filesystem{
		Base:       service.NewBase(name, types.ServiceTypeStorage, roles...),
		env:        env.withDefaults(),
		logger:     log.WithFilesystem(name, mountPoint),
		mountPoint: mountPoint,
	}
}

// NewTransient creates the non-persistent scratch filesystem exported from
// the node's local disk at path
func NewTransient(name, path string, env *Env) *Filesystem {
	fs := New(name, path, env, types.RoleTransientNFS)
	fs.transient = true
	return fs
}

// AddVolume appends a volume backend. Leave id empty to create a new volume,
// optionally from snapshotID.
func (fs *Filesystem) AddVolume(id string, size int, snapshotID string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.volumes = append(fs.volumes, &Volume{id: id, size: size, snapshotID: snapshotID})
}

func (fs *Filesystem) AddBucket(name, accessKey, secretKey string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.buckets = append(fs.buckets, Bucket{Name: name, AccessKey: accessKey, SecretKey: secretKey})
}

// SetRemote backs the filesystem with an NFS or gluster export
func (fs *Filesystem) SetRemote(kind types.FilesystemKind, server, options string) error {
	if kind != types.KindNFS && kind != types.KindGluster {
		return fmt.Errorf("unsupported remote kind %q", kind)
	}
	if server == "" {
		return errors.New("remote filesystem needs a server")
	}
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.remote = &remote{kind: kind, server: server, options: options}
	return nil
}

func (fs *Filesystem) MountPoint() string { return fs.mountPoint }

// Kind reports how the filesystem is backed. Volumes sourced from a
// snapshot count as kind snapshot except for primary data.
func (fs *Filesystem) Kind() types.FilesystemKind {
	primary := fs.HasRole(types.RolePrimaryData)
	fs.mu.Lock()
	defer fs.mu.Unlock()
	switch {
	case fs.transient:
		return types.KindTransient
	case fs.remote != nil:
		return fs.remote.kind
	case len(fs.buckets) > 0:
		return types.KindBucket
	}
	if !primary {
		for _, v := range fs.volumes {
			if v.Info().SnapshotID != "" {
				return types.KindSnapshot
			}
		}
	}
	return types.KindVolume
}

// Persistent reports whether the filesystem survives cluster teardown
func (fs *Filesystem) Persistent() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return !fs.transient
}

func (fs *Filesystem) Volumes() []VolumeInfo {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]VolumeInfo, len(fs.volumes))
	for i, v := range fs.volumes {
		out[i] = v.Info()
	}
	return out
}

func (fs *Filesystem) Buckets() []Bucket {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]Bucket(nil), fs.buckets...)
}

// Size is the total size of the volume backends in GB
func (fs *Filesystem) Size() int {
	total := 0
	for _, v := range fs.Volumes() {
		total += v.Size
	}
	return total
}

func (fs *Filesystem) Dirty() bool {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.dirty
}

// MarkDirty flags the filesystem's NFS export for reload on the next status
func (fs *Filesystem) MarkDirty() {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.dirty = true
}

// Grow returns the pending grow request, if any
func (fs *Filesystem) Grow() *types.GrowRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.grow == nil {
		return nil
	}
	g := *fs.grow
	return &g
}

// RequestGrow records a resize to be carried out by Expand
func (fs *Filesystem) RequestGrow(req types.GrowRequest) error {
	size := fs.Size()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.volumes) == 0 {
		return fmt.Errorf("filesystem %s has no volumes to grow", fs.Name())
	}
	if req.TargetSize <= size {
		return fmt.Errorf("target size %d must exceed current size %d", req.TargetSize, size)
	}
	fs.grow = &req
	return nil
}

// Add brings every backend up. Bucket mounts run concurrently in the
// background. Failures are reflected through Status.
func (fs *Filesystem) Add(ctx context.Context) bool {
	fs.SetState(types.ServiceStateStarting)
	fs.logger.Info().Str("kind", string(fs.Kind())).Msg("adding filesystem")

	ok := true
	if err := fs.addBackends(ctx); err != nil {
		fs.logger.Error().Err(err).Msg("failed to add filesystem")
		ok = false
	}
	fs.Status(ctx)
	return ok
}

func (fs *Filesystem) addBackends(ctx context.Context) error {
	fs.mu.Lock()
	volumes := append([]*Volume(nil), fs.volumes...)
	buckets := append([]Bucket(nil), fs.buckets...)
	rem := fs.remote
	transient := fs.transient
	fs.mu.Unlock()

	primary := fs.HasRole(types.RolePrimaryData)

	if transient {
		if err := os.MkdirAll(fs.mountPoint, 0755); err != nil {
			return fmt.Errorf("failed to create transient directory: %w", err)
		}
		if err := fs.env.Host.Export(fs.mountPoint, false); err != nil {
			return fmt.Errorf("failed to export transient directory: %w", err)
		}
		fs.MarkDirty()
		return nil
	}

	for _, v := range volumes {
		if err := v.create(ctx, fs.env, fs.Name()); err != nil {
			return err
		}
		if !primary && v.Info().SnapshotID != "" {
			v.setStatic()
		}
		if err := v.attach(ctx, fs.env); err != nil {
			return err
		}
		if err := v.mount(ctx, fs.env, fs.mountPoint); err != nil {
			return err
		}
		fs.MarkDirty()
	}

	if rem != nil {
		if err := fs.env.Host.Mount(ctx, rem.server, fs.mountPoint, mountType(rem.kind), rem.options); err != nil {
			return fmt.Errorf("failed to mount %s from %s: %w", rem.kind, rem.server, err)
		}
	}

	if len(buckets) > 0 {
		bg := context.WithoutCancel(ctx)
		fs.wg.Add(1)
		go func() {
			defer fs.wg.Done()
			var g errgroup.Group
			for _, b := range buckets {
				b := b
				g.Go(func() error {
					creds := BucketCredentials{AccessKey: b.AccessKey, SecretKey: b.SecretKey}
					if err := fs.env.Host.MountBucket(bg, b.Name, fs.mountPoint, creds); err != nil {
						return fmt.Errorf("bucket %s: %w", b.Name, err)
					}
					fs.logger.Info().Str("bucket", b.Name).Msg("bucket mounted")
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				fs.logger.Error().Err(err).Msg("bucket mount failed")
			}
		}()
	}
	return nil
}

// Remove tears the filesystem down, deleting static volumes
func (fs *Filesystem) Remove(ctx context.Context) {
	fs.RemoveBacking(ctx, true)
}

// RemoveBacking tears the filesystem down in the background. Static volumes
// are deleted only when deleteBacking is set. Calling it on a filesystem
// that is already shutting down or shut down does nothing.
func (fs *Filesystem) RemoveBacking(ctx context.Context, deleteBacking bool) {
	switch fs.State() {
	case types.ServiceStateShuttingDown, types.ServiceStateShutDown:
		fs.logger.Debug().Msg("filesystem already shutting down")
		return
	case types.ServiceStateUnstarted:
		fs.SetState(types.ServiceStateShutDown)
		return
	}

	fs.logger.Info().Bool("delete_backing", deleteBacking).Msg("removing filesystem")
	fs.SetState(types.ServiceStateShuttingDown)

	bg := context.WithoutCancel(ctx)
	fs.wg.Add(1)
	go func() {
		defer fs.wg.Done()
		if err := fs.teardown(bg, deleteBacking); err != nil {
			fs.logger.Error().Err(err).Msg("filesystem teardown incomplete")
		}
		fs.SetState(types.ServiceStateShutDown)
	}()
}

// Wait blocks until background mounts and teardowns finish
func (fs *Filesystem) Wait() {
	fs.wg.Wait()
}

func (fs *Filesystem) teardown(ctx context.Context, deleteBacking bool) error {
	fs.mu.Lock()
	volumes := append([]*Volume(nil), fs.volumes...)
	buckets := append([]Bucket(nil), fs.buckets...)
	rem := fs.remote
	transient := fs.transient
	fs.mu.Unlock()

	primary := fs.HasRole(types.RolePrimaryData)
	var errs []error

	if transient {
		if err := fs.env.Host.Unexport(fs.mountPoint); err != nil {
			errs = append(errs, err)
		}
		fs.MarkDirty()
	}

	for _, v := range volumes {
		if err := v.unmount(ctx, fs.env, fs.mountPoint); err != nil {
			errs = append(errs, err)
			continue
		}
		fs.MarkDirty()
		if err := v.detach(ctx, fs.env); err != nil {
			errs = append(errs, err)
			continue
		}
		if deleteBacking && !primary && v.Info().Static {
			if err := v.delete(ctx, fs.env); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if rem != nil || len(buckets) > 0 {
		if err := fs.env.Host.Unmount(ctx, fs.mountPoint); err != nil && !errors.Is(err, ErrNotMounted) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Status re-evaluates the filesystem against the live mount table
func (fs *Filesystem) Status(ctx context.Context) {
	if fs.Dirty() {
		fs.reexport(ctx)
	}

	st := fs.State()
	switch st {
	case types.ServiceStateShuttingDown, types.ServiceStateShutDown,
		types.ServiceStateUnstarted, types.ServiceStateWaitingForUserAction:
		return
	case types.ServiceStateStarting:
		if time.Since(fs.StateSince()) < fs.env.StartGrace {
			return
		}
	}

	fs.mu.Lock()
	transient := fs.transient
	var tracked *Volume
	if len(fs.volumes) > 0 {
		tracked = fs.volumes[0]
	}
	fs.mu.Unlock()

	if transient {
		if info, err := os.Stat(fs.mountPoint); err != nil || !info.IsDir() {
			fs.logger.Error().Err(err).Msg("transient directory missing")
			fs.SetState(types.ServiceStateError)
			return
		}
		fs.SetState(types.ServiceStateRunning)
		return
	}

	entry, err := findMount(fs.env.Host, fs.mountPoint)
	if err != nil {
		fs.logger.Error().Err(err).Msg("filesystem is not mounted")
		fs.SetState(types.ServiceStateError)
		return
	}

	if tracked == nil {
		fs.SetState(types.ServiceStateRunning)
		return
	}

	info := tracked.Info()
	if info.Device != "" && entry.Device == fs.env.Host.DeviceFor(info.Device) {
		fs.SetState(types.ServiceStateRunning)
		return
	}

	fs.logger.Error().
		Str("mounted_device", entry.Device).
		Str("volume_id", info.ID).
		Str("volume_device", info.Device).
		Msg("mounted device does not match tracked volume")
	fs.SetState(types.ServiceStateError)
	fs.rediscover(ctx, tracked, entry.Device)
}

// rediscover adopts whichever volume is attached to this instance at the
// mounted device
func (fs *Filesystem) rediscover(ctx context.Context, v *Volume, device string) {
	attached, err := fs.env.Provider.ListVolumes(ctx, cloud.Filter{"attachment.instance-id": fs.env.InstanceID})
	if err != nil {
		fs.logger.Warn().Err(err).Msg("failed to list attached volumes")
		return
	}
	for _, vol := range attached {
		if fs.env.Host.DeviceFor(vol.Device) != device {
			continue
		}
		fs.logger.Info().
			Str("volume_id", vol.ID).
			Str("device", device).
			Msg("discovered volume change")
		v.update(vol)
		for k, val := range map[string]string{"clusterName": fs.env.ClusterName, "filesystem": fs.Name()} {
			if cur, err := fs.env.Provider.GetTag(ctx, vol.ID, k); err == nil && cur == "" {
				_ = fs.env.Provider.AddTag(ctx, vol.ID, k, val)
			}
		}
		if fs.env.OnVolumeChange != nil {
			fs.env.OnVolumeChange(fs)
		}
		return
	}
	fs.logger.Warn().Str("device", device).Msg("no attached volume found at mounted device")
}

func (fs *Filesystem) reexport(ctx context.Context) {
	fs.env.ExportLock.Lock()
	defer fs.env.ExportLock.Unlock()
	if err := fs.env.Host.ReloadExports(ctx); err != nil {
		fs.logger.Warn().Err(err).Msg("failed to reload NFS exports")
		return
	}
	fs.mu.Lock()
	fs.dirty = false
	fs.mu.Unlock()
}

// Expand carries out a pending grow request: detach, snapshot, recreate the
// volumes larger from the snapshots, grow the filesystem and drop the old
// volumes. A failed step is not rolled back; the filesystem is left in
// ERROR and the grow request is cleared.
func (fs *Filesystem) Expand(ctx context.Context) bool {
	grow := fs.Grow()
	if grow == nil {
		fs.logger.Debug().Msg("expand requested without a grow request")
		return false
	}
	fs.logger.Info().Int("target_size", grow.TargetSize).Msg("expanding filesystem")

	fail := func(step string, err error) bool {
		fs.logger.Error().Err(err).Str("step", step).Msg("filesystem expansion failed, operator intervention required")
		fs.clearGrow()
		fs.SetState(types.ServiceStateError)
		return false
	}

	fs.SetState(types.ServiceStateShuttingDown)
	if err := fs.teardown(ctx, false); err != nil {
		return fail("detach", err)
	}
	fs.SetState(types.ServiceStateShutDown)

	fs.mu.Lock()
	volumes := append([]*Volume(nil), fs.volumes...)
	fs.mu.Unlock()

	var oldIDs, snapIDs []string
	for _, v := range volumes {
		oldIDs = append(oldIDs, v.Info().ID)
		snapID, err := v.snapshot(ctx, fs.env, grow.SnapshotDescription)
		if err != nil {
			return fail("snapshot", err)
		}
		snapIDs = append(snapIDs, snapID)
		v.rebind(grow.TargetSize, snapID)
	}

	if !fs.Add(ctx) {
		return fail("add", errors.New("failed to bring up resized volumes"))
	}
	if err := fs.env.Host.GrowFilesystem(ctx, fs.mountPoint); err != nil {
		return fail("growfs", err)
	}

	for _, id := range oldIDs {
		if err := fs.env.Provider.DeleteVolume(ctx, id); err != nil {
			fs.logger.Error().Err(err).Str("volume_id", id).Msg("failed to delete old volume")
		}
	}
	if grow.DeleteSnapshotAfter {
		for _, id := range snapIDs {
			if err := fs.env.Provider.DeleteSnapshot(ctx, id); err != nil {
				fs.logger.Error().Err(err).Str("snapshot_id", id).Msg("failed to delete resize snapshot")
			}
		}
	}

	fs.clearGrow()
	fs.logger.Info().Int("size", fs.Size()).Msg("filesystem expanded")
	return true
}

func (fs *Filesystem) clearGrow() {
	fs.mu.Lock()
	fs.grow = nil
	fs.mu.Unlock()
}

// CreateSnapshot detaches the volumes, snapshots each of them and brings the
// filesystem back up. It returns the snapshot ids.
func (fs *Filesystem) CreateSnapshot(ctx context.Context, description string) ([]string, error) {
	fs.mu.Lock()
	volumes := append([]*Volume(nil), fs.volumes...)
	fs.mu.Unlock()
	if len(volumes) == 0 {
		return nil, fmt.Errorf("filesystem %s has no volumes", fs.Name())
	}

	fs.SetState(types.ServiceStateShuttingDown)
	if err := fs.teardown(ctx, false); err != nil {
		fs.SetState(types.ServiceStateError)
		return nil, fmt.Errorf("failed to detach %s: %w", fs.Name(), err)
	}
	fs.SetState(types.ServiceStateShutDown)

	var ids []string
	var snapErr error
	for _, v := range volumes {
		id, err := v.snapshot(ctx, fs.env, description)
		if err != nil {
			snapErr = err
			break
		}
		ids = append(ids, id)
	}

	fs.Add(ctx)
	if snapErr != nil {
		return ids, snapErr
	}
	return ids, nil
}

// DiskUsage samples usage at the mount point
func (fs *Filesystem) DiskUsage() (types.DiskUsage, error) {
	return fs.env.Host.DiskUsage(fs.mountPoint)
}

// MountSpec describes how workers mount this filesystem. Buckets are not
// shared this way and report false.
func (fs *Filesystem) MountSpec(masterIP string) (comm.MountPoint, bool) {
	mp := comm.MountPoint{MountPath: fs.mountPoint, Name: fs.Name()}
	switch kind := fs.Kind(); kind {
	case types.KindBucket:
		return comm.MountPoint{}, false
	case types.KindNFS, types.KindGluster:
		fs.mu.Lock()
		mp.FSType = mountType(kind)
		mp.Server = fs.remote.server
		mp.MountOptions = fs.remote.options
		fs.mu.Unlock()
	default:
		mp.FSType = "nfs"
		mp.Server = masterIP + ":" + fs.mountPoint
	}
	return mp, true
}

// mountType is the type workers pass to mount -t
func mountType(kind types.FilesystemKind) string {
	if kind == types.KindGluster {
		return "glusterfs"
	}
	return string(kind)
}

var _ service.Service = (*Filesystem)(nil)
