package filesystem

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cuemby/colony/pkg/cloud"
	"github.com/cuemby/colony/pkg/types"
)

// Volume is a block-volume backend. The id stays empty until the provider
// creates the volume.
type Volume struct {
	mu         sync.Mutex
	id         string
	size       int
	snapshotID string
	static     bool
	device     string
	status     types.VolumeStatus
	fresh      bool
}

// VolumeInfo is a point-in-time copy of a Volume
type VolumeInfo struct {
	ID         string
	Size       int
	SnapshotID string
	Static     bool
	Device     string
	Status     types.VolumeStatus
}

func (v *Volume) Info() VolumeInfo {
	v.mu.Lock()
	defer v.mu.Unlock()
	return VolumeInfo{
		ID:         v.id,
		Size:       v.size,
		SnapshotID: v.snapshotID,
		Static:     v.static,
		Device:     v.device,
		Status:     v.status,
	}
}

func (v *Volume) setStatic() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.static = true
}

// update adopts the provider's view of a volume
func (v *Volume) update(vol cloud.Volume) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.id = vol.ID
	if vol.Size > 0 {
		v.size = vol.Size
	}
	if vol.SnapshotID != "" {
		v.snapshotID = vol.SnapshotID
	}
	v.device = vol.Device
	v.status = vol.Status
}

// rebind points the descriptor at a new size and source snapshot so the next
// create materializes a fresh volume
func (v *Volume) rebind(size int, snapshotID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.id = ""
	v.size = size
	v.snapshotID = snapshotID
	v.device = ""
	v.status = types.VolumeStatusNone
}

// create provisions the volume unless it already exists
func (v *Volume) create(ctx context.Context, env *Env, fsName string) error {
	info := v.Info()

	if info.ID != "" {
		var vol cloud.Volume
		err := cloud.Retry(ctx, 5, env.PollInterval, func() error {
			var err error
			vol, err = env.Provider.DescribeVolume(ctx, info.ID)
			return err
		})
		if err != nil {
			return fmt.Errorf("failed to look up volume %s: %w", info.ID, err)
		}
		v.update(vol)
		return nil
	}

	vol, err := env.Provider.CreateVolume(ctx, info.Size, env.Zone, info.SnapshotID)
	if err != nil {
		return fmt.Errorf("failed to create volume: %w", err)
	}
	err = waitFor(ctx, env.PollInterval, env.Timeout, func() (bool, error) {
		cur, err := env.Provider.DescribeVolume(ctx, vol.ID)
		if err != nil {
			return false, err
		}
		vol = cur
		return cur.Status == types.VolumeStatusAvailable, nil
	})
	if err != nil {
		return fmt.Errorf("volume %s never became available: %w", vol.ID, err)
	}

	v.update(vol)
	v.mu.Lock()
	v.fresh = info.SnapshotID == ""
	v.mu.Unlock()

	for k, val := range map[string]string{"clusterName": env.ClusterName, "filesystem": fsName} {
		if err := env.Provider.AddTag(ctx, vol.ID, k, val); err != nil {
			env.logger.Warn().Err(err).Str("volume_id", vol.ID).Str("tag", k).Msg("failed to tag volume")
		}
	}
	return nil
}

// attach attaches the volume to this instance at a free device
func (v *Volume) attach(ctx context.Context, env *Env) error {
	id := v.Info().ID
	vol, err := env.Provider.DescribeVolume(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to describe volume %s: %w", id, err)
	}
	if vol.Status == types.VolumeStatusAttached {
		if vol.InstanceID == env.InstanceID {
			v.update(vol)
			return nil
		}
		return fmt.Errorf("volume %s is attached to %s", id, vol.InstanceID)
	}

	device, err := freeDevice(ctx, env)
	if err != nil {
		return err
	}
	if err := env.Provider.AttachVolume(ctx, id, env.InstanceID, device); err != nil {
		return fmt.Errorf("failed to attach volume %s as %s: %w", id, device, err)
	}
	err = waitFor(ctx, env.PollInterval, env.Timeout, func() (bool, error) {
		cur, err := env.Provider.DescribeVolume(ctx, id)
		if err != nil {
			return false, err
		}
		vol = cur
		return cur.Status == types.VolumeStatusAttached, nil
	})
	if err != nil {
		return fmt.Errorf("volume %s never attached: %w", id, err)
	}
	v.update(vol)
	return nil
}

func (v *Volume) mount(ctx context.Context, env *Env, mountPoint string) error {
	v.mu.Lock()
	device := env.Host.DeviceFor(v.device)
	fresh := v.fresh
	v.mu.Unlock()

	if fresh {
		if err := env.Host.MakeFilesystem(ctx, device); err != nil {
			return fmt.Errorf("failed to format %s: %w", device, err)
		}
		v.mu.Lock()
		v.fresh = false
		v.mu.Unlock()
	}
	if err := env.Host.Mount(ctx, device, mountPoint, "xfs", ""); err != nil {
		return fmt.Errorf("failed to mount %s at %s: %w", device, mountPoint, err)
	}
	return env.Host.Export(mountPoint, false)
}

func (v *Volume) unmount(ctx context.Context, env *Env, mountPoint string) error {
	if err := env.Host.Unexport(mountPoint); err != nil {
		env.logger.Warn().Err(err).Str("mount_point", mountPoint).Msg("failed to remove export")
	}
	if err := env.Host.Unmount(ctx, mountPoint); err != nil && !errors.Is(err, ErrNotMounted) {
		return fmt.Errorf("failed to unmount %s: %w", mountPoint, err)
	}
	return nil
}

func (v *Volume) detach(ctx context.Context, env *Env) error {
	id := v.Info().ID
	if id == "" {
		return nil
	}
	vol, err := env.Provider.DescribeVolume(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to describe volume %s: %w", id, err)
	}
	if vol.Status != types.VolumeStatusAttached {
		v.update(vol)
		return nil
	}
	if err := env.Provider.DetachVolume(ctx, id, env.InstanceID); err != nil {
		return fmt.Errorf("failed to detach volume %s: %w", id, err)
	}
	err = waitFor(ctx, env.PollInterval, env.Timeout, func() (bool, error) {
		cur, err := env.Provider.DescribeVolume(ctx, id)
		if err != nil {
			return false, err
		}
		vol = cur
		return cur.Status == types.VolumeStatusAvailable, nil
	})
	if err != nil {
		return fmt.Errorf("volume %s never detached: %w", id, err)
	}
	v.update(vol)
	return nil
}

func (v *Volume) delete(ctx context.Context, env *Env) error {
	id := v.Info().ID
	if id == "" {
		return nil
	}
	if err := env.Provider.DeleteVolume(ctx, id); err != nil {
		return fmt.Errorf("failed to delete volume %s: %w", id, err)
	}
	v.mu.Lock()
	v.status = types.VolumeStatusDeleted
	v.mu.Unlock()
	return nil
}

// snapshot snapshots the volume and waits for the snapshot to complete
func (v *Volume) snapshot(ctx context.Context, env *Env, description string) (string, error) {
	id := v.Info().ID
	if id == "" {
		return "", errors.New("volume has not been created")
	}
	snap, err := env.Provider.CreateSnapshot(ctx, id, description)
	if err != nil {
		return "", fmt.Errorf("failed to snapshot volume %s: %w", id, err)
	}
	err = waitFor(ctx, env.PollInterval, env.Timeout, func() (bool, error) {
		cur, err := env.Provider.DescribeSnapshot(ctx, snap.ID)
		if err != nil {
			return false, err
		}
		if cur.Status == "error" {
			return false, fmt.Errorf("snapshot %s failed", snap.ID)
		}
		return cur.Status == "completed", nil
	})
	if err != nil {
		return "", err
	}
	env.logger.Info().Str("volume_id", id).Str("snapshot_id", snap.ID).Msg("snapshot completed")
	return snap.ID, nil
}

// freeDevice picks the first /dev/sd[f-z] name not in use on this instance
func freeDevice(ctx context.Context, env *Env) (string, error) {
	attached, err := env.Provider.ListVolumes(ctx, cloud.Filter{"attachment.instance-id": env.InstanceID})
	if err != nil {
		return "", fmt.Errorf("failed to list attached volumes: %w", err)
	}
	used := make(map[string]bool, len(attached))
	for _, vol := range attached {
		used[vol.Device] = true
	}
	for c := 'f'; c <= 'z'; c++ {
		dev := "/dev/sd" + string(c)
		if !used[dev] {
			return dev, nil
		}
	}
	return "", errors.New("no free attach device")
}

// errPending keeps waitFor polling
var errPending = errors.New("condition not met")

// waitFor polls cond every interval until it holds or returns an error.
// Polling gives up once timeout passes.
func waitFor(ctx context.Context, interval, timeout time.Duration, cond func() (bool, error)) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := backoff.Retry(func() error {
		ok, err := cond()
		switch {
		case err != nil:
			return backoff.Permanent(err)
		case !ok:
			return errPending
		}
		return nil
	}, backoff.WithContext(backoff.NewConstantBackOff(interval), wctx))

	if ctx.Err() == nil && (errors.Is(err, errPending) || errors.Is(err, context.DeadlineExceeded)) {
		return fmt.Errorf("timed out after %s", timeout)
	}
	return err
}
