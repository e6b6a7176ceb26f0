package filesystem

import (
	"context"
	"errors"

	"github.com/cuemby/colony/pkg/types"
)

// ErrNotMounted is returned when a mount point is absent from the mount table
var ErrNotMounted = errors.New("not mounted")

// MountEntry is one line of the host mount table
type MountEntry struct {
	Device     string
	MountPoint string
	FSType     string
}

// BucketCredentials are used to mount private buckets. Empty credentials
// mount the bucket as public.
type BucketCredentials struct {
	AccessKey string
	SecretKey string
}

// Host performs node-local storage operations on the control-plane machine
type Host interface {
	Mount(ctx context.Context, device, mountPoint, fsType, options string) error
	MountBucket(ctx context.Context, bucket, mountPoint string, creds BucketCredentials) error
	Unmount(ctx context.Context, mountPoint string) error
	Mounts() ([]MountEntry, error)

	// MakeFilesystem formats a freshly created, empty block device
	MakeFilesystem(ctx context.Context, device string) error
	// GrowFilesystem grows the filesystem mounted at mountPoint to fill its device
	GrowFilesystem(ctx context.Context, mountPoint string) error

	// Export shares mountPoint with workers over NFS
	Export(mountPoint string, readOnly bool) error
	Unexport(mountPoint string) error
	ReloadExports(ctx context.Context) error

	DiskUsage(path string) (types.DiskUsage, error)

	// DeviceFor maps a provider attach device name to the name the
	// kernel exposes it under
	DeviceFor(attachDevice string) string
}

// findMount returns the mount table entry for mountPoint
func findMount(h Host, mountPoint string) (MountEntry, error) {
	entries, err := h.Mounts()
	if err != nil {
		return MountEntry{}, err
	}
	for _, e := range entries {
		if e.MountPoint == mountPoint {
			return e, nil
		}
	}
	return MountEntry{}, ErrNotMounted
}
