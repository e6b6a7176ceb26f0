package filesystem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/colony/pkg/types"
)

// MemHost is an in-memory Host for tests and dry runs
type MemHost struct {
	mu       sync.Mutex
	mounts   map[string]MountEntry
	exports  map[string]bool
	usage    map[string]types.DiskUsage
	failures map[string]error
	reloads  int
	made     []string
	grown    []string
}

// NewMemHost creates an empty in-memory host
func NewMemHost() *MemHost {
	return &MemHost{
		mounts:   make(map[string]MountEntry),
		exports:  make(map[string]bool),
		usage:    make(map[string]types.DiskUsage),
		failures: make(map[string]error),
	}
}

// Fail makes every call to method return err; a nil err clears it
func (h *MemHost) Fail(method string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.failures, method)
		return
	}
	h.failures[method] = err
}

// SetMount places an arbitrary entry in the mount table
func (h *MemHost) SetMount(device, mountPoint string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounts[mountPoint] = MountEntry{Device: device, MountPoint: mountPoint, FSType: "xfs"}
}

// SetUsage sets the disk usage reported for path
func (h *MemHost) SetUsage(path string, total, used uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.usage[path] = types.DiskUsage{Path: path, Total: total, Used: used}
}

func (h *MemHost) Exported(mountPoint string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exports[mountPoint]
}

func (h *MemHost) Reloads() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.reloads
}

// Formatted returns the devices passed to MakeFilesystem
func (h *MemHost) Formatted() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.made...)
}

// Grown returns the mount points passed to GrowFilesystem
func (h *MemHost) Grown() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.grown...)
}

func (h *MemHost) fail(method string) error {
	return h.failures[method]
}

func (h *MemHost) Mount(ctx context.Context, device, mountPoint, fsType, options string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("Mount"); err != nil {
		return err
	}
	if _, ok := h.mounts[mountPoint]; ok {
		return fmt.Errorf("%s already mounted", mountPoint)
	}
	h.mounts[mountPoint] = MountEntry{Device: device, MountPoint: mountPoint, FSType: fsType}
	return nil
}

func (h *MemHost) MountBucket(ctx context.Context, bucket, mountPoint string, creds BucketCredentials) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("MountBucket"); err != nil {
		return err
	}
	h.mounts[mountPoint] = MountEntry{Device: "s3fs:" + bucket, MountPoint: mountPoint, FSType: "fuse.s3fs"}
	return nil
}

func (h *MemHost) Unmount(ctx context.Context, mountPoint string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("Unmount"); err != nil {
		return err
	}
	if _, ok := h.mounts[mountPoint]; !ok {
		return fmt.Errorf("%s: %w", mountPoint, ErrNotMounted)
	}
	delete(h.mounts, mountPoint)
	return nil
}

func (h *MemHost) Mounts() ([]MountEntry, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("Mounts"); err != nil {
		return nil, err
	}
	out := make([]MountEntry, 0, len(h.mounts))
	for _, e := range h.mounts {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MountPoint < out[j].MountPoint })
	return out, nil
}

func (h *MemHost) MakeFilesystem(ctx context.Context, device string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("MakeFilesystem"); err != nil {
		return err
	}
	h.made = append(h.made, device)
	return nil
}

func (h *MemHost) GrowFilesystem(ctx context.Context, mountPoint string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("GrowFilesystem"); err != nil {
		return err
	}
	h.grown = append(h.grown, mountPoint)
	return nil
}

func (h *MemHost) Export(mountPoint string, readOnly bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("Export"); err != nil {
		return err
	}
	h.exports[mountPoint] = true
	return nil
}

func (h *MemHost) Unexport(mountPoint string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.exports, mountPoint)
	return nil
}

func (h *MemHost) ReloadExports(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("ReloadExports"); err != nil {
		return err
	}
	h.reloads++
	return nil
}

func (h *MemHost) DiskUsage(path string) (types.DiskUsage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.fail("DiskUsage"); err != nil {
		return types.DiskUsage{}, err
	}
	u, ok := h.usage[path]
	if !ok {
		return types.DiskUsage{}, fmt.Errorf("%s: %w", path, ErrNotMounted)
	}
	u.SampledAt = time.Now()
	return u, nil
}

func (h *MemHost) DeviceFor(attachDevice string) string { return attachDevice }

var (
	_ Host = (*MemHost)(nil)
	_ Host = (*SystemHost)(nil)
)
