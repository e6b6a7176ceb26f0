package filesystem

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/colony/pkg/command"
	"github.com/cuemby/colony/pkg/types"
	"golang.org/x/sys/unix"
)

const (
	DefaultMountsPath  = "/proc/mounts"
	DefaultExportsPath = "/etc/exports"
)

// SystemHostConfig points SystemHost at the files and helpers it uses
type SystemHostConfig struct {
	MountsPath  string
	ExportsPath string
	// CredentialsDir holds per-bucket password files for s3fs
	CredentialsDir string
}

// SystemHost implements Host on Linux using mount helpers, the NFS exports
// file and statfs
type SystemHost struct {
	runner command.Runner
	cfg    SystemHostConfig
}

// NewSystemHost creates a host backed by runner
func NewSystemHost(runner command.Runner, cfg SystemHostConfig) *SystemHost {
	if cfg.MountsPath == "" {
		cfg.MountsPath = DefaultMountsPath
	}
	if cfg.ExportsPath == "" {
		cfg.ExportsPath = DefaultExportsPath
	}
	if cfg.CredentialsDir == "" {
		cfg.CredentialsDir = os.TempDir()
	}
	return &SystemHost{runner: runner, cfg: cfg}
}

func (h *SystemHost) Mount(ctx context.Context, device, mountPoint, fsType, options string) error {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}
	args := []string{"-t", fsType}
	if options != "" {
		args = append(args, "-o", options)
	}
	args = append(args, device, mountPoint)
	_, err := h.runner.Run(ctx, "mount", args...)
	return err
}

func (h *SystemHost) MountBucket(ctx context.Context, bucket, mountPoint string, creds BucketCredentials) error {
	if err := os.MkdirAll(mountPoint, 0755); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}
	entries, err := os.ReadDir(mountPoint)
	if err != nil {
		return err
	}
	if len(entries) != 0 {
		return fmt.Errorf("mount point %s is not empty", mountPoint)
	}

	if creds.AccessKey == "" || creds.SecretKey == "" {
		_, err := h.runner.Run(ctx, "s3fs", "-o", "allow_other", "-o", "public_bucket=1", bucket, mountPoint)
		return err
	}

	passwd := filepath.Join(h.cfg.CredentialsDir, "s3fs-"+bucket)
	if err := os.WriteFile(passwd, []byte(creds.AccessKey+":"+creds.SecretKey), 0600); err != nil {
		return fmt.Errorf("failed to write bucket credentials: %w", err)
	}
	_, err = h.runner.Run(ctx, "s3fs", "-o", "allow_other", "-o", "passwd_file="+passwd, bucket, mountPoint)
	return err
}

func (h *SystemHost) Unmount(ctx context.Context, mountPoint string) error {
	_, err := h.runner.Run(ctx, "umount", mountPoint)
	return err
}

// Mounts parses the kernel mount table
func (h *SystemHost) Mounts() ([]MountEntry, error) {
	data, err := os.ReadFile(h.cfg.MountsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read mount table: %w", err)
	}
	var entries []MountEntry
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) < 3 {
			continue
		}
		entries = append(entries, MountEntry{Device: f[0], MountPoint: f[1], FSType: f[2]})
	}
	return entries, sc.Err()
}

func (h *SystemHost) MakeFilesystem(ctx context.Context, device string) error {
	_, err := h.runner.Run(ctx, "mkfs.xfs", device)
	return err
}

func (h *SystemHost) GrowFilesystem(ctx context.Context, mountPoint string) error {
	_, err := h.runner.Run(ctx, "xfs_growfs", mountPoint)
	return err
}

// Export writes (or replaces) the exports line for mountPoint
func (h *SystemHost) Export(mountPoint string, readOnly bool) error {
	perms := "rw"
	if readOnly {
		perms = "ro"
	}
	line := fmt.Sprintf("%s\t*(%s,sync,no_root_squash,no_subtree_check)", mountPoint, perms)
	return h.rewriteExports(mountPoint, line)
}

func (h *SystemHost) Unexport(mountPoint string) error {
	return h.rewriteExports(mountPoint, "")
}

func (h *SystemHost) rewriteExports(mountPoint, replacement string) error {
	data, err := os.ReadFile(h.cfg.ExportsPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read exports: %w", err)
	}

	var out []string
	replaced := false
	for _, line := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
		if line == "" {
			continue
		}
		if f := strings.Fields(line); len(f) > 0 && f[0] == mountPoint {
			if replacement != "" && !replaced {
				out = append(out, replacement)
				replaced = true
			}
			continue
		}
		out = append(out, line)
	}
	if replacement != "" && !replaced {
		out = append(out, replacement)
	}

	content := strings.Join(out, "\n")
	if content != "" {
		content += "\n"
	}
	return os.WriteFile(h.cfg.ExportsPath, []byte(content), 0644)
}

func (h *SystemHost) ReloadExports(ctx context.Context) error {
	_, err := h.runner.Run(ctx, "exportfs", "-ra")
	return err
}

func (h *SystemHost) DiskUsage(path string) (types.DiskUsage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return types.DiskUsage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	free := st.Bfree * bsize
	return types.DiskUsage{
		Path:      path,
		Total:     total,
		Used:      total - free,
		SampledAt: time.Now(),
	}, nil
}

// DeviceFor maps /dev/sdX to /dev/xvdX when the kernel uses Xen naming
func (h *SystemHost) DeviceFor(attachDevice string) string {
	if strings.HasPrefix(attachDevice, "/dev/sd") {
		alt := "/dev/xvd" + strings.TrimPrefix(attachDevice, "/dev/sd")
		if _, err := os.Stat(alt); err == nil {
			return alt
		}
	}
	return attachDevice
}
