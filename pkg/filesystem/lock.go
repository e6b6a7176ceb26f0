package filesystem

import (
	"os"
	"sync"

	"github.com/cuemby/colony/pkg/log"
	"golang.org/x/sys/unix"
)

// FileLock serializes NFS re-exports both within the process and across
// processes sharing the lock file. It satisfies sync.Locker.
type FileLock struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// NewFileLock creates a lock on path. An empty path gives an in-process lock.
func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (l *FileLock) Lock() {
	l.mu.Lock()
	if l.path == "" {
		return
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		log.Logger.Warn().Err(err).Str("path", l.path).Msg("failed to open export lock file, using process lock only")
		return
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		log.Logger.Warn().Err(err).Str("path", l.path).Msg("flock failed, using process lock only")
		f.Close()
		return
	}
	l.f = f
}

func (l *FileLock) Unlock() {
	if l.f != nil {
		_ = unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
		l.f.Close()
		l.f = nil
	}
	l.mu.Unlock()
}

var _ sync.Locker = (*FileLock)(nil)
