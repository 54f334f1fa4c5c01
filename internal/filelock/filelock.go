// Package filelock guards cross-process resources: an exclusive
// single-instance lock for the daemon and atomic file replacement for
// files that other processes read while we write them (status file,
// presence outbox, settings).
package filelock

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// InstanceLock is a non-blocking exclusive flock. The daemon holds it for
// its whole lifetime; a second daemon fails fast instead of corrupting the
// shared state database.
type InstanceLock struct {
	flock *flock.Flock
	path  string
}

// NewInstanceLock prepares a lock at path. Nothing is acquired yet.
func NewInstanceLock(path string) *InstanceLock {
	return &InstanceLock{flock: flock.New(path), path: path}
}

// TryAcquire attempts the lock without blocking. Returns false when another
// process holds it.
func (l *InstanceLock) TryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return false, fmt.Errorf("create lock directory: %w", err)
	}
	acquired, err := l.flock.TryLock()
	if err != nil {
		return false, fmt.Errorf("lock %s: %w", l.path, err)
	}
	return acquired, nil
}

// Release drops the lock. The lock file itself stays behind; flock state
// lives in the kernel, not the file contents.
func (l *InstanceLock) Release() error {
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("unlock %s: %w", l.path, err)
	}
	return nil
}

// Path returns the lock file location.
func (l *InstanceLock) Path() string {
	return l.path
}

// AtomicWrite replaces path with data via a temp file and rename, so a
// concurrent reader sees either the old content or the new one, never a
// partial write. The temp name starts with "." so directory consumers that
// skip dotfiles (the outbox drain) never pick up an in-progress write.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename over %s: %w", path, err)
	}

	tmp = nil
	return nil
}
