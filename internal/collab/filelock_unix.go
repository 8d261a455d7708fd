//go:build unix

package collab

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// withFileLock runs fn while holding an exclusive flock(2) on lockPath.
func withFileLock(lockPath string, fn func() error) error {
	if dir := filepath.Dir(lockPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return err
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()
	return fn()
}
