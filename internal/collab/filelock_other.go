//go:build !unix

package collab

import "sync"

var fileLockMu sync.Mutex

// withFileLock only serializes writers inside this process on platforms
// without flock(2).
func withFileLock(_ string, fn func() error) error {
	fileLockMu.Lock()
	defer fileLockMu.Unlock()
	return fn()
}
