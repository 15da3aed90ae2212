// Package lockfile wraps advisory file locking (flock(2)) via
// golang.org/x/sys/unix rather than hand-rolling syscall numbers.
package lockfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// Lock takes an exclusive advisory lock on f, blocking until it is available.
func Lock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

// TryLock takes a non-blocking exclusive advisory lock on f. It returns
// ErrWouldBlock itself (not wrapped) if another process already holds the
// lock.
func TryLock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return ErrWouldBlock
	}
	return err
}

// Unlock releases the advisory lock on f.
func Unlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}

// ErrWouldBlock is returned by TryLock when the lock is already held.
var ErrWouldBlock = lockBusyError{}

type lockBusyError struct{}

func (lockBusyError) Error() string { return "lockfile: already locked" }

// SameFile reports whether the locked fd f still refers to the same inode
// that pathInfo was stat'd from. A mismatch means a writer replaced the
// file via rename while the lock was being acquired: the lock landed on
// the orphaned inode and must be retried against a fresh open.
func SameFile(f *os.File, pathInfo os.FileInfo) bool {
	fdInfo, err := f.Stat()
	if err != nil {
		return false
	}
	return os.SameFile(fdInfo, pathInfo)
}
