package jlog

import (
	"os"

	"golang.org/x/sys/unix"
)

// fileLock is an advisory exclusive lock on an open file, taken with
// flock(2). Per spec.md §5 these are the only cross-process coordination
// primitive: metastore, per-segment data, per-index and per-checkpoint locks
// are all this same wrapper around a distinct file handle.
type fileLock struct {
	f *os.File
}

// lockFile opens path (creating it if necessary) and takes an exclusive
// advisory lock on it, blocking until available.
func lockFile(path string, mode os.FileMode) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, mode)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		f.Close()
		return nil, err
	}
	return &fileLock{f: f}, nil
}

// unlock releases the advisory lock and closes the underlying handle.
func (l *fileLock) unlock() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	cerr := l.f.Close()
	l.f = nil
	if err != nil {
		return err
	}
	return cerr
}
