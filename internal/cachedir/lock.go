// Package cachedir implements the shared, file-locked cache directory sibling
// translation units use to find each other's cache entries, plus the byte-level
// preprocessor-output comparator used when a digest mismatch might still be an
// equivalent output (SPEC_FULL.md §4.5, §4.6). The whole-file advisory lock is
// grounded on mutagen-io/mutagen's pkg/filesystem/locking/locker_posix.go, which
// holds an OS lock across a read/modify/write critical section the same way;
// this package uses golang.org/x/sys/unix.Flock (BSD flock) rather than mutagen's
// fcntl, matching the locking strategy the spec documents as kobjcache's own
// alternative to POSIX record locks.
package cachedir

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile wraps the advisory lock held on the directory's index while it's
// being read and rewritten, so that sibling kobjcache invocations building
// other translation units from the same directory never race on the index.
type lockFile struct {
	f *os.File
}

func openLock(path string) (*lockFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &lockFile{f: f}, nil
}

func (l *lockFile) Lock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_EX)
}

func (l *lockFile) Unlock() error {
	return unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
}

func (l *lockFile) Close() error {
	return l.f.Close()
}
