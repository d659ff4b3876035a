// Package lockfile guards a data directory against concurrent opens.
// The lock file records the holder's PID; acquisition takes an exclusive
// flock so a crashed holder's lock is released by the OS.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ErrLocked is returned when the data directory is held by another
// process.
var ErrLocked = errors.New("data directory locked by another process")

// FileName is the lock file name inside a data directory.
const FileName = "LOCK"

// Lock is a held data-directory lock.
type Lock struct {
	f    *os.File
	path string
}

// Acquire takes the data-directory lock, creating the lock file if
// needed. Returns ErrLocked (wrapped with the holder's PID when
// readable) if another process holds it.
func Acquire(dir string) (*Lock, error) {
	path := filepath.Join(dir, FileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := flockExclusiveNonBlock(f); err != nil {
		holder := readHolderPID(f)
		f.Close()
		if holder > 0 {
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, holder)
		}
		return nil, ErrLocked
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
		_ = f.Sync()
	}
	return &Lock{f: f, path: path}, nil
}

// Release drops the lock and removes the lock file. Safe to call once.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	err := flockUnlock(l.f)
	closeErr := l.f.Close()
	l.f = nil
	_ = os.Remove(l.path)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return closeErr
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

func readHolderPID(f *os.File) int {
	buf := make([]byte, 32)
	n, err := f.ReadAt(buf, 0)
	if n == 0 && err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
