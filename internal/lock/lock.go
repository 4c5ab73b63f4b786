// Package lock keeps a single `warden start` process per state database.
// One-shot CLI commands share the database freely; only the loops and the
// API server are exclusive.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld is returned when another process holds the lock.
var ErrHeld = errors.New("lock held by another process")

// Holder is what the lock file records about its owner.
type Holder struct {
	PID      int
	Instance string
}

// InstanceLock is an flock(2) on a file next to the database. The lock lives
// as long as the file descriptor stays open.
type InstanceLock struct {
	path string
	f    *os.File
}

// PathFor returns the lock file path for a state database.
func PathFor(statePath string) string {
	return statePath + ".lock"
}

// Acquire takes the lock without blocking and records the caller's pid and
// loop instance name. When the lock is taken, the error wraps ErrHeld and
// names the holder.
func Acquire(lockPath, instance string) (*InstanceLock, error) {
	if lockPath == "" {
		return nil, fmt.Errorf("lock path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if h, rerr := ReadHolder(lockPath); rerr == nil {
				return nil, fmt.Errorf("%w: pid %d (instance %s)", ErrHeld, h.PID, h.Instance)
			}
			return nil, ErrHeld
		}
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	fail := func(step string, err error) (*InstanceLock, error) {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
		return nil, fmt.Errorf("%s: %w", step, err)
	}
	if err := f.Truncate(0); err != nil {
		return fail("truncate lock file", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return fail("seek lock file", err)
	}
	if _, err := fmt.Fprintf(f, "%d %s\n", os.Getpid(), instance); err != nil {
		return fail("write holder", err)
	}
	if err := f.Sync(); err != nil {
		return fail("sync lock file", err)
	}

	return &InstanceLock{path: lockPath, f: f}, nil
}

// ReadHolder parses the lock file. The file may be stale; only a failed
// Acquire proves the holder is alive.
func ReadHolder(lockPath string) (Holder, error) {
	b, err := os.ReadFile(lockPath)
	if err != nil {
		return Holder{}, err
	}
	pid, instance, _ := strings.Cut(strings.TrimSpace(string(b)), " ")
	n, err := strconv.Atoi(pid)
	if err != nil {
		return Holder{}, fmt.Errorf("malformed lock file %s", lockPath)
	}
	return Holder{PID: n, Instance: instance}, nil
}

func (l *InstanceLock) Path() string { return l.path }

func (l *InstanceLock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	err := l.f.Close()
	l.f = nil
	return err
}
