package infra

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/eliteGoblin/ctrldsync/internal/domain"
)

const lockFileName = "blocklists.lock"

// PidChecker reports whether a process is alive.
type PidChecker func(pid int) bool

// gopsutilAlive uses gopsutil so the check works across platforms.
func gopsutilAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExists(int32(pid))
	return err == nil && ok
}

// CacheLock is a PID file beside the disk cache. A run that cannot take it
// uses the cache read-only.
type CacheLock struct {
	path   string
	pid    int
	alive  PidChecker
	logger *zap.Logger
	held   bool
}

// NewCacheLock creates a lock in dir for the current process.
func NewCacheLock(dir string, logger *zap.Logger) *CacheLock {
	return NewCacheLockWithChecker(dir, os.Getpid(), gopsutilAlive, logger)
}

// NewCacheLockWithChecker creates a lock with an explicit owner pid and liveness check.
func NewCacheLockWithChecker(dir string, pid int, alive PidChecker, logger *zap.Logger) *CacheLock {
	return &CacheLock{
		path:   filepath.Join(dir, lockFileName),
		pid:    pid,
		alive:  alive,
		logger: logger,
	}
}

// Path returns the lock file path.
func (l *CacheLock) Path() string {
	return l.path
}

// Acquire takes the lock. A lock left by a dead process is taken over.
// Returns domain.ErrCacheLocked when a live process holds it.
func (l *CacheLock) Acquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	for attempt := 0; attempt < 2; attempt++ {
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err == nil {
			_, werr := f.WriteString(strconv.Itoa(l.pid))
			cerr := f.Close()
			if werr != nil || cerr != nil {
				os.Remove(l.path)
				return fmt.Errorf("failed to write lock file: %w", errors.Join(werr, cerr))
			}
			l.held = true
			return nil
		}
		if !errors.Is(err, os.ErrExist) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		owner := l.owner()
		if owner == l.pid {
			l.held = true
			return nil
		}
		if owner > 0 && l.alive(owner) {
			return fmt.Errorf("%w: held by pid %d", domain.ErrCacheLocked, owner)
		}
		l.logger.Warn("removing stale cache lock", zap.Int("pid", owner))
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove stale lock: %w", err)
		}
	}
	return fmt.Errorf("%w: lock contended", domain.ErrCacheLocked)
}

// Release removes the lock if this process holds it.
func (l *CacheLock) Release() error {
	if !l.held {
		return nil
	}
	l.held = false
	if l.owner() != l.pid {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}

// owner returns the pid recorded in the lock file, or 0 when unreadable.
func (l *CacheLock) owner() int {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0
	}
	return pid
}
