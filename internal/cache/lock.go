package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/picklr-io/pantry/internal/logging"
)

// ErrLocked is returned when another process holds the reconcile lock.
var ErrLocked = errors.New("cache is locked by another process")

// lockStaleAfter is the age after which a lock file is considered abandoned.
const lockStaleAfter = 10 * time.Minute

// Locker guards a reconciliation pass.
type Locker interface {
	Lock(ctx context.Context) error
	Unlock(ctx context.Context) error
}

// FileLock is an advisory lock file carrying the owner's pid.
type FileLock struct {
	path  string
	clock clock.Clock
}

// NewFileLock returns a lock at path. A nil clock uses the wall clock.
func NewFileLock(path string, c clock.Clock) *FileLock {
	if c == nil {
		c = clock.New()
	}
	return &FileLock{path: path, clock: c}
}

func (l *FileLock) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	if info, err := os.Stat(l.path); err == nil {
		if l.clock.Since(info.ModTime()) > lockStaleAfter {
			logging.Warn("removing stale lock file", "path", l.path, "age", l.clock.Since(info.ModTime()).Round(time.Second))
			os.Remove(l.path)
		} else {
			return fmt.Errorf("%w (lock file: %s). If this is an error, remove the lock file manually", ErrLocked, l.path)
		}
	}

	content := fmt.Sprintf("pid=%d\ntime=%s\n", os.Getpid(), l.clock.Now().UTC().Format(time.RFC3339))
	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w (lock file: %s)", ErrLocked, l.path)
		}
		return fmt.Errorf("failed to create lock file: %w", err)
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(l.path)
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	return f.Close()
}

func (l *FileLock) Unlock(ctx context.Context) error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	return nil
}
