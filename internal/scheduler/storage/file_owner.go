//go:build unix

package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
)

const ownerLockFile = "scheduler.lock"

// Acquire takes an exclusive flock on <dir>/scheduler.lock. The kernel drops
// the lock when the process exits, so a crashed owner never blocks a restart.
func (b *FileBackend) Acquire(ctx context.Context) (func() error, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filepath.Join(b.dir, ownerLockFile), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open owner lock: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, domain.ErrStoreOwned
		}
		return nil, fmt.Errorf("failed to lock %s: %w", ownerLockFile, err)
	}

	return func() error {
		if err := syscall.Flock(int(f.Fd()), syscall.LOCK_UN); err != nil {
			f.Close()
			return fmt.Errorf("failed to unlock %s: %w", ownerLockFile, err)
		}
		return f.Close()
	}, nil
}
