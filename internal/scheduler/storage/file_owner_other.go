//go:build !unix

package storage

import (
	"context"
	"log/slog"
)

// Acquire always succeeds where flock is unavailable
func (b *FileBackend) Acquire(context.Context) (func() error, error) {
	b.logger.Warn("File storage ownership is not enforced on this platform",
		slog.String("data_dir", b.dir),
	)
	return func() error { return nil }, nil
}
