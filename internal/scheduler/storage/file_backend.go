package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
)

const tempPrefix = ".tmp-"

// FileBackend stores each record as a file under <dir>/<kind>/<id>.<ext>
type FileBackend struct {
	dir    string
	logger *slog.Logger
}

// NewFileBackend creates the collection directories under dir
func NewFileBackend(dir string, logger *slog.Logger) (*FileBackend, error) {
	for _, kind := range AllKinds() {
		if err := os.MkdirAll(filepath.Join(dir, string(kind)), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", kind, err)
		}
	}

	logger.Info("File storage backend initialized",
		slog.String("data_dir", dir),
	)

	return &FileBackend{dir: dir, logger: logger}, nil
}

func extension(kind Kind) string {
	if kind == KindReports {
		return ".md"
	}
	return ".json"
}

func (b *FileBackend) path(kind Kind, id string) string {
	return filepath.Join(b.dir, string(kind), id+extension(kind))
}

// Put writes the record through a temp file and rename so readers never see a torn record
func (b *FileBackend) Put(ctx context.Context, kind Kind, id string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Join(b.dir, string(kind))
	tmp, err := os.CreateTemp(dir, tempPrefix+id+"-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, b.path(kind, id)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// Get reads a record
func (b *FileBackend) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(b.path(kind, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to read record: %w", err)
	}
	return data, nil
}

// Delete removes a record
func (b *FileBackend) Delete(ctx context.Context, kind Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := os.Remove(b.path(kind, id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List returns the ids of every record in a collection
func (b *FileBackend) List(ctx context.Context, kind Kind) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(filepath.Join(b.dir, string(kind)))
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}

	ext := extension(kind)
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, tempPrefix) || !strings.HasSuffix(name, ext) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ext))
	}
	return ids, nil
}

// Close is a no-op for the file backend
func (b *FileBackend) Close() error {
	return nil
}
