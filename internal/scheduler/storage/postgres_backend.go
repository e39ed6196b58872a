package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/research-scheduler/internal/scheduler/domain"
	"github.com/jmoiron/sqlx"
)

const createRecordsTable = `
	CREATE TABLE IF NOT EXISTS job_records (
		kind       TEXT        NOT NULL,
		job_id     TEXT        NOT NULL,
		body       BYTEA       NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (kind, job_id)
	)
`

// ownerLockKey is the session advisory lock held by the scheduler owning job_records
const ownerLockKey int64 = 0x6a6f625f726563

// PostgresBackend keeps every record in a single job_records table
type PostgresBackend struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewPostgresBackend creates a backend on an open connection pool
func NewPostgresBackend(db *sqlx.DB, logger *slog.Logger) *PostgresBackend {
	return &PostgresBackend{
		db:     db,
		logger: logger,
	}
}

// EnsureSchema creates the records table when it does not exist yet
func (b *PostgresBackend) EnsureSchema(ctx context.Context) error {
	if _, err := b.db.ExecContext(ctx, createRecordsTable); err != nil {
		return fmt.Errorf("failed to create job_records table: %w", err)
	}

	b.logger.Info("PostgreSQL storage schema ready")
	return nil
}

// Put upserts a record
func (b *PostgresBackend) Put(ctx context.Context, kind Kind, id string, data []byte) error {
	query := `
		INSERT INTO job_records (kind, job_id, body, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (kind, job_id)
		DO UPDATE SET body = EXCLUDED.body,
		              updated_at = NOW()
	`

	if _, err := b.db.ExecContext(ctx, query, string(kind), id, data); err != nil {
		return fmt.Errorf("failed to upsert record: %w", err)
	}
	return nil
}

// Get reads a record
func (b *PostgresBackend) Get(ctx context.Context, kind Kind, id string) ([]byte, error) {
	query := `
		SELECT body
		FROM job_records
		WHERE kind = $1 AND job_id = $2
	`

	var body []byte
	if err := b.db.GetContext(ctx, &body, query, string(kind), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrRecordNotFound
		}
		return nil, fmt.Errorf("failed to get record: %w", err)
	}
	return body, nil
}

// Delete removes a record
func (b *PostgresBackend) Delete(ctx context.Context, kind Kind, id string) error {
	query := `DELETE FROM job_records WHERE kind = $1 AND job_id = $2`

	if _, err := b.db.ExecContext(ctx, query, string(kind), id); err != nil {
		return fmt.Errorf("failed to delete record: %w", err)
	}
	return nil
}

// List returns the ids of every record in a collection
func (b *PostgresBackend) List(ctx context.Context, kind Kind) ([]string, error) {
	query := `SELECT job_id FROM job_records WHERE kind = $1`

	var ids []string
	if err := b.db.SelectContext(ctx, &ids, query, string(kind)); err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind, err)
	}
	return ids, nil
}

// Acquire takes a session advisory lock on a dedicated connection. The server
// drops it when that connection ends.
func (b *PostgresBackend) Acquire(ctx context.Context) (func() error, error) {
	conn, err := b.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve connection: %w", err)
	}

	var locked bool
	if err := conn.GetContext(ctx, &locked, `SELECT pg_try_advisory_lock($1)`, ownerLockKey); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to take advisory lock: %w", err)
	}
	if !locked {
		conn.Close()
		return nil, domain.ErrStoreOwned
	}

	return func() error {
		_, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1)`, ownerLockKey)
		if closeErr := conn.Close(); err == nil {
			err = closeErr
		}
		return err
	}, nil
}

// Close leaves the pool open; it belongs to the shared PostgreSQL client
func (b *PostgresBackend) Close() error {
	return nil
}
