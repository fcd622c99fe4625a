// Package store provides the PostgreSQL-backed persistence layer shared by
// the ingest API and the three worker cohorts.
//
// The database is the only coordination mechanism between processes: workers
// pull work by claiming rows with FOR UPDATE SKIP LOCKED inside a short
// transaction, process outside it, and finish each item in its own
// transaction. Result writes are idempotent upserts keyed on natural ids, so
// at-least-once delivery after a crash or stuck-row requeue is safe.
//
// All operations are safe for concurrent use; a Store holds a single
// [pgxpool.Pool].
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Sentinel errors returned by lookups and writes.
var (
	ErrNotFound     = errors.New("store: not found")
	ErrDeviceExists = errors.New("store: device already exists")
)

// maxErrorLen bounds persisted error messages.
const maxErrorLen = 1000

// Store is the central PostgreSQL-backed store for the pipeline. It exposes
// the device registry, the chunk queue, and the dialogue queues.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store, establishes a connection pool to the PostgreSQL
// database at dsn, and runs [Migrate] to ensure all required tables exist.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// WaitReady retries New until the database accepts connections, sleeping
// 2 seconds between attempts for up to 30 attempts. Workers start alongside
// Postgres in the same compose stack, so a cold database is expected.
func WaitReady(ctx context.Context, dsn string) (*Store, error) {
	const (
		attempts = 30
		pause    = 2 * time.Second
	)
	var lastErr error
	for i := 0; i < attempts; i++ {
		s, err := New(ctx, dsn)
		if err == nil {
			return s, nil
		}
		lastErr = err
		slog.Warn("database not ready", "attempt", i+1, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
	return nil, fmt.Errorf("store: database did not become ready: %w", lastErr)
}

// Ping probes the database connection. Used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// inTx runs fn inside a transaction, committing on nil and rolling back on
// error.
func (s *Store) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// truncateError bounds err's message before it is persisted on a queue row.
func truncateError(err error) string {
	msg := err.Error()
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	return msg
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint
// violation (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
