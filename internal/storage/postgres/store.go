// Package postgres implements storage.Store on a single PostgreSQL table.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/jackc/pgx/v5"

	"github.com/carepulse/carepulse/internal/storage"
	"github.com/carepulse/carepulse/pkg/database"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the schema migrations for the key-value table.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

const (
	getSQL          = `SELECT value FROM carepulse_kv WHERE key = $1`
	upsertSQL       = `INSERT INTO carepulse_kv (key, value, updated_at) VALUES ($1, $2, NOW()) ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`
	deleteSQL       = `DELETE FROM carepulse_kv WHERE key = ANY($1)`
	deletePrefixSQL = `DELETE FROM carepulse_kv WHERE starts_with(key, $1)`
)

// Store keeps session keys in the carepulse_kv table.
type Store struct {
	pool database.Pool
}

var _ storage.Store = (*Store)(nil)

// New creates a Postgres-backed store over pool.
func New(pool database.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded migrations.
func (s *Store) Migrate(ctx context.Context, logger *slog.Logger) error {
	return database.RunMigrations(ctx, s.pool, Migrations(), logger)
}

// Get retrieves a value by key.
func (s *Store) Get(ctx context.Context, key string) (value string, err error) {
	ctx, end := database.TraceQuery(ctx, "kv.get", getSQL)
	defer func() { end(err) }()

	if err = s.pool.QueryRow(ctx, getSQL, key).Scan(&value); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("select kv %s: %w", key, err)
	}
	return value, nil
}

// Set upserts a value.
func (s *Store) Set(ctx context.Context, key, value string) (err error) {
	ctx, end := database.TraceQuery(ctx, "kv.set", upsertSQL)
	defer func() { end(err) }()

	if _, err = s.pool.Exec(ctx, upsertSQL, key, value); err != nil {
		return fmt.Errorf("upsert kv %s: %w", key, err)
	}
	return nil
}

// Delete removes keys in one statement.
func (s *Store) Delete(ctx context.Context, keys ...string) (err error) {
	if len(keys) == 0 {
		return nil
	}
	ctx, end := database.TraceQuery(ctx, "kv.delete", deleteSQL)
	defer func() { end(err) }()

	if _, err = s.pool.Exec(ctx, deleteSQL, keys); err != nil {
		return fmt.Errorf("delete kv: %w", err)
	}
	return nil
}

// DeletePrefix removes every key starting with prefix.
func (s *Store) DeletePrefix(ctx context.Context, prefix string) (n int, err error) {
	ctx, end := database.TraceQuery(ctx, "kv.delete_prefix", deletePrefixSQL)
	defer func() { end(err) }()

	tag, err := s.pool.Exec(ctx, deletePrefixSQL, prefix)
	if err != nil {
		return 0, fmt.Errorf("delete kv prefix %q: %w", prefix, err)
	}
	return int(tag.RowsAffected()), nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the pool when it supports closing.
func (s *Store) Close() error {
	if c, ok := s.pool.(interface{ Close() }); ok {
		c.Close()
	}
	return nil
}
