package store

import (
	"context"
	"errors"
	"fmt"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS rate_buckets (
		bucket_id TEXT PRIMARY KEY,
		bucket_limit INTEGER NOT NULL DEFAULT 0,
		remaining INTEGER NOT NULL,
		reset_after_ms INTEGER NOT NULL,
		reset_at INTEGER NOT NULL,
		scope TEXT NOT NULL,
		updated_at INTEGER NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS rate_routes (
		method TEXT NOT NULL,
		path TEXT NOT NULL,
		bucket_id TEXT NOT NULL,
		PRIMARY KEY (method, path)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_rate_routes_bucket ON rate_routes(bucket_id);`,
	`CREATE TABLE IF NOT EXISTS rate_global (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		until_ms INTEGER NOT NULL
	);`,
}

// Migrate ensures the required database tables exist.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, stmt := range schemaStatements {
		if _, err := s.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store migration failed: %w", err)
		}
	}
	return nil
}
