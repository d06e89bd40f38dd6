package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pincer-org/restgate/internal/ratelimit"
)

var _ ratelimit.Store = (*Store)(nil)

// SaveSnapshot merges snap into the database. A stored bucket is only
// replaced by a copy with a later update time, so concurrent processes
// sharing one database never roll each other back.
func (s *Store) SaveSnapshot(ctx context.Context, snap *ratelimit.Snapshot) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if snap == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, b := range snap.Buckets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rate_buckets (bucket_id, bucket_limit, remaining, reset_after_ms, reset_at, scope, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(bucket_id) DO UPDATE SET
				bucket_limit = excluded.bucket_limit,
				remaining = excluded.remaining,
				reset_after_ms = excluded.reset_after_ms,
				reset_at = excluded.reset_at,
				scope = excluded.scope,
				updated_at = excluded.updated_at
			WHERE excluded.updated_at >= rate_buckets.updated_at
		`, b.ID, b.Limit, b.Remaining, b.ResetAfter.Milliseconds(), toMillis(b.ResetAt), string(b.Scope), toMillis(b.UpdatedAt)); err != nil {
			return fmt.Errorf("save bucket %s: %w", b.ID, err)
		}
	}

	for _, binding := range snap.Routes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rate_routes (method, path, bucket_id)
			VALUES (?, ?, ?)
			ON CONFLICT(method, path) DO UPDATE SET bucket_id = excluded.bucket_id
		`, binding.Route.Method, binding.Route.Path, binding.BucketID); err != nil {
			return fmt.Errorf("save route %s: %w", binding.Route, err)
		}
	}

	if !snap.GlobalUntil.IsZero() {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rate_global (id, until_ms) VALUES (1, ?)
			ON CONFLICT(id) DO UPDATE SET until_ms = MAX(rate_global.until_ms, excluded.until_ms)
		`, toMillis(snap.GlobalUntil)); err != nil {
			return fmt.Errorf("save global throttle: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot save: %w", err)
	}
	return nil
}

// LoadSnapshot reads every stored bucket, binding and the global deadline.
// It returns nil when the database holds no state.
func (s *Store) LoadSnapshot(ctx context.Context) (*ratelimit.Snapshot, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	entries, err := s.ListBuckets(ctx, BucketQuery{All: true})
	if err != nil {
		return nil, err
	}

	snap := &ratelimit.Snapshot{TakenAt: time.Now().UTC()}
	for _, entry := range entries {
		snap.Buckets = append(snap.Buckets, entry.Bucket)
		for _, route := range entry.Routes {
			snap.Routes = append(snap.Routes, ratelimit.Binding{Route: route, BucketID: entry.Bucket.ID})
		}
	}

	var until sql.NullInt64
	err = s.DB.QueryRowContext(ctx, `SELECT until_ms FROM rate_global WHERE id = 1`).Scan(&until)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return nil, fmt.Errorf("load global throttle: %w", err)
	case until.Valid && until.Int64 > 0:
		snap.GlobalUntil = fromMillis(until.Int64)
	}

	if len(snap.Buckets) == 0 && snap.GlobalUntil.IsZero() {
		return nil, nil
	}
	return snap, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
