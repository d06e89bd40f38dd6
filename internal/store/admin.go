package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pincer-org/restgate/internal/ratelimit"
)

// BucketEntry is one persisted bucket with the routes bound to it.
type BucketEntry struct {
	Bucket ratelimit.Bucket  `json:"bucket" yaml:"bucket"`
	Routes []ratelimit.Route `json:"routes" yaml:"routes"`
}

// Admin lists and clears persisted buckets.
type Admin interface {
	ListBuckets(ctx context.Context, q BucketQuery) ([]BucketEntry, error)
	ResetBuckets(ctx context.Context, q BucketQuery) (int64, error)
}

// BucketQuery selects buckets by id or by a route path prefix.
type BucketQuery struct {
	All      bool
	BucketID string
	Prefix   string
}

func (q BucketQuery) Validate() error {
	if q.All {
		return nil
	}
	if strings.TrimSpace(q.BucketID) != "" {
		return nil
	}
	if strings.TrimSpace(q.Prefix) != "" {
		return nil
	}
	return errors.New("must specify --all, --bucket, or --prefix")
}

// Matches applies the query to an in-memory entry.
func (q BucketQuery) Matches(entry BucketEntry) bool {
	if q.All {
		return true
	}
	if id := strings.TrimSpace(q.BucketID); id != "" {
		return entry.Bucket.ID == id
	}
	prefix := strings.Trim(strings.TrimSpace(q.Prefix), "/")
	for _, route := range entry.Routes {
		if strings.HasPrefix(route.Path, prefix) {
			return true
		}
	}
	return false
}

func (q BucketQuery) whereClause() (string, []any, error) {
	if err := q.Validate(); err != nil {
		return "", nil, err
	}
	if q.All {
		return "", nil, nil
	}
	if id := strings.TrimSpace(q.BucketID); id != "" {
		return "WHERE bucket_id = ?", []any{id}, nil
	}
	prefix := strings.Trim(strings.TrimSpace(q.Prefix), "/")
	return "WHERE bucket_id IN (SELECT bucket_id FROM rate_routes WHERE path LIKE ?)", []any{prefix + "%"}, nil
}

// Entries groups a snapshot by bucket, sorted by bucket id.
func Entries(snap *ratelimit.Snapshot) []BucketEntry {
	if snap == nil {
		return []BucketEntry{}
	}
	entries := make([]BucketEntry, 0, len(snap.Buckets))
	for _, b := range snap.Buckets {
		entries = append(entries, BucketEntry{Bucket: b, Routes: snap.RoutesFor(b.ID)})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Bucket.ID < entries[j].Bucket.ID })
	return entries
}

// ListBuckets returns matching buckets ordered by id.
func (s *Store) ListBuckets(ctx context.Context, q BucketQuery) ([]BucketEntry, error) {
	if s == nil || s.DB == nil {
		return nil, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT bucket_id, bucket_limit, remaining, reset_after_ms, reset_at, scope, updated_at
		FROM rate_buckets
		%s
		ORDER BY bucket_id
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close() // nolint:errcheck // best-effort cleanup

	entries := []BucketEntry{}
	index := map[string]int{}
	for rows.Next() {
		var (
			b            ratelimit.Bucket
			scope        string
			resetAfterMs int64
			resetAt      int64
			updatedAt    int64
		)
		if err := rows.Scan(&b.ID, &b.Limit, &b.Remaining, &resetAfterMs, &resetAt, &scope, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan buckets: %w", err)
		}
		b.ResetAfter = time.Duration(resetAfterMs) * time.Millisecond
		b.ResetAt = fromMillis(resetAt)
		b.UpdatedAt = fromMillis(updatedAt)
		b.Scope = ratelimit.ParseScope(scope)

		index[b.ID] = len(entries)
		entries = append(entries, BucketEntry{Bucket: b, Routes: []ratelimit.Route{}})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	if len(entries) == 0 {
		return entries, nil
	}

	routeRows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`
		SELECT method, path, bucket_id
		FROM rate_routes
		%s
		ORDER BY path, method
	`, where), args...)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	defer routeRows.Close() // nolint:errcheck // best-effort cleanup

	for routeRows.Next() {
		var method, path, bucketID string
		if err := routeRows.Scan(&method, &path, &bucketID); err != nil {
			return nil, fmt.Errorf("scan routes: %w", err)
		}
		if i, ok := index[bucketID]; ok {
			entries[i].Routes = append(entries[i].Routes, ratelimit.Route{Method: method, Path: path})
		}
	}
	if err := routeRows.Err(); err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}

	return entries, nil
}

// CountBuckets counts matching buckets.
func (s *Store) CountBuckets(ctx context.Context, q BucketQuery) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	row := s.DB.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT COUNT(*)
		FROM rate_buckets
		%s
	`, where), args...)

	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count buckets: %w", err)
	}
	return count, nil
}

// ResetBuckets deletes matching buckets and their route bindings. Resetting
// all buckets also clears the global throttle.
func (s *Store) ResetBuckets(ctx context.Context, q BucketQuery) (int64, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	where, args, err := q.whereClause()
	if err != nil {
		return 0, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("reset buckets: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// Collect ids before deleting anything: the prefix filter reads rate_routes.
	var ids []string
	rows, err := tx.QueryContext(ctx, fmt.Sprintf(`SELECT bucket_id FROM rate_buckets %s`, where), args...)
	if err != nil {
		return 0, fmt.Errorf("reset buckets: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("reset buckets: %w", err)
		}
		ids = append(ids, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("reset buckets: %w", err)
	}

	var affected int64
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rate_routes WHERE bucket_id = ?`, id); err != nil {
			return 0, fmt.Errorf("reset routes: %w", err)
		}
		result, err := tx.ExecContext(ctx, `DELETE FROM rate_buckets WHERE bucket_id = ?`, id)
		if err != nil {
			return 0, fmt.Errorf("reset buckets: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("reset buckets: %w", err)
		}
		affected += n
	}

	if q.All {
		if _, err := tx.ExecContext(ctx, `DELETE FROM rate_global`); err != nil {
			return 0, fmt.Errorf("reset global throttle: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM rate_routes`); err != nil {
			return 0, fmt.Errorf("reset routes: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("reset buckets: %w", err)
	}
	return affected, nil
}
