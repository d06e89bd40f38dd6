//go:build cgo

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pincer-org/restgate/internal/config"
	"github.com/pincer-org/restgate/internal/ratelimit"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	store, err := Open(ctx, config.StoreConfig{
		Driver: "libsql",
		Path:   "file:" + t.TempDir() + "/restgate.db",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestOpenMemoryStore(t *testing.T) {
	store, err := Open(context.Background(), config.StoreConfig{Driver: "libsql", Path: ":memory:"})
	require.NoError(t, err)
	require.NotNil(t, store)
	require.Equal(t, "libsql", store.Driver())
	require.NoError(t, store.Close())
}

func TestOpenLocalStore_ConfiguresSQLite(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	require.Equal(t, 1, store.DB.Stats().MaxOpenConnections)

	var journalMode string
	require.NoError(t, store.DB.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode))
	require.Contains(t, journalMode, "wal")

	var busyTimeout int
	require.NoError(t, store.DB.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout))
	require.GreaterOrEqual(t, busyTimeout, 1000)
}

func sampleSnapshot(now time.Time) *ratelimit.Snapshot {
	return &ratelimit.Snapshot{
		Buckets: []ratelimit.Bucket{
			{ID: "msg", Limit: 5, Remaining: 0, ResetAfter: 2 * time.Second, ResetAt: now.Add(time.Minute), Scope: ratelimit.ScopeUser, UpdatedAt: now},
			{ID: "guild", Limit: 10, Remaining: 7, ResetAfter: time.Second, ResetAt: now.Add(time.Second), Scope: ratelimit.ScopeShared, UpdatedAt: now},
		},
		Routes: []ratelimit.Binding{
			{Route: ratelimit.NewRoute("POST", "channels/1/messages"), BucketID: "msg"},
			{Route: ratelimit.NewRoute("PATCH", "channels/1/messages/9"), BucketID: "msg"},
			{Route: ratelimit.NewRoute("GET", "guilds/1"), BucketID: "guild"},
		},
		GlobalUntil: now.Add(30 * time.Second),
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	empty, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Nil(t, empty)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, store.SaveSnapshot(ctx, sampleSnapshot(now)))

	snap, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Buckets, 2)
	require.Equal(t, "guild", snap.Buckets[0].ID)
	require.Equal(t, ratelimit.ScopeShared, snap.Buckets[0].Scope)
	require.Equal(t, 7, snap.Buckets[0].Remaining)
	require.True(t, snap.Buckets[1].ResetAt.Equal(now.Add(time.Minute)))
	require.Len(t, snap.RoutesFor("msg"), 2)
	require.True(t, snap.GlobalUntil.Equal(now.Add(30*time.Second)))

	gate := ratelimit.NewGate()
	gate.Restore(snap)
	bucket, ok := gate.BucketFor(ratelimit.NewRoute("POST", "channels/1/messages"))
	require.True(t, ok)
	require.True(t, bucket.Exhausted(time.Now()))
}

func TestSaveSnapshotKeepsNewerRows(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, store.SaveSnapshot(ctx, sampleSnapshot(now)))

	stale := &ratelimit.Snapshot{
		Buckets:     []ratelimit.Bucket{{ID: "msg", Remaining: 4, ResetAt: now, UpdatedAt: now.Add(-time.Hour)}},
		GlobalUntil: now.Add(time.Second),
	}
	require.NoError(t, store.SaveSnapshot(ctx, stale))

	entries, err := store.ListBuckets(ctx, BucketQuery{BucketID: "msg"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, 0, entries[0].Bucket.Remaining)

	snap, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, snap.GlobalUntil.Equal(now.Add(30*time.Second)))
}

func TestBucketAdmin(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)
	require.NoError(t, store.SaveSnapshot(ctx, sampleSnapshot(time.Now().UTC())))

	_, err := store.ListBuckets(ctx, BucketQuery{})
	require.Error(t, err)

	entries, err := store.ListBuckets(ctx, BucketQuery{Prefix: "channels/"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "msg", entries[0].Bucket.ID)
	require.Len(t, entries[0].Routes, 2)

	count, err := store.CountBuckets(ctx, BucketQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, 2, count)

	removed, err := store.ResetBuckets(ctx, BucketQuery{Prefix: "channels"})
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	count, err = store.CountBuckets(ctx, BucketQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, 1, count)

	removed, err = store.ResetBuckets(ctx, BucketQuery{All: true})
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	snap, err := store.LoadSnapshot(ctx)
	require.NoError(t, err)
	require.Nil(t, snap)
}
