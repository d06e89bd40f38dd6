package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pincer-org/restgate/internal/config"
	"github.com/pincer-org/restgate/internal/ratelimit"
)

func TestBuildLibsqlDSN(t *testing.T) {
	t.Run("URLUsesRawValue", func(t *testing.T) {
		cfg := config.StoreConfig{
			URL:       "libsql://example.turso.io",
			AuthToken: "token123",
		}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "libsql://example.turso.io?authToken=token123", dsn)
	})

	t.Run("URLWithExistingQuery", func(t *testing.T) {
		cfg := config.StoreConfig{
			URL:       "libsql://example.turso.io?foo=bar",
			AuthToken: "token123",
		}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "libsql://example.turso.io?authToken=token123&foo=bar", dsn)
	})

	t.Run("PathWithFilePrefix", func(t *testing.T) {
		cfg := config.StoreConfig{Path: "file:./restgate.db"}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "file:./restgate.db", dsn)
	})

	t.Run("PlainPath", func(t *testing.T) {
		dir := t.TempDir()
		cfg := config.StoreConfig{Path: dir + "/nested/restgate.db"}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "file:"+dir+"/nested/restgate.db", dsn)
		require.DirExists(t, dir+"/nested")
	})

	t.Run("PathMissing", func(t *testing.T) {
		_, err := buildLibsqlDSN(config.StoreConfig{})
		require.Error(t, err)
	})

	t.Run("MemoryPath", func(t *testing.T) {
		dsn, err := buildLibsqlDSN(config.StoreConfig{Path: ":memory:"})
		require.NoError(t, err)
		require.Equal(t, ":memory:", dsn)
	})
}

func TestBucketQuery(t *testing.T) {
	entry := BucketEntry{
		Bucket: ratelimit.Bucket{ID: "abc"},
		Routes: []ratelimit.Route{ratelimit.NewRoute("POST", "channels/1/messages")},
	}

	require.Error(t, BucketQuery{}.Validate())
	require.True(t, BucketQuery{All: true}.Matches(entry))
	require.True(t, BucketQuery{BucketID: "abc"}.Matches(entry))
	require.False(t, BucketQuery{BucketID: "xyz"}.Matches(entry))
	require.True(t, BucketQuery{Prefix: "/channels/1"}.Matches(entry))
	require.False(t, BucketQuery{Prefix: "guilds"}.Matches(entry))
}

func TestEntriesGroupsRoutes(t *testing.T) {
	route := ratelimit.NewRoute("GET", "guilds/1")
	snap := &ratelimit.Snapshot{
		Buckets: []ratelimit.Bucket{{ID: "b"}, {ID: "a", ResetAt: time.Now()}},
		Routes:  []ratelimit.Binding{{Route: route, BucketID: "a"}},
	}

	entries := Entries(snap)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Bucket.ID)
	require.Equal(t, []ratelimit.Route{route}, entries[0].Routes)
	require.Empty(t, entries[1].Routes)
	require.Empty(t, Entries(nil))
}
