// Package redisstore persists rate-limit snapshots in Redis so several
// restgate processes on different hosts share one view of the buckets.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pincer-org/restgate/internal/config"
	"github.com/pincer-org/restgate/internal/ratelimit"
	"github.com/pincer-org/restgate/internal/store"
)

// Compile-time interface checks.
var (
	_ ratelimit.Store = (*Store)(nil)
	_ store.Admin     = (*Store)(nil)
)

// DefaultKey prefixes every key written by the store.
const DefaultKey = "restgate:snapshot"

// Store keeps buckets in a hash of JSON documents keyed by bucket id, their
// update times in a second hash, route bindings in a third and the global
// deadline in a string key.
type Store struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// New wraps an existing client. A zero ttl keeps keys forever.
func New(client *redis.Client, key string, ttl time.Duration) *Store {
	if key == "" {
		key = DefaultKey
	}
	return &Store{client: client, key: key, ttl: ttl}
}

// Open connects using cfg and verifies the server is reachable.
func Open(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis store: %w", err)
	}
	return New(client, cfg.Key, cfg.TTL), nil
}

// Close closes the underlying Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// CheckHealth pings the server.
func (s *Store) CheckHealth(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) bucketsKey() string { return s.key + ":buckets" }
func (s *Store) updatedKey() string { return s.key + ":updated" }
func (s *Store) routesKey() string  { return s.key + ":routes" }
func (s *Store) globalKey() string  { return s.key + ":global" }

func (s *Store) keys() []string {
	return []string{s.bucketsKey(), s.updatedKey(), s.routesKey(), s.globalKey()}
}

// saveScript merges a snapshot, keeping the newer copy of each bucket and
// the later global deadline.
//
// KEYS = buckets, updated, routes, global
// ARGV[1] = ttl in seconds (0 disables expiry)
// ARGV[2] = global deadline in unix ms (0 when inactive)
// ARGV[3] = bucket count n, followed by n triples of id, updated ms, json
// remaining ARGV = route, bucket id pairs
var saveScript = redis.NewScript(`
local ttl = tonumber(ARGV[1])
local global = tonumber(ARGV[2])
local n = tonumber(ARGV[3])

local i = 4
for _ = 1, n do
    local id, updated, doc = ARGV[i], tonumber(ARGV[i + 1]), ARGV[i + 2]
    local current = redis.call("HGET", KEYS[2], id)
    if not current or tonumber(current) <= updated then
        redis.call("HSET", KEYS[1], id, doc)
        redis.call("HSET", KEYS[2], id, ARGV[i + 1])
    end
    i = i + 3
end

while i < #ARGV do
    redis.call("HSET", KEYS[3], ARGV[i], ARGV[i + 1])
    i = i + 2
end

if global > 0 then
    local current = tonumber(redis.call("GET", KEYS[4]) or "0")
    if global > current then
        redis.call("SET", KEYS[4], ARGV[2])
    end
end

if ttl > 0 then
    for _, key in ipairs(KEYS) do
        redis.call("EXPIRE", key, ttl)
    end
end
return n
`)

// SaveSnapshot merges snap into Redis atomically.
func (s *Store) SaveSnapshot(ctx context.Context, snap *ratelimit.Snapshot) error {
	if snap == nil {
		return nil
	}

	args := []any{int64(s.ttl.Seconds()), toMillis(snap.GlobalUntil), len(snap.Buckets)}
	for _, b := range snap.Buckets {
		doc, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode bucket %s: %w", b.ID, err)
		}
		args = append(args, b.ID, toMillis(b.UpdatedAt), string(doc))
	}
	for _, binding := range snap.Routes {
		args = append(args, binding.Route.String(), binding.BucketID)
	}

	if err := saveScript.Run(ctx, s.client, s.keys(), args...).Err(); err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot reads the stored state, or nil when nothing is stored.
func (s *Store) LoadSnapshot(ctx context.Context) (*ratelimit.Snapshot, error) {
	pipe := s.client.Pipeline()
	bucketsCmd := pipe.HGetAll(ctx, s.bucketsKey())
	routesCmd := pipe.HGetAll(ctx, s.routesKey())
	globalCmd := pipe.Get(ctx, s.globalKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	snap := &ratelimit.Snapshot{TakenAt: time.Now().UTC()}
	for id, doc := range bucketsCmd.Val() {
		var b ratelimit.Bucket
		if err := json.Unmarshal([]byte(doc), &b); err != nil {
			return nil, fmt.Errorf("decode bucket %s: %w", id, err)
		}
		snap.Buckets = append(snap.Buckets, b)
	}
	for route, id := range routesCmd.Val() {
		snap.Routes = append(snap.Routes, ratelimit.Binding{Route: ratelimit.ParseRoute(route), BucketID: id})
	}
	if raw := globalCmd.Val(); raw != "" {
		ms, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("decode global throttle: %w", err)
		}
		snap.GlobalUntil = fromMillis(ms)
	}

	if len(snap.Buckets) == 0 && snap.GlobalUntil.IsZero() {
		return nil, nil
	}
	return snap, nil
}

// ListBuckets returns stored buckets matching q, ordered by id.
func (s *Store) ListBuckets(ctx context.Context, q store.BucketQuery) ([]store.BucketEntry, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	snap, err := s.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}

	out := []store.BucketEntry{}
	for _, entry := range store.Entries(snap) {
		if q.Matches(entry) {
			out = append(out, entry)
		}
	}
	return out, nil
}

// ResetBuckets removes matching buckets and their bindings. Resetting all
// buckets deletes every key, including the global deadline.
func (s *Store) ResetBuckets(ctx context.Context, q store.BucketQuery) (int64, error) {
	entries, err := s.ListBuckets(ctx, q)
	if err != nil {
		return 0, err
	}

	if q.All {
		if err := s.client.Del(ctx, s.keys()...).Err(); err != nil {
			return 0, fmt.Errorf("reset buckets: %w", err)
		}
		return int64(len(entries)), nil
	}
	if len(entries) == 0 {
		return 0, nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, entry := range entries {
			pipe.HDel(ctx, s.bucketsKey(), entry.Bucket.ID)
			pipe.HDel(ctx, s.updatedKey(), entry.Bucket.ID)
			for _, route := range entry.Routes {
				pipe.HDel(ctx, s.routesKey(), route.String())
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("reset buckets: %w", err)
	}
	return int64(len(entries)), nil
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
