package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func bucketHeader(id string, remaining int, resetAfter string) http.Header {
	h := http.Header{}
	h.Set(HeaderBucket, id)
	h.Set(HeaderRemaining, fmt.Sprint(remaining))
	h.Set(HeaderResetAfter, resetAfter)
	h.Set(HeaderLimit, "5")
	return h
}

func TestNewRouteNormalizes(t *testing.T) {
	require.Equal(t, Route{Method: "GET", Path: "channels/1/messages"}, NewRoute("get", "/channels//1/messages/?limit=5"))
	require.Equal(t, Route{Method: "GET", Path: "users/@me"}, NewRoute("", "https://discord.com/users/@me"))
	require.Equal(t, NewRoute("POST", "a/b"), ParseRoute("POST /a/b/"))
	require.Equal(t, "DELETE guilds/1", NewRoute("delete", "guilds/1").String())
}

func TestParseHeaders(t *testing.T) {
	t.Run("Bucket", func(t *testing.T) {
		meta, ok := ParseHeaders(bucketHeader("abc", 2, "1.5"))
		require.True(t, ok)
		require.True(t, meta.HasBucket())
		require.Equal(t, "abc", meta.BucketID)
		require.Equal(t, 2, meta.Remaining)
		require.Equal(t, 5, meta.Limit)
		require.Equal(t, 1500*time.Millisecond, meta.ResetAfter)
		require.Equal(t, ScopeUser, meta.Scope)
		require.False(t, meta.Global)
	})

	t.Run("Absent", func(t *testing.T) {
		_, ok := ParseHeaders(http.Header{"Content-Type": {"application/json"}})
		require.False(t, ok)
		_, ok = ParseHeaders(nil)
		require.False(t, ok)
	})

	t.Run("Global", func(t *testing.T) {
		h := http.Header{}
		h.Set(HeaderGlobal, "true")
		h.Set(HeaderRetryAfter, "3")
		meta, ok := ParseHeaders(h)
		require.True(t, ok)
		require.True(t, meta.Global)
		require.False(t, meta.HasBucket())
		require.Equal(t, 3*time.Second, meta.RetryAfter)
	})

	t.Run("ScopeGlobal", func(t *testing.T) {
		h := bucketHeader("abc", 0, "2")
		h.Set(HeaderScope, "global")
		meta, ok := ParseHeaders(h)
		require.True(t, ok)
		require.True(t, meta.Global)
		require.Equal(t, ScopeGlobal, meta.Scope)
	})

	t.Run("Malformed", func(t *testing.T) {
		h := bucketHeader("abc", 0, "soon")
		_, ok := ParseHeaders(h)
		require.False(t, ok)
	})
}

func TestAcquireUnknownRouteIsImmediate(t *testing.T) {
	g := NewGate()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.NoError(t, g.Acquire(ctx, NewRoute("GET", "users/@me")))
}

func TestAcquireAdmitsUpToRemaining(t *testing.T) {
	g := NewGate()
	route := NewRoute("GET", "channels/1")
	g.Record(route, bucketHeader("b1", 3, "10"))

	for i := 0; i < 3; i++ {
		require.NoError(t, g.Acquire(context.Background(), route))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Acquire(ctx, route), context.DeadlineExceeded)
}

func TestExhaustedBucketHoldsAllWaitersUntilReset(t *testing.T) {
	g := NewGate()
	route := NewRoute("POST", "channels/1/messages")
	start := time.Now()
	g.Record(route, bucketHeader("b1", 0, "0.2"))

	const waiters = 5
	released := make(chan time.Duration, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := g.Acquire(context.Background(), route); err != nil {
				return
			}
			released <- time.Since(start)
			// Every admitted caller reports a fresh window so the next one proceeds.
			g.Record(route, bucketHeader("b1", 1, "0"))
		}()
	}
	wg.Wait()
	close(released)

	count := 0
	for elapsed := range released {
		count++
		require.GreaterOrEqual(t, elapsed, 190*time.Millisecond)
	}
	require.Equal(t, waiters, count)
}

func TestElapsedWindowAdmitsSingleProbe(t *testing.T) {
	g := NewGate()
	route := NewRoute("GET", "guilds/1")
	g.Record(route, bucketHeader("b1", 0, "0"))

	require.NoError(t, g.Acquire(context.Background(), route))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Acquire(ctx, route), context.DeadlineExceeded)

	// A response without metadata ends the probe.
	g.Record(route, http.Header{})
	require.NoError(t, g.Acquire(context.Background(), route))
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestUnansweredProbeHoldsBucket(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGate(WithClock(clock.Now))
	route := NewRoute("GET", "guilds/1")
	g.Record(route, bucketHeader("b1", 0, "0"))

	require.NoError(t, g.Acquire(context.Background(), route))

	// A slow attempt: far longer than any attempt timeout.
	clock.Advance(10 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Acquire(ctx, route), context.DeadlineExceeded)

	bucket, ok := g.BucketFor(route)
	require.True(t, ok)
	require.Zero(t, bucket.Remaining)
}

func TestProbeTimeoutAdmitsAnotherProbe(t *testing.T) {
	clock := &manualClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := NewGate(WithClock(clock.Now), WithProbeTimeout(time.Minute))
	route := NewRoute("GET", "guilds/1")
	g.Record(route, bucketHeader("b1", 0, "0"))

	require.NoError(t, g.Acquire(context.Background(), route))

	clock.Advance(30 * time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, g.Acquire(ctx, route), context.DeadlineExceeded)

	clock.Advance(31 * time.Second)
	require.NoError(t, g.Acquire(context.Background(), route))
}

func TestAbsoluteResetUsesGateClock(t *testing.T) {
	clock := &manualClock{now: time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)}
	g := NewGate(WithClock(clock.Now))
	route := NewRoute("GET", "channels/1")

	h := http.Header{}
	h.Set(HeaderBucket, "b1")
	h.Set(HeaderRemaining, "0")
	h.Set(HeaderReset, fmt.Sprintf("%d.5", clock.Now().Add(5*time.Second).Unix()))

	meta, ok := g.Record(route, h)
	require.True(t, ok)
	require.Equal(t, 5500*time.Millisecond, meta.ResetAfter)

	bucket, found := g.BucketFor(route)
	require.True(t, found)
	require.Equal(t, 5500*time.Millisecond, bucket.ResetAfter)
	require.Equal(t, clock.Now().Add(5500*time.Millisecond), bucket.ResetAt)

	// A reset already in the past clamps to zero.
	h.Set(HeaderReset, fmt.Sprint(clock.Now().Add(-time.Minute).Unix()))
	meta, _ = g.Record(route, h)
	require.Zero(t, meta.ResetAfter)
}

func TestRecordRekeysRouteToNewBucket(t *testing.T) {
	g := NewGate()
	route := NewRoute("GET", "channels/1/pins")
	g.Record(route, bucketHeader("old", 0, "30"))

	done := make(chan error, 1)
	go func() { done <- g.Acquire(context.Background(), route) }()

	select {
	case <-done:
		t.Fatal("acquire should wait on the exhausted bucket")
	case <-time.After(30 * time.Millisecond):
	}

	g.Record(route, bucketHeader("new", 4, "30"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("acquire did not follow the route to its new bucket")
	}

	bucket, ok := g.BucketFor(route)
	require.True(t, ok)
	require.Equal(t, "new", bucket.ID)
	require.Equal(t, 3, bucket.Remaining)
}

func TestRecordWithoutMetadataKeepsState(t *testing.T) {
	g := NewGate()
	route := NewRoute("GET", "channels/1")
	g.Record(route, bucketHeader("b1", 2, "10"))

	_, ok := g.Record(route, http.Header{"Content-Type": {"application/json"}})
	require.False(t, ok)

	bucket, found := g.BucketFor(route)
	require.True(t, found)
	require.Equal(t, 2, bucket.Remaining)

	_, found = g.BucketFor(NewRoute("GET", "unseen"))
	require.False(t, found)
}

func TestGlobalThrottleBlocksUnrelatedRoute(t *testing.T) {
	g := NewGate()
	trigger := NewRoute("POST", "channels/1/messages")
	other := NewRoute("GET", "guilds/9")

	h := http.Header{}
	h.Set(HeaderGlobal, "true")
	h.Set(HeaderRetryAfter, "0.2")
	start := time.Now()
	g.Record(trigger, h)
	require.False(t, g.GlobalDeadline().IsZero())

	require.NoError(t, g.Acquire(context.Background(), other))
	require.GreaterOrEqual(t, time.Since(start), 190*time.Millisecond)
	require.True(t, g.GlobalDeadline().IsZero())
}

func TestThrottleGlobalKeepsLongerDeadline(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	g := NewGate(WithClock(func() time.Time { return now }))

	g.ThrottleGlobal(10 * time.Second)
	g.ThrottleGlobal(2 * time.Second)
	require.Equal(t, now.Add(10*time.Second), g.GlobalDeadline())

	g.ThrottleGlobal(0)
	require.Equal(t, now.Add(10*time.Second), g.GlobalDeadline())
}

func TestAcquireHonoursCancellation(t *testing.T) {
	g := NewGate()
	route := NewRoute("GET", "channels/1")
	g.Record(route, bucketHeader("b1", 0, "60"))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	require.ErrorIs(t, g.Acquire(ctx, route), context.Canceled)
}

func TestRequestRatePacesAdmissions(t *testing.T) {
	g := NewGate(WithRequestRate(20, 1))
	route := NewRoute("GET", "users/@me")

	start := time.Now()
	for i := 0; i < 3; i++ {
		require.NoError(t, g.Acquire(context.Background(), route))
	}
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestConcurrentRoutesStayConsistent(t *testing.T) {
	g := NewGate()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			route := NewRoute("GET", fmt.Sprintf("channels/%d", i%8))
			bucket := fmt.Sprintf("bucket-%d", i%4)
			for j := 0; j < 20; j++ {
				if err := g.Acquire(context.Background(), route); err != nil {
					t.Error(err)
					return
				}
				g.Record(route, bucketHeader(bucket, 5, "0"))
				_ = g.Snapshot()
			}
		}(i)
	}
	wg.Wait()

	snap := g.Snapshot()
	require.Len(t, snap.Buckets, 4)
	require.Len(t, snap.Routes, 8)
}
