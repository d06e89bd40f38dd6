// Package ratelimit implements admission control for outbound requests
// against an API that publishes per-route buckets and an account-wide
// global limit through response headers.
//
// A Gate is owned by one client. Acquire suspends the caller while the
// route's bucket is exhausted or the global throttle is active; Record feeds
// every response's headers back so bucket state always reflects the server's
// latest view.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Bucket is the server-assigned rate-limit state shared by one or more routes.
type Bucket struct {
	ID         string        `json:"id" yaml:"id"`
	Limit      int           `json:"limit,omitempty" yaml:"limit,omitempty"`
	Remaining  int           `json:"remaining" yaml:"remaining"`
	ResetAfter time.Duration `json:"reset_after" yaml:"reset_after"`
	ResetAt    time.Time     `json:"reset_at" yaml:"reset_at"`
	Scope      Scope         `json:"scope" yaml:"scope"`
	UpdatedAt  time.Time     `json:"updated_at" yaml:"updated_at"`
}

// Exhausted reports whether the bucket blocks admission at now.
func (b Bucket) Exhausted(now time.Time) bool {
	return b.Remaining <= 0 && now.Before(b.ResetAt)
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source used for deadlines.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithRequestRate paces every admission through a token bucket, independent
// of server-published buckets. A non-positive rate disables pacing.
func WithRequestRate(perSecond float64, burst int) Option {
	return func(g *Gate) {
		if perSecond <= 0 {
			g.pacer = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		g.pacer = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithProbeTimeout lets another probe through once an earlier one has gone
// unanswered for d. By default a probe holds the bucket until the next Record
// for its route, so d must exceed the longest a single attempt can take.
func WithProbeTimeout(d time.Duration) Option {
	return func(g *Gate) {
		if d > 0 {
			g.probeTimeout = d
		}
	}
}

// Gate tracks bucket state per route and the global throttle.
// It is safe for concurrent use.
type Gate struct {
	clock        func() time.Time
	pacer        *rate.Limiter
	probeTimeout time.Duration

	mu      sync.Mutex
	routes  map[Route]string
	buckets map[string]*bucketState

	global globalThrottle
}

// NewGate creates an empty Gate.
func NewGate(opts ...Option) *Gate {
	g := &Gate{
		clock:   time.Now,
		routes:  make(map[Route]string),
		buckets: make(map[string]*bucketState),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Acquire blocks until a request on route may be sent. It waits while the
// global throttle is active or the route's bucket is exhausted, re-checking
// both on every wake. Routes without a known bucket are admitted
// immediately. The only error is cancellation of ctx.
func (g *Gate) Acquire(ctx context.Context, route Route) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if g.pacer != nil {
		if err := g.pacer.Wait(ctx); err != nil {
			return err
		}
	}

	for {
		if err := g.global.wait(ctx, g.now); err != nil {
			return err
		}

		state := g.lookup(route)
		if state == nil {
			return nil
		}

		wake, delay, admitted := state.admit(g.now(), g.probeTimeout)
		if admitted {
			// The global deadline may have moved while we held the bucket.
			if g.global.remaining(g.now()) > 0 {
				state.refund()
				continue
			}
			return nil
		}

		if err := waitFor(ctx, wake, delay); err != nil {
			return err
		}
	}
}

// Record applies the rate-limit headers of a response for route. Headers
// without rate-limit metadata leave bucket state untouched; they only
// release an outstanding probe so queued callers re-check.
func (g *Gate) Record(route Route, header http.Header) (Metadata, bool) {
	meta, ok := ParseHeaders(header)
	now := g.now()
	if !ok {
		g.release(route)
		return Metadata{}, false
	}
	if !meta.ResetAt.IsZero() {
		meta.ResetAfter = max(meta.ResetAt.Sub(now), 0)
	}

	if meta.Global {
		wait := meta.RetryAfter
		if wait <= 0 {
			wait = meta.ResetAfter
		}
		if wait > 0 {
			g.global.extend(now.Add(wait))
		}
	}

	if !meta.HasBucket() {
		g.release(route)
		return meta, true
	}

	state := g.bind(route, meta.BucketID)
	state.update(Bucket{
		ID:         meta.BucketID,
		Limit:      meta.Limit,
		Remaining:  meta.Remaining,
		ResetAfter: meta.ResetAfter,
		ResetAt:    now.Add(meta.ResetAfter),
		Scope:      meta.Scope,
		UpdatedAt:  now,
	})
	return meta, true
}

// ThrottleGlobal blocks every route for d. A shorter deadline never replaces
// a longer one already in force.
func (g *Gate) ThrottleGlobal(d time.Duration) {
	if d <= 0 {
		return
	}
	g.global.extend(g.now().Add(d))
}

// GlobalDeadline returns the active global deadline, or the zero time.
func (g *Gate) GlobalDeadline() time.Time {
	now := g.now()
	if g.global.remaining(now) <= 0 {
		return time.Time{}
	}
	return g.global.deadline()
}

// BucketFor returns the bucket currently bound to route.
func (g *Gate) BucketFor(route Route) (Bucket, bool) {
	state := g.lookup(route)
	if state == nil {
		return Bucket{}, false
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.bucket, true
}

func (g *Gate) lookup(route Route) *bucketState {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, ok := g.routes[route]
	if !ok {
		return nil
	}
	return g.buckets[id]
}

// bind maps route to bucket id, creating the bucket state on first sight.
// A route moving to a different id wakes the previous bucket's waiters so
// they re-resolve the route.
func (g *Gate) bind(route Route, id string) *bucketState {
	g.mu.Lock()
	state, ok := g.buckets[id]
	if !ok {
		state = newBucketState(Bucket{ID: id})
		g.buckets[id] = state
	}
	var previous *bucketState
	if old, bound := g.routes[route]; bound && old != id {
		previous = g.buckets[old]
	}
	g.routes[route] = id
	g.mu.Unlock()

	if previous != nil {
		previous.wakeAll()
	}
	return state
}

func (g *Gate) release(route Route) {
	if state := g.lookup(route); state != nil {
		state.wakeAll()
	}
}

func (g *Gate) now() time.Time {
	if g.clock != nil {
		return g.clock()
	}
	return time.Now()
}

type bucketState struct {
	mu      sync.Mutex
	bucket  Bucket
	probing bool
	probeAt time.Time
	wake    chan struct{}
}

func newBucketState(b Bucket) *bucketState {
	return &bucketState{bucket: b, wake: make(chan struct{})}
}

// admit takes one slot from the bucket. When it cannot, it returns the
// channel closed on the next update and the longest the caller should sleep
// before re-checking.
func (s *bucketState) admit(now time.Time, probeTimeout time.Duration) (<-chan struct{}, time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bucket.Remaining > 0 {
		s.bucket.Remaining--
		return nil, 0, true
	}

	if now.Before(s.bucket.ResetAt) {
		return s.wake, s.bucket.ResetAt.Sub(now), false
	}

	// Window elapsed without a fresh server view: admit a single probe.
	if !s.probing || (probeTimeout > 0 && now.Sub(s.probeAt) >= probeTimeout) {
		s.probing = true
		s.probeAt = now
		return nil, 0, true
	}
	if probeTimeout <= 0 {
		return s.wake, 0, false
	}
	return s.wake, probeTimeout - now.Sub(s.probeAt), false
}

func (s *bucketState) refund() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.probing {
		s.probing = false
	} else {
		s.bucket.Remaining++
	}
}

func (s *bucketState) update(b Bucket) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bucket = b
	s.probing = false
	s.broadcast()
}

// wakeAll ends any probe and lets queued callers re-check.
func (s *bucketState) wakeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.probing = false
	s.broadcast()
}

// broadcast must be called with s.mu held.
func (s *bucketState) broadcast() {
	close(s.wake)
	s.wake = make(chan struct{})
}

type globalThrottle struct {
	mu    sync.Mutex
	until time.Time
}

func (t *globalThrottle) extend(until time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if until.After(t.until) {
		t.until = until
	}
}

func (t *globalThrottle) deadline() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.until
}

// remaining clears the deadline once it has elapsed.
func (t *globalThrottle) remaining(now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.until.IsZero() {
		return 0
	}
	if !now.Before(t.until) {
		t.until = time.Time{}
		return 0
	}
	return t.until.Sub(now)
}

func (t *globalThrottle) wait(ctx context.Context, now func() time.Time) error {
	for {
		d := t.remaining(now())
		if d <= 0 {
			return nil
		}
		if err := waitFor(ctx, nil, d); err != nil {
			return err
		}
	}
}

func waitFor(ctx context.Context, wake <-chan struct{}, delay time.Duration) error {
	var timeout <-chan time.Time
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-timeout:
		return nil
	}
}
