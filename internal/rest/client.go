// Package rest drives requests against a rate-limited REST API. Every call
// passes through the client's ratelimit.Gate, is retried on server errors
// and transport failures with linear backoff, and waits out 429 responses
// without spending its retry budget.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pincer-org/restgate/internal/metrics"
	"github.com/pincer-org/restgate/internal/ratelimit"
)

const (
	// DefaultAPIVersion is the API version used in the default base URL.
	DefaultAPIVersion = 10
	// DefaultMaxRetries is the default attempt ceiling per logical request.
	DefaultMaxRetries = 5
	// DefaultRateLimitFallback is slept after a 429 that names no retry_after.
	DefaultRateLimitFallback = 40 * time.Second
	// DefaultUserAgent identifies the client to the API.
	DefaultUserAgent = "DiscordBot (https://github.com/pincer-org/restgate, dev)"

	closeTimeout = 5 * time.Second
)

// ErrMissingToken is returned by New without a token.
var ErrMissingToken = errors.New("token is required")

// Sleeper suspends the caller for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option configures a Client.
type Option func(*Client)

// WithAPIVersion selects the versioned base URL https://discord.com/api/v{n}.
func WithAPIVersion(version int) Option {
	return func(c *Client) {
		if version > 0 {
			c.apiVersion = version
			c.baseURL = baseURLFor(version)
		}
	}
}

// WithBaseURL points the client at another API root.
func WithBaseURL(base string) Option {
	return func(c *Client) {
		if base != "" {
			c.baseURL = strings.TrimRight(base, "/")
		}
	}
}

// WithMaxRetries sets the attempt ceiling.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithRateLimitFallback sets the 429 sleep used when the body has no retry_after.
func WithRateLimitFallback(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.rateLimitFallback = d
		}
	}
}

// WithUserAgent overrides DefaultUserAgent.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// WithGate shares an existing gate, for example between a proxy's clients.
func WithGate(g *ratelimit.Gate) Option {
	return func(c *Client) {
		if g != nil {
			c.gate = g
		}
	}
}

// WithTransport replaces the HTTP transport.
func WithTransport(t Transport) Option {
	return func(c *Client) {
		if t != nil {
			c.transport = t
		}
	}
}

// WithHTTPClient sends attempts through client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.transport = NewHTTPTransport(client)
		}
	}
}

// WithSleeper replaces the backoff sleep.
func WithSleeper(s Sleeper) Option {
	return func(c *Client) {
		if s != nil {
			c.sleep = s
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithMetrics records pipeline metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTracer records every attempt.
func WithTracer(t *Tracer) Option {
	return func(c *Client) {
		c.tracer = t
	}
}

// WithStore persists gate state on Close and reloads it on Restore.
func WithStore(s ratelimit.Store) Option {
	return func(c *Client) {
		c.store = s
	}
}

// Client issues requests through a rate gate with retries.
// It is safe for concurrent use.
type Client struct {
	token             string
	apiVersion        int
	baseURL           string
	userAgent         string
	maxRetries        int
	rateLimitFallback time.Duration

	gate      *ratelimit.Gate
	transport Transport
	sleep     Sleeper
	log       Logger
	metrics   *metrics.Metrics
	tracer    *Tracer
	store     ratelimit.Store

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New creates a Client authenticating with token.
func New(token string, opts ...Option) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}

	c := &Client{
		token:             token,
		apiVersion:        DefaultAPIVersion,
		baseURL:           baseURLFor(DefaultAPIVersion),
		userAgent:         DefaultUserAgent,
		maxRetries:        DefaultMaxRetries,
		rateLimitFallback: DefaultRateLimitFallback,
		sleep:             sleepContext,
		log:               nopLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.maxRetries < 1 {
		return nil, fmt.Errorf("max retries must be positive, got %d", c.maxRetries)
	}
	if c.gate == nil {
		c.gate = ratelimit.NewGate()
	}
	if c.transport == nil {
		c.transport = NewHTTPTransport(nil)
	}
	return c, nil
}

// WithClient opens a client, restores persisted gate state, runs fn and
// closes the client whatever fn returns.
func WithClient(ctx context.Context, token string, fn func(*Client) error, opts ...Option) (err error) {
	c, err := New(token, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := c.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	if err := c.Restore(ctx); err != nil {
		return err
	}
	return fn(c)
}

// Gate returns the client's rate gate.
func (c *Client) Gate() *ratelimit.Gate {
	return c.gate
}

// BaseURL returns the API root requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// APIVersion returns the API version the client was built for.
func (c *Client) APIVersion() int {
	return c.apiVersion
}

// MaxRetries returns the attempt ceiling.
func (c *Client) MaxRetries() int {
	return c.maxRetries
}

// Restore loads persisted gate state from the configured store.
func (c *Client) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	snap, err := c.store.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load rate-limit snapshot: %w", err)
	}
	if snap == nil {
		return nil
	}
	c.gate.Restore(snap)
	c.log.Debug("Restored rate-limit state",
		zap.Int("buckets", len(snap.Buckets)),
		zap.Int("routes", len(snap.Routes)))
	return nil
}

// Close persists gate state and releases pooled connections. Calls made
// after Close fail with ErrClosed. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		var errs []error
		if c.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
			if err := c.store.SaveSnapshot(ctx, c.gate.Snapshot()); err != nil {
				errs = append(errs, fmt.Errorf("save rate-limit snapshot: %w", err))
			}
			cancel()
		}
		if closer, ok := c.transport.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// Get sends a GET request.
func (c *Client) Get(ctx context.Context, path string, opts ...CallOption) (*Result, error) {
	return c.send(ctx, http.MethodGet, path, nil, opts)
}

// Post sends a POST request with body.
func (c *Client) Post(ctx context.Context, path string, body any, opts ...CallOption) (*Result, error) {
	return c.send(ctx, http.MethodPost, path, body, opts)
}

// Put sends a PUT request with body.
func (c *Client) Put(ctx context.Context, path string, body any, opts ...CallOption) (*Result, error) {
	return c.send(ctx, http.MethodPut, path, body, opts)
}

// Patch sends a PATCH request with body.
func (c *Client) Patch(ctx context.Context, path string, body any, opts ...CallOption) (*Result, error) {
	return c.send(ctx, http.MethodPatch, path, body, opts)
}

// Delete sends a DELETE request.
func (c *Client) Delete(ctx context.Context, path string, opts ...CallOption) (*Result, error) {
	return c.send(ctx, http.MethodDelete, path, nil, opts)
}

// Head sends a HEAD request.
func (c *Client) Head(ctx context.Context, path string, opts ...CallOption) (*Result, error) {
	return c.send(ctx, http.MethodHead, path, nil, opts)
}

// Options sends an OPTIONS request.
func (c *Client) Options(ctx context.Context, path string, opts ...CallOption) (*Result, error) {
	return c.send(ctx, http.MethodOptions, path, nil, opts)
}

func (c *Client) send(ctx context.Context, method, path string, body any, opts []CallOption) (*Result, error) {
	call := Call{Method: method, Path: path, Body: body}
	for _, o := range opts {
		o(&call)
	}
	return c.Do(ctx, call)
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeClientError
	outcomeRateLimited
	outcomeServerError
	outcomeTransportFailure
)

func (o outcome) String() string {
	switch o {
	case outcomeSuccess:
		return "success"
	case outcomeClientError:
		return "client_error"
	case outcomeRateLimited:
		return "rate_limited"
	case outcomeServerError:
		return "server_error"
	case outcomeTransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

func classify(resp *Response, err error) outcome {
	switch {
	case err != nil || resp == nil:
		return outcomeTransportFailure
	case resp.StatusCode == http.StatusTooManyRequests:
		return outcomeRateLimited
	case resp.StatusCode >= 500:
		return outcomeServerError
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return outcomeSuccess
	default:
		return outcomeClientError
	}
}

// Do runs call to a terminal outcome: a parsed result, a *StatusError for
// client errors, a *RetriesExhaustedError once the budget is spent, or the
// context's error.
func (c *Client) Do(ctx context.Context, call Call) (*Result, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	route := ratelimit.NewRoute(call.Method, call.Path)
	payload, err := encodeBody(call.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s body: %v", ErrDecode, route, err)
	}
	req := &Request{
		Method: route.Method,
		URL:    c.url(call.Path, call.Query),
		Header: c.header(call),
		Body:   payload,
	}

	c.log.Debug("Sending request",
		zap.String("route", route.String()),
		zap.Int("body_bytes", len(payload)))

	ttl := call.budget(c.maxRetries)
	requestID := uuid.NewString()
	var last error

	for attempt := 1; ; attempt++ {
		if ttl <= 0 {
			c.log.Error("Request reached the maximum retry count",
				zap.String("route", route.String()),
				zap.Int("ceiling", c.maxRetries))
			c.metrics.ObserveRequest(route.Method, "retries_exhausted")
			return nil, &RetriesExhaustedError{Route: route, Ceiling: c.maxRetries, Last: last}
		}

		waitStart := time.Now()
		if err := c.gate.Acquire(ctx, route); err != nil {
			c.metrics.ObserveRequest(route.Method, "canceled")
			return nil, err
		}
		wait := time.Since(waitStart)
		c.metrics.ObserveGateWait(route.Method, wait)

		start := time.Now()
		resp, sendErr := c.transport.Perform(ctx, req)
		duration := time.Since(start)

		var respHeader http.Header
		if resp != nil {
			respHeader = resp.Header
		}
		meta, _ := c.gate.Record(route, respHeader)

		if sendErr != nil && ctx.Err() != nil {
			c.metrics.ObserveRequest(route.Method, "canceled")
			return nil, ctx.Err()
		}

		result := classify(resp, sendErr)
		c.metrics.ObserveAttempt(route.Method, result.String())

		entry := TraceEntry{
			RequestID:  requestID,
			AttemptID:  uuid.NewString(),
			Attempt:    attempt,
			Method:     route.Method,
			Route:      route.String(),
			URL:        req.URL,
			TTL:        ttl,
			Outcome:    result.String(),
			Bucket:     meta.BucketID,
			WaitMs:     wait.Milliseconds(),
			DurationMs: duration.Milliseconds(),
		}
		if resp != nil {
			entry.StatusCode = resp.StatusCode
		}
		if sendErr != nil {
			entry.Error = sendErr.Error()
		}

		var delay time.Duration
		switch result {
		case outcomeSuccess:
			c.tracer.Write(entry)
			res, err := newResult(resp)
			if err != nil {
				c.metrics.ObserveRequest(route.Method, "decode_error")
				return nil, fmt.Errorf("%s: %w", route, err)
			}
			c.metrics.ObserveRequest(route.Method, result.String())
			return res, nil

		case outcomeClientError:
			c.tracer.Write(entry)
			statusErr := newStatusError(route, resp)
			c.log.Debug("Request failed",
				zap.String("route", route.String()),
				zap.Int("status", resp.StatusCode))
			c.metrics.ObserveRequest(route.Method, result.String())
			return nil, statusErr

		case outcomeRateLimited:
			var global bool
			delay, global = c.retryAfter(resp)
			if global {
				c.gate.ThrottleGlobal(delay)
			}
			if global || meta.Global {
				c.metrics.ObserveGlobalThrottle()
			}
			c.log.Warn("Rate limited, retrying",
				zap.String("route", route.String()),
				zap.Duration("retry_after", delay),
				zap.Bool("global", global || meta.Global))

		default:
			if sendErr != nil {
				last = fmt.Errorf("%s: %w", route, sendErr)
			} else {
				last = newStatusError(route, resp)
			}
			delay = c.backoff(ttl)
			ttl--
			c.log.Warn("Request failed, retrying",
				zap.String("route", route.String()),
				zap.String("outcome", result.String()),
				zap.Error(last),
				zap.Duration("delay", delay),
				zap.Int("ttl", ttl))
		}

		entry.DelayMs = delay.Milliseconds()
		c.tracer.Write(entry)
		c.metrics.ObserveRetry(result.String(), delay)

		if err := c.sleep(ctx, delay); err != nil {
			c.metrics.ObserveRequest(route.Method, "canceled")
			return nil, err
		}
	}
}

// backoff returns 1 + (ceiling - ttl) * 2 seconds, never less than a second.
func (c *Client) backoff(ttl int) time.Duration {
	steps := c.maxRetries - ttl
	if steps < 0 {
		steps = 0
	}
	return time.Duration(1+steps*2) * time.Second
}

// retryAfter reads the 429 body. It falls back to rateLimitFallback when the
// body is not JSON or has no retry_after.
func (c *Client) retryAfter(resp *Response) (time.Duration, bool) {
	var body rateLimitBody
	if err := json.Unmarshal(resp.Body, &body); err != nil || body.RetryAfter == nil || *body.RetryAfter < 0 {
		return c.rateLimitFallback, body.Global
	}
	return time.Duration(*body.RetryAfter * float64(time.Second)), body.Global
}

func (c *Client) url(path string, query map[string]any) string {
	target := c.baseURL + "/" + strings.TrimLeft(path, "/")
	if values := encodeQuery(query); len(values) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + values.Encode()
	}
	return target
}

func (c *Client) header(call Call) http.Header {
	header := http.Header{}
	header.Set("Authorization", "Bot "+c.token)
	header.Set("User-Agent", c.userAgent)
	for key, value := range call.Header {
		if value == "" {
			continue
		}
		header.Set(key, value)
	}

	contentType := call.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	header.Set("Content-Type", contentType)
	return header
}

func baseURLFor(version int) string {
	return fmt.Sprintf("https://discord.com/api/v%d", version)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
