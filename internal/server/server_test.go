package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/pincer-org/restgate/internal/config"
	apperrors "github.com/pincer-org/restgate/internal/errors"
	"github.com/pincer-org/restgate/internal/metrics"
	"github.com/pincer-org/restgate/internal/ratelimit"
	"github.com/pincer-org/restgate/internal/rest"
	"github.com/pincer-org/restgate/internal/server/handlers"
)

type upstream struct {
	mu       sync.Mutex
	handle   func(*rest.Request) *rest.Response
	requests []*rest.Request
}

func (u *upstream) Perform(_ context.Context, req *rest.Request) (*rest.Response, error) {
	u.mu.Lock()
	u.requests = append(u.requests, req)
	u.mu.Unlock()
	return u.handle(req), nil
}

func jsonResponse(code int, body string) *rest.Response {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	return &rest.Response{StatusCode: code, Header: h, Body: []byte(body)}
}

func noSleep(context.Context, time.Duration) error { return nil }

func testServerConfig() config.ServerConfig {
	return config.ServerConfig{Host: "127.0.0.1", Port: 0, MaxBodyBytes: 1 << 10}
}

func newTestServer(t *testing.T, handle func(*rest.Request) *rest.Response) (*Server, *upstream, *metrics.Metrics) {
	t.Helper()
	up := &upstream{handle: handle}
	m := metrics.New()
	client, err := rest.New("token",
		rest.WithTransport(up),
		rest.WithSleeper(noSleep),
		rest.WithMetrics(m),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return New(testServerConfig(), client, m), up, m
}

func serve(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerUsesStandardErrorHandlers(t *testing.T) {
	srv, _, _ := newTestServer(t, func(*rest.Request) *rest.Response { return jsonResponse(200, "{}") })

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, apperrors.CodeNotFound, body.Error.Code)
	require.NotEmpty(t, body.Error.RequestID)
}

func TestProxyForwardsThroughPipeline(t *testing.T) {
	srv, up, _ := newTestServer(t, func(req *rest.Request) *rest.Response {
		resp := jsonResponse(200, `{"id":"42"}`)
		resp.Header.Set(ratelimit.HeaderBucket, "msg")
		resp.Header.Set(ratelimit.HeaderRemaining, "4")
		resp.Header.Set(ratelimit.HeaderResetAfter, "10")
		return resp
	})

	req := httptest.NewRequest(http.MethodPost, "/api/channels/1/messages?nonce=7", strings.NewReader(`{"content":"hi"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Audit-Log-Reason", "testing")
	rec := serve(srv, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"id":"42"}`, rec.Body.String())
	require.Equal(t, "msg", rec.Header().Get(ratelimit.HeaderBucket))

	require.Len(t, up.requests, 1)
	sent := up.requests[0]
	require.Equal(t, http.MethodPost, sent.Method)
	require.Equal(t, "https://discord.com/api/v10/channels/1/messages?nonce=7", sent.URL)
	require.Equal(t, `{"content":"hi"}`, string(sent.Body))
	require.Equal(t, "testing", sent.Header.Get("X-Audit-Log-Reason"))
	require.Equal(t, "Bot token", sent.Header.Get("Authorization"))

	bucket, ok := srv.client.Gate().BucketFor(ratelimit.NewRoute("POST", "channels/1/messages"))
	require.True(t, ok)
	require.Equal(t, "msg", bucket.ID)
}

func TestProxyMapsTerminalStatus(t *testing.T) {
	srv, _, m := newTestServer(t, func(*rest.Request) *rest.Response {
		return jsonResponse(403, `{"message":"Missing Access","code":50001}`)
	})

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/api/guilds/1", nil))
	require.Equal(t, http.StatusForbidden, rec.Code)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	require.Equal(t, apperrors.CodeForbidden, body.Error.Code)
	require.Equal(t, float64(1), testutil.ToFloat64(m.HTTPErrorsTotal.WithLabelValues(apperrors.CodeForbidden, "403")))
}

func TestProxyMapsExhaustionToBadGateway(t *testing.T) {
	srv, up, _ := newTestServer(t, func(*rest.Request) *rest.Response {
		return jsonResponse(503, `{}`)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/gateway", nil)
	req.Header.Set(handlers.TTLHeader, "2")
	rec := serve(srv, req)

	require.Equal(t, http.StatusBadGateway, rec.Code)
	require.Contains(t, rec.Body.String(), apperrors.CodeRetriesExhausted)
	require.Len(t, up.requests, 2)
}

func TestProxyRejectsBadInput(t *testing.T) {
	srv, up, _ := newTestServer(t, func(*rest.Request) *rest.Response { return jsonResponse(200, "{}") })

	req := httptest.NewRequest(http.MethodGet, "/api/users/@me", nil)
	req.Header.Set(handlers.TTLHeader, "many")
	require.Equal(t, http.StatusBadRequest, serve(srv, req).Code)

	big := httptest.NewRequest(http.MethodPost, "/api/channels/1/messages", strings.NewReader(strings.Repeat("x", 2<<10)))
	require.Equal(t, http.StatusBadRequest, serve(srv, big).Code)

	require.Empty(t, up.requests)
}

func TestBucketsEndpointReflectsGate(t *testing.T) {
	srv, _, _ := newTestServer(t, func(*rest.Request) *rest.Response { return jsonResponse(200, "{}") })

	h := http.Header{}
	h.Set(ratelimit.HeaderBucket, "b1")
	h.Set(ratelimit.HeaderRemaining, "0")
	h.Set(ratelimit.HeaderResetAfter, "30")
	srv.client.Gate().Record(ratelimit.NewRoute("GET", "channels/1"), h)
	h.Set(ratelimit.HeaderBucket, "b2")
	srv.client.Gate().Record(ratelimit.NewRoute("GET", "guilds/1"), h)

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/v1/buckets", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var all handlers.BucketsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&all))
	require.Len(t, all.Buckets, 2)
	require.Nil(t, all.GlobalUntil)

	rec = serve(srv, httptest.NewRequest(http.MethodGet, "/v1/buckets?prefix=guilds", nil))
	var filtered handlers.BucketsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&filtered))
	require.Len(t, filtered.Buckets, 1)
	require.Equal(t, "b2", filtered.Buckets[0].Bucket.ID)
}

func TestHealthDegradesDuringGlobalThrottle(t *testing.T) {
	srv, _, _ := newTestServer(t, func(*rest.Request) *rest.Response { return jsonResponse(200, "{}") })

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"healthy"`)

	srv.client.Gate().ThrottleGlobal(time.Minute)
	rec = serve(srv, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, func(*rest.Request) *rest.Response { return jsonResponse(200, "{}") })

	serve(srv, httptest.NewRequest(http.MethodGet, "/api/users/@me", nil))
	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `restgate_requests_total{method="GET",outcome="success"} 1`)
	require.Contains(t, rec.Body.String(), `restgate_http_requests_total{endpoint="/api/*",method="GET",status="200"} 1`)
}

func TestVersionEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, func(*rest.Request) *rest.Response { return jsonResponse(200, "{}") })

	rec := serve(srv, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handlers.VersionResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Equal(t, handlers.AppName, resp.App.Name)
	require.Equal(t, rest.DefaultAPIVersion, resp.App.APIVersion)
}
