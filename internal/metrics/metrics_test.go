package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveRequest("GET", "success")
	m.ObserveAttempt("GET", "success")
	m.ObserveRetry("server_error", time.Second)
	m.ObserveGateWait("GET", time.Millisecond)
	m.ObserveGlobalThrottle()
	m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	m.RecordError("NOT_FOUND", 404)
	m.RecordPanic()
	m.SetServerStartTime(time.Now())
	assert.Nil(t, m.Registry())
}

func TestPipelineCounters(t *testing.T) {
	m := New()
	m.ObserveRequest("POST", "success")
	m.ObserveRequest("POST", "success")
	m.ObserveRetry("rate_limited", 2*time.Second)
	m.ObserveGlobalThrottle()

	assert.Equal(t, float64(2), testutil.ToFloat64(m.RequestsTotal.WithLabelValues("POST", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RetriesTotal.WithLabelValues("rate_limited")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GlobalThrottleTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(m.RetryDelaySeconds))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveHTTP("GET", "/v1/buckets", 200, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `restgate_http_requests_total{endpoint="/v1/buckets",method="GET",status="200"} 1`))
}
