// Package metrics holds the Prometheus collectors shared by the request
// pipeline, the rate gate and the local server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "restgate"

// Metrics is a set of collectors bound to one registry. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal       *prometheus.CounterVec
	AttemptsTotal       *prometheus.CounterVec
	RetriesTotal        *prometheus.CounterVec
	RetryDelaySeconds   *prometheus.HistogramVec
	GateWaitSeconds     *prometheus.HistogramVec
	GlobalThrottleTotal prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrorsTotal     *prometheus.CounterVec
	PanicsTotal         prometheus.Counter
	ServerStartTime     prometheus.Gauge
}

// New builds the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Logical requests completed by the pipeline",
			},
			[]string{"method", "outcome"},
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "attempts_total",
				Help:      "Transport attempts by classified outcome",
			},
			[]string{"method", "outcome"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retries scheduled by the pipeline",
			},
			[]string{"reason"},
		),
		RetryDelaySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "retry_delay_seconds",
				Help:      "Sleep before a retry",
				Buckets:   []float64{1, 3, 5, 7, 9, 15, 30, 60},
			},
			[]string{"reason"},
		),
		GateWaitSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "gate_wait_seconds",
				Help:      "Time spent waiting for rate-limit admission",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		GlobalThrottleTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "global_throttle_total",
				Help:      "Global rate-limit activations",
			},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Requests served by the local server",
			},
			[]string{"method", "endpoint", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Latency of requests served by the local server",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		HTTPErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_errors_total",
				Help:      "Error envelopes returned by the local server",
			},
			[]string{"code", "status"},
		),
		PanicsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "panics_total",
				Help:      "Recovered handler panics",
			},
		),
		ServerStartTime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "server_start_time_seconds",
				Help:      "Unix time the local server started",
			},
		),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.AttemptsTotal,
		m.RetriesTotal,
		m.RetryDelaySeconds,
		m.GateWaitSeconds,
		m.GlobalThrottleTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPErrorsTotal,
		m.PanicsTotal,
		m.ServerStartTime,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts a finished logical request.
func (m *Metrics) ObserveRequest(method, outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveAttempt counts one transport attempt.
func (m *Metrics) ObserveAttempt(method, outcome string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(method, outcome).Inc()
}

// ObserveRetry counts a scheduled retry and its delay.
func (m *Metrics) ObserveRetry(reason string, delay time.Duration) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(reason).Inc()
	m.RetryDelaySeconds.WithLabelValues(reason).Observe(delay.Seconds())
}

// ObserveGateWait records how long admission took.
func (m *Metrics) ObserveGateWait(method string, wait time.Duration) {
	if m == nil {
		return
	}
	m.GateWaitSeconds.WithLabelValues(method).Observe(wait.Seconds())
}

// ObserveGlobalThrottle counts a global rate-limit activation.
func (m *Metrics) ObserveGlobalThrottle() {
	if m == nil {
		return
	}
	m.GlobalThrottleTotal.Inc()
}

// ObserveHTTP records a request served by the local server.
func (m *Metrics) ObserveHTTP(method, endpoint string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordError counts an error envelope written by the server.
func (m *Metrics) RecordError(code string, status int) {
	if m == nil {
		return
	}
	m.HTTPErrorsTotal.WithLabelValues(code, strconv.Itoa(status)).Inc()
}

// RecordPanic counts a recovered panic.
func (m *Metrics) RecordPanic() {
	if m == nil {
		return
	}
	m.PanicsTotal.Inc()
}

// SetServerStartTime records when the server began listening.
func (m *Metrics) SetServerStartTime(t time.Time) {
	if m == nil {
		return
	}
	m.ServerStartTime.Set(float64(t.Unix()))
}
