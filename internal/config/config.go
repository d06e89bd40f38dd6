package config

import (
	"time"
)

// Config represents the complete application configuration. Values come
// from defaults, an optional YAML file, RESTGATE_* environment variables
// and command-line flags, in increasing precedence.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Breaker   BreakerConfig   `mapstructure:"breaker"`
	Store     StoreConfig     `mapstructure:"store"`
	Trace     TraceConfig     `mapstructure:"trace"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Health    HealthConfig    `mapstructure:"health"`
}

// APIConfig describes the upstream API and the retry policy.
type APIConfig struct {
	Token     string `mapstructure:"token"`
	BaseURL   string `mapstructure:"base_url"`
	Version   int    `mapstructure:"version"`
	UserAgent string `mapstructure:"user_agent"`

	// MaxRetries is the attempt ceiling for one logical request.
	MaxRetries int `mapstructure:"max_retries"`

	// Timeout bounds a single attempt.
	Timeout time.Duration `mapstructure:"timeout"`

	// RateLimitFallback is slept after a 429 whose body has no retry_after.
	RateLimitFallback time.Duration `mapstructure:"rate_limit_fallback"`
}

// RateLimitConfig tunes the rate gate.
type RateLimitConfig struct {
	// RequestsPerSecond paces all requests in addition to server buckets.
	// Zero disables pacing.
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`

	// ProbeTimeout bounds how long an unanswered probe holds back a bucket.
	// Zero holds it until the probe's response is recorded.
	ProbeTimeout time.Duration `mapstructure:"probe_timeout"`
}

// BreakerConfig configures the optional circuit breaker around the transport.
type BreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	MaxFailures      uint32        `mapstructure:"max_failures"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
}

// StoreConfig selects where rate-limit snapshots are persisted.
// Driver is one of libsql, redis or none.
type StoreConfig struct {
	Driver    string      `mapstructure:"driver"`
	Path      string      `mapstructure:"path"`
	URL       string      `mapstructure:"url"`
	AuthToken string      `mapstructure:"auth_token"`
	Redis     RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains the redis snapshot store settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`

	// TTL expires the stored snapshot. Zero keeps it forever.
	TTL time.Duration `mapstructure:"ttl"`
}

// TraceConfig enables NDJSON attempt tracing.
type TraceConfig struct {
	File string `mapstructure:"file"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	// AdminToken enables POST /admin/signal when set.
	AdminToken string `mapstructure:"admin_token"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	// Level controls the minimum log level
	// Valid values: trace, debug, info, warn, error
	Level string `mapstructure:"level"`

	// Profile selects the logging complexity level
	// Valid values: simple, structured
	Profile string `mapstructure:"profile"`
}

// MetricsConfig contains Prometheus metrics configuration
type MetricsConfig struct {
	// Enabled controls whether /metrics is served
	Enabled bool `mapstructure:"enabled"`
}

// HealthConfig contains health check configuration
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
