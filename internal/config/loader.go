// Package config provides centralized configuration management for restgate.
// Settings are layered: defaults registered by SetDefaults, the YAML config
// file and bound flags read through viper, then RESTGATE_* environment
// variables, then runtime overrides.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	// AppName names config and data directories.
	AppName = "restgate"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "RESTGATE_"
)

// Store drivers.
const (
	DriverLibsql = "libsql"
	DriverRedis  = "redis"
	DriverNone   = "none"
)

var (
	// appConfig holds the current application configuration
	appConfig *Config
	configMu  sync.RWMutex
)

// EnvVarSpec defines environment variable mappings for config fields
// following the pattern: {PREFIX}{NAME} maps to config path
type EnvVarSpec = gfconfig.EnvVarSpec

// Environment variable types
const (
	EnvString = gfconfig.EnvString
	EnvInt    = gfconfig.EnvInt
	EnvBool   = gfconfig.EnvBool
)

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	// API defaults
	v.SetDefault("api.token", "")
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.version", 10)
	v.SetDefault("api.user_agent", "")
	v.SetDefault("api.max_retries", 5)
	v.SetDefault("api.timeout", "30s")
	v.SetDefault("api.rate_limit_fallback", "40s")

	// Rate gate defaults
	v.SetDefault("ratelimit.requests_per_second", 0)
	v.SetDefault("ratelimit.burst", 1)
	v.SetDefault("ratelimit.probe_timeout", "0s")

	// Breaker defaults
	v.SetDefault("breaker.enabled", false)
	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.open_timeout", "30s")
	v.SetDefault("breaker.half_open_requests", 1)

	// Store defaults
	v.SetDefault("store.driver", DriverLibsql)
	v.SetDefault("store.path", DefaultStorePath())
	v.SetDefault("store.url", "")
	v.SetDefault("store.auth_token", "")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.password", "")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.redis.key", "restgate:snapshot")
	v.SetDefault("store.redis.ttl", "24h")

	v.SetDefault("trace.file", "")

	// Server defaults
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.max_body_bytes", 8<<20)
	v.SetDefault("server.admin_token", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "structured")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("health.enabled", true)
}

// Load decodes the settings held by v, applies environment and runtime
// overrides, validates the result and makes it the current configuration.
func Load(v *viper.Viper, runtimeOverrides ...map[string]any) (*Config, error) {
	if v == nil {
		v = viper.GetViper()
	}
	merged := v.AllSettings()

	envOverrides, err := gfconfig.LoadEnvOverrides(getEnvSpecs())
	if err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}
	mergeSettings(merged, envOverrides)
	for _, overrides := range runtimeOverrides {
		mergeSettings(merged, overrides)
	}

	cfg := &Config{}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           cfg,
		WeaklyTypedInput: true,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToFloat64HookFunc(),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	if err := decoder.Decode(merged); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == DriverLibsql && strings.TrimSpace(cfg.Store.URL) == "" && strings.TrimSpace(cfg.Store.Path) == "" {
		cfg.Store.Path = DefaultStorePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	setConfig(cfg)
	return cfg, nil
}

// Validate reports settings the client cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.API.Version < 1 {
		errs = append(errs, fmt.Errorf("api.version must be positive, got %d", c.API.Version))
	}
	if c.API.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("api.max_retries must be positive, got %d", c.API.MaxRetries))
	}
	if c.API.Timeout < 0 {
		errs = append(errs, errors.New("api.timeout must not be negative"))
	}
	if c.RateLimit.ProbeTimeout < 0 {
		errs = append(errs, errors.New("ratelimit.probe_timeout must not be negative"))
	}
	if c.RateLimit.ProbeTimeout > 0 && (c.API.Timeout == 0 || c.RateLimit.ProbeTimeout < c.API.Timeout) {
		errs = append(errs, fmt.Errorf("ratelimit.probe_timeout (%s) must be at least api.timeout (%s), which must then be set",
			c.RateLimit.ProbeTimeout, c.API.Timeout))
	}
	if c.RateLimit.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("ratelimit.requests_per_second must not be negative"))
	}
	switch c.Store.Driver {
	case DriverLibsql, DriverRedis, DriverNone, "":
	default:
		errs = append(errs, fmt.Errorf("unsupported store driver: %s", c.Store.Driver))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	if c.Server.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_bytes must be positive"))
	}
	return errors.Join(errs...)
}

// GetConfig returns the current application configuration (thread-safe)
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// setConfig updates the current configuration (thread-safe)
func setConfig(cfg *Config) {
	configMu.Lock()
	defer configMu.Unlock()
	appConfig = cfg
}

// getEnvSpecs returns environment variable specifications for config mapping
// Maps RESTGATE_{NAME} environment variables to config paths
func getEnvSpecs() []EnvVarSpec {
	prefix := EnvPrefix

	return []EnvVarSpec{
		// API config
		{Name: prefix + "TOKEN", Path: []string{"api", "token"}, Type: EnvString},
		{Name: prefix + "BASE_URL", Path: []string{"api", "base_url"}, Type: EnvString},
		{Name: prefix + "API_VERSION", Path: []string{"api", "version"}, Type: EnvInt},
		{Name: prefix + "USER_AGENT", Path: []string{"api", "user_agent"}, Type: EnvString},
		{Name: prefix + "MAX_RETRIES", Path: []string{"api", "max_retries"}, Type: EnvInt},
		// Duration fields are parsed as strings and converted by mapstructure decode hook
		{Name: prefix + "TIMEOUT", Path: []string{"api", "timeout"}, Type: EnvString},
		{Name: prefix + "RATE_LIMIT_FALLBACK", Path: []string{"api", "rate_limit_fallback"}, Type: EnvString},

		// Rate gate config
		{Name: prefix + "REQUESTS_PER_SECOND", Path: []string{"ratelimit", "requests_per_second"}, Type: EnvString},
		{Name: prefix + "BURST", Path: []string{"ratelimit", "burst"}, Type: EnvInt},
		{Name: prefix + "PROBE_TIMEOUT", Path: []string{"ratelimit", "probe_timeout"}, Type: EnvString},

		// Breaker config
		{Name: prefix + "BREAKER_ENABLED", Path: []string{"breaker", "enabled"}, Type: EnvBool},
		{Name: prefix + "BREAKER_MAX_FAILURES", Path: []string{"breaker", "max_failures"}, Type: EnvInt},
		{Name: prefix + "BREAKER_OPEN_TIMEOUT", Path: []string{"breaker", "open_timeout"}, Type: EnvString},

		// Store config
		{Name: prefix + "DB_DRIVER", Path: []string{"store", "driver"}, Type: EnvString},
		{Name: prefix + "DB_PATH", Path: []string{"store", "path"}, Type: EnvString},
		{Name: prefix + "DB_URL", Path: []string{"store", "url"}, Type: EnvString},
		{Name: prefix + "DB_AUTH_TOKEN", Path: []string{"store", "auth_token"}, Type: EnvString},
		{Name: prefix + "REDIS_ADDR", Path: []string{"store", "redis", "addr"}, Type: EnvString},
		{Name: prefix + "REDIS_PASSWORD", Path: []string{"store", "redis", "password"}, Type: EnvString},
		{Name: prefix + "REDIS_DB", Path: []string{"store", "redis", "db"}, Type: EnvInt},
		{Name: prefix + "REDIS_KEY", Path: []string{"store", "redis", "key"}, Type: EnvString},

		{Name: prefix + "TRACE_FILE", Path: []string{"trace", "file"}, Type: EnvString},

		// Server config
		{Name: prefix + "HOST", Path: []string{"server", "host"}, Type: EnvString},
		{Name: prefix + "PORT", Path: []string{"server", "port"}, Type: EnvInt},
		{Name: prefix + "READ_TIMEOUT", Path: []string{"server", "read_timeout"}, Type: EnvString},
		{Name: prefix + "WRITE_TIMEOUT", Path: []string{"server", "write_timeout"}, Type: EnvString},
		{Name: prefix + "IDLE_TIMEOUT", Path: []string{"server", "idle_timeout"}, Type: EnvString},
		{Name: prefix + "SHUTDOWN_TIMEOUT", Path: []string{"server", "shutdown_timeout"}, Type: EnvString},
		{Name: prefix + "ADMIN_TOKEN", Path: []string{"server", "admin_token"}, Type: EnvString},

		// Logging config
		{Name: prefix + "LOG_LEVEL", Path: []string{"logging", "level"}, Type: EnvString},
		{Name: prefix + "LOG_PROFILE", Path: []string{"logging", "profile"}, Type: EnvString},

		{Name: prefix + "METRICS_ENABLED", Path: []string{"metrics", "enabled"}, Type: EnvBool},
		{Name: prefix + "HEALTH_ENABLED", Path: []string{"health", "enabled"}, Type: EnvBool},
	}
}

// mergeSettings copies src into dst, descending into nested maps.
func mergeSettings(dst, src map[string]any) {
	for key, value := range src {
		srcMap, srcIsMap := value.(map[string]any)
		if !srcIsMap {
			dst[key] = value
			continue
		}
		dstMap, ok := dst[key].(map[string]any)
		if !ok {
			dstMap = map[string]any{}
			dst[key] = dstMap
		}
		mergeSettings(dstMap, srcMap)
	}
}

// DefaultConfigPath returns the XDG-compliant path to the user config file.
func DefaultConfigPath() string {
	configDir := gfconfig.GetAppConfigDir(AppName)
	if strings.TrimSpace(configDir) == "" {
		return ""
	}
	return filepath.Join(configDir, "config.yaml")
}

// DefaultConfigDir returns the XDG-compliant config directory for the app.
func DefaultConfigDir() string {
	return gfconfig.GetAppConfigDir(AppName)
}

// DefaultStorePath returns the XDG-compliant path to the database file.
func DefaultStorePath() string {
	dataDir := gfconfig.GetAppDataDir(AppName)
	if strings.TrimSpace(dataDir) == "" {
		return "./" + AppName + ".db"
	}
	return filepath.Join(dataDir, AppName+".db")
}
