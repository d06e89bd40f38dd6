package observability

import (
	"fmt"
	"strings"

	"github.com/fulmenhq/gofulmen/logging"

	"github.com/pincer-org/restgate/internal/config"
)

// Logging profiles accepted in configuration.
const (
	ProfileSimple     = "simple"
	ProfileStructured = "structured"
)

var (
	// CLILogger is used by CLI commands.
	CLILogger *logging.Logger

	// ServerLogger is used by the serve command and its HTTP handlers.
	ServerLogger *logging.Logger
)

// InitCLILogger initializes the CLI logger. verbose forces DEBUG regardless
// of the configured level.
func InitCLILogger(serviceName string, cfg config.LoggingConfig, verbose bool) error {
	logger, err := NewLogger(serviceName, cfg)
	if err != nil {
		return err
	}
	if verbose {
		logger.SetLevel(logging.DEBUG)
	}
	CLILogger = logger
	return nil
}

// InitServerLogger initializes the server logger with the STRUCTURED
// profile unless cfg asks for something else.
func InitServerLogger(serviceName string, cfg config.LoggingConfig) error {
	if strings.TrimSpace(cfg.Profile) == "" {
		cfg.Profile = ProfileStructured
	}
	logger, err := NewLogger(serviceName, cfg)
	if err != nil {
		return err
	}
	ServerLogger = logger
	return nil
}

// NewLogger builds a gofulmen logger for cfg.
func NewLogger(serviceName string, cfg config.LoggingConfig) (*logging.Logger, error) {
	level := ParseLevel(cfg.Level)

	switch strings.ToLower(strings.TrimSpace(cfg.Profile)) {
	case "", ProfileSimple:
		logger, err := logging.New(simpleConfig(serviceName, level))
		if err != nil {
			return nil, fmt.Errorf("initialize cli logger: %w", err)
		}
		return logger, nil
	case ProfileStructured:
		logger, err := logging.New(structuredConfig(serviceName, level))
		if err != nil {
			return nil, fmt.Errorf("initialize structured logger: %w", err)
		}
		return logger, nil
	default:
		return nil, fmt.Errorf("unknown logging profile %q", cfg.Profile)
	}
}

func simpleConfig(serviceName, level string) *logging.LoggerConfig {
	return &logging.LoggerConfig{
		Profile:      logging.ProfileSimple,
		DefaultLevel: level,
		Service:      serviceName,
		Environment:  "cli",
		Sinks: []logging.SinkConfig{
			{
				Type:   "console",
				Format: "console",
				Console: &logging.ConsoleSinkConfig{
					Stream:   "stderr",
					Colorize: false,
				},
			},
		},
	}
}

func structuredConfig(serviceName, level string) *logging.LoggerConfig {
	return &logging.LoggerConfig{
		Profile:      logging.ProfileStructured,
		DefaultLevel: level,
		Service:      serviceName,
		Environment:  "production",
		StaticFields: map[string]any{"component": "restgate"},
		Middleware: []logging.MiddlewareConfig{
			{
				Name:    "correlation",
				Enabled: true,
				Order:   100,
				Config:  make(map[string]any),
			},
		},
		Sinks: []logging.SinkConfig{
			{
				Type:   "console",
				Format: "json",
				Console: &logging.ConsoleSinkConfig{
					Stream:   "stderr",
					Colorize: false,
				},
			},
		},
		EnableCaller:     true,
		EnableStacktrace: true,
	}
}

// ParseLevel maps a config level to a gofulmen severity name. Unknown values
// fall back to INFO.
func ParseLevel(level string) string {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return "TRACE"
	case "debug":
		return "DEBUG"
	case "warn", "warning":
		return "WARN"
	case "error":
		return "ERROR"
	default:
		return "INFO"
	}
}
