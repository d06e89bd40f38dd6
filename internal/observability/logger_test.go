package observability_test

import (
	"testing"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pincer-org/restgate/internal/config"
	"github.com/pincer-org/restgate/internal/observability"
	"github.com/pincer-org/restgate/internal/rest"
)

func TestInitLoggers(t *testing.T) {
	t.Run("CLI", func(t *testing.T) {
		require.NoError(t, observability.InitCLILogger("restgate-test", config.LoggingConfig{Level: "warn"}, true))
		require.NotNil(t, observability.CLILogger)
		observability.CLILogger.Debug("verbose cli logging", zap.String("route", "GET users/@me"))
	})

	t.Run("Server", func(t *testing.T) {
		require.NoError(t, observability.InitServerLogger("restgate-test", config.LoggingConfig{Level: "info"}))
		require.NotNil(t, observability.ServerLogger)
		observability.ServerLogger.Info("structured server logging",
			zap.String("bucket", "abc"),
			zap.Int("remaining", 3))
	})

	t.Run("UnknownProfile", func(t *testing.T) {
		_, err := observability.NewLogger("restgate-test", config.LoggingConfig{Profile: "fancy"})
		require.Error(t, err)
	})
}

func TestLoggerSatisfiesPipelineLogger(t *testing.T) {
	logger, err := observability.NewLogger("restgate-test", config.LoggingConfig{Profile: observability.ProfileStructured})
	require.NoError(t, err)

	var _ rest.Logger = logger
	_, err = rest.New("token", rest.WithLogger(logger))
	require.NoError(t, err)
}

func TestParseLevel(t *testing.T) {
	require.Equal(t, "DEBUG", observability.ParseLevel(" Debug "))
	require.Equal(t, "WARN", observability.ParseLevel("warning"))
	require.Equal(t, "TRACE", observability.ParseLevel("trace"))
	require.Equal(t, "INFO", observability.ParseLevel("loud"))
}

func TestEmbeddedCrucibleVersion(t *testing.T) {
	version := crucible.GetVersion()
	require.NotEmpty(t, version.Gofulmen)
	require.NotEmpty(t, version.Crucible)
}
