package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/fulmenhq/gofulmen/signals"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/pincer-org/restgate/internal/config"
	"github.com/pincer-org/restgate/internal/metrics"
	"github.com/pincer-org/restgate/internal/observability"
	"github.com/pincer-org/restgate/internal/server"
)

var (
	serverPort int
	serverHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the local rate-limited proxy",
	Long: `Run a local HTTP proxy that forwards /api/{path} through one shared rate
gate, so several processes respect the same buckets.

Endpoints:
  /api/*         proxied upstream requests
  /v1/buckets    live bucket state
  /health/*      health probes
  /metrics       Prometheus metrics (when metrics.enabled)
  /version       build information

Signal Handling:
  • Ctrl+C (SIGINT) or SIGTERM: Graceful shutdown, persisting bucket state
  • Ctrl+C twice within 2s: Force quit
  • SIGHUP: Re-read the config file and apply the new log level`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		if err := observability.InitServerLogger(config.AppName, cfg.Logging); err != nil {
			return err
		}
		logger := observability.ServerLogger

		var m *metrics.Metrics
		if cfg.Metrics.Enabled {
			m = metrics.New()
		}

		p, err := openPipeline(cmd.Context(), cfg, logger, m)
		if err != nil {
			return err
		}

		var opts []server.Option
		if p.store != nil {
			opts = append(opts, server.WithHealthCheck("store", p.store))
		}
		srv := server.New(cfg.Server, p.client, m, opts...)

		logger.Info("Initializing server",
			zap.String("version", versionInfo.Version),
			zap.String("addr", srv.Addr()),
			zap.String("upstream", p.client.BaseURL()),
			zap.String("store", cfg.Store.Driver),
			zap.Bool("metrics", m != nil),
			zap.Bool("breaker", cfg.Breaker.Enabled))

		// Shutdown handlers run last-registered first.
		signals.OnShutdown(func(ctx context.Context) error {
			if err := logger.Sync(); err != nil {
				logger.Warn("Logger sync returned error (may be benign)", zap.Error(err))
			}
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			if err := p.Close(); err != nil {
				logger.Error("Failed to persist bucket state", zap.Error(err))
				return err
			}
			logger.Info("Bucket state persisted")
			return nil
		})
		signals.OnShutdown(func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			logger.Info("HTTP server stopped gracefully")
			return nil
		})

		signals.OnReload(func(ctx context.Context) error {
			if err := viper.ReadInConfig(); err != nil {
				if _, ok := err.(viper.ConfigFileNotFoundError); ok {
					logger.Info("No config file found - nothing to reload")
					return nil
				}
				logger.Error("Failed to reload config file",
					zap.String("file", viper.ConfigFileUsed()),
					zap.Error(err))
				return err
			}
			level := observability.ParseLevel(viper.GetString("logging.level"))
			logger.Info("Configuration reloaded",
				zap.String("file", viper.ConfigFileUsed()),
				zap.String("level", level))
			return nil
		})

		if err := signals.EnableDoubleTap(signals.DoubleTapConfig{
			Window:  2 * time.Second,
			Message: "Press Ctrl+C again within 2 seconds to force quit",
		}); err != nil {
			logger.Warn("Failed to enable double-tap force quit", zap.Error(err))
		}

		errChan := make(chan error, 2)
		go func() {
			if err := srv.Start(); err != nil {
				errChan <- err
			}
		}()
		go func() {
			if err := signals.Listen(cmd.Context()); err != nil {
				logger.Error("Signal handler error", zap.Error(err))
				errChan <- err
			}
		}()

		if err := <-errChan; err != nil {
			_ = p.Close()
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serverHost, "host", "localhost", "server host")
	serveCmd.Flags().IntVarP(&serverPort, "port", "p", 8080, "server port")

	_ = viper.BindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	_ = viper.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
}
