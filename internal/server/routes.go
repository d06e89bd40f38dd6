package server

import (
	"github.com/fulmenhq/gofulmen/signals"
	"go.uber.org/zap"

	"github.com/pincer-org/restgate/internal/observability"
	"github.com/pincer-org/restgate/internal/server/handlers"
)

func (s *Server) registerRoutes() {
	s.router.Get("/health", s.health.HealthHandler)
	s.router.Get("/health/live", s.health.LivenessHandler)
	s.router.Get("/health/ready", s.health.ReadinessHandler)
	s.router.Get("/health/startup", s.health.StartupHandler)

	s.router.Get("/version", handlers.VersionHandler(s.client.APIVersion()))
	s.router.Get("/v1/buckets", handlers.BucketsHandler(s.client.Gate()))

	if s.metrics != nil {
		s.router.Method("GET", "/metrics", s.metrics.Handler())
	}

	s.router.HandleFunc("/api/*", handlers.ProxyHandler(s.client, s.cfg.MaxBodyBytes))

	s.registerAdminEndpoint()
}

// registerAdminEndpoint exposes gofulmen's signal endpoint when an admin
// token is configured.
func (s *Server) registerAdminEndpoint() {
	logger := observability.ServerLogger
	if s.cfg.AdminToken == "" {
		if logger != nil {
			logger.Debug("Admin signal endpoint disabled (no admin token configured)")
		}
		return
	}

	handler := signals.NewHTTPHandler(signals.HTTPConfig{
		TokenAuth: s.cfg.AdminToken,
		RateLimit: 10,
		RateBurst: 5,
		Manager:   nil,
	})
	s.router.Post("/admin/signal", handler.ServeHTTP)

	if logger != nil {
		logger.Info("Admin signal endpoint enabled",
			zap.String("path", "/admin/signal"),
			zap.String("rate_limit", "10/min, burst 5"))
	}
}
