package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/pincer-org/restgate/internal/config"
	apperrors "github.com/pincer-org/restgate/internal/errors"
	"github.com/pincer-org/restgate/internal/metrics"
	"github.com/pincer-org/restgate/internal/observability"
	"github.com/pincer-org/restgate/internal/rest"
	"github.com/pincer-org/restgate/internal/server/handlers"
	servermw "github.com/pincer-org/restgate/internal/server/middleware"
)

// Server is the local proxy and admin HTTP server.
type Server struct {
	router  *chi.Mux
	server  *http.Server
	cfg     config.ServerConfig
	client  *rest.Client
	metrics *metrics.Metrics
	health  *handlers.HealthManager
}

// Option configures a Server.
type Option func(*Server)

// WithHealthCheck registers an extra named health check.
func WithHealthCheck(name string, checker handlers.HealthChecker) Option {
	return func(s *Server) {
		s.health.RegisterChecker(name, checker)
	}
}

// New wires the router around client. m may be nil, in which case /metrics
// is not served.
func New(cfg config.ServerConfig, client *rest.Client, m *metrics.Metrics, opts ...Option) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(servermw.RequestID)
	r.Use(servermw.RequestMetrics(m))
	r.Use(servermw.Recovery(m))

	apperrors.SetMetrics(m)
	handlers.SetHTTPErrorResponder(HandleError)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewNotFoundError("The requested resource was not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		HandleError(w, req, apperrors.NewMethodNotAllowedError("The requested method is not allowed for this resource"))
	})

	s := &Server{
		router:  r,
		cfg:     cfg,
		client:  client,
		metrics: m,
		health:  handlers.NewHealthManager(handlers.AppVersion),
	}
	s.health.RegisterChecker("gate", gateCheck(client))
	for _, opt := range opts {
		opt(s)
	}

	s.registerRoutes()
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.metrics.SetServerStartTime(time.Now())

	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Starting HTTP server",
			zap.String("addr", s.server.Addr),
			zap.String("upstream", s.client.BaseURL()))
	}

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	if observability.ServerLogger != nil {
		observability.ServerLogger.Info("Shutting down HTTP server")
	}
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// gateCheck reports degraded while the global throttle is active.
func gateCheck(client *rest.Client) handlers.CheckFunc {
	return func(ctx context.Context) error {
		if until := client.Gate().GlobalDeadline(); !until.IsZero() {
			return handlers.Degraded{Reason: "global rate limit active until " + until.Format(time.RFC3339)}
		}
		return nil
	}
}
