package cmd

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/pincer-org/restgate/internal/config"
	"github.com/pincer-org/restgate/internal/metrics"
	"github.com/pincer-org/restgate/internal/ratelimit"
	"github.com/pincer-org/restgate/internal/rest"
)

// pipeline bundles a client with the resources it owns.
type pipeline struct {
	client *rest.Client
	store  snapshotStore
	tracer *rest.Tracer

	closeOnce sync.Once
	closeErr  error
}

// openPipeline builds a client from cfg and restores persisted gate state.
func openPipeline(ctx context.Context, cfg *config.Config, log rest.Logger, m *metrics.Metrics) (*pipeline, error) {
	p := &pipeline{}

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	p.store = st

	if cfg.Trace.File != "" {
		tracer, err := rest.OpenTracer(cfg.Trace.File)
		if err != nil {
			_ = p.Close()
			return nil, err
		}
		p.tracer = tracer
	}

	var transport rest.Transport = rest.NewHTTPTransport(&http.Client{Timeout: cfg.API.Timeout})
	if cfg.Breaker.Enabled {
		transport = rest.NewBreakerTransport(transport, rest.BreakerSettings{
			Name:        "upstream",
			MaxFailures: cfg.Breaker.MaxFailures,
			OpenTimeout: cfg.Breaker.OpenTimeout,
			HalfOpenMax: cfg.Breaker.HalfOpenRequests,
		}, log)
	}

	gate := ratelimit.NewGate(
		ratelimit.WithRequestRate(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst),
		ratelimit.WithProbeTimeout(cfg.RateLimit.ProbeTimeout),
	)

	opts := []rest.Option{
		rest.WithAPIVersion(cfg.API.Version),
		rest.WithBaseURL(cfg.API.BaseURL),
		rest.WithMaxRetries(cfg.API.MaxRetries),
		rest.WithRateLimitFallback(cfg.API.RateLimitFallback),
		rest.WithUserAgent(cfg.API.UserAgent),
		rest.WithGate(gate),
		rest.WithTransport(transport),
		rest.WithLogger(log),
		rest.WithMetrics(m),
		rest.WithTracer(p.tracer),
	}
	if p.store != nil {
		opts = append(opts, rest.WithStore(p.store))
	}

	client, err := rest.New(cfg.API.Token, opts...)
	if err != nil {
		_ = p.Close()
		return nil, err
	}
	p.client = client

	if err := client.Restore(ctx); err != nil {
		_ = p.Close()
		return nil, err
	}
	return p, nil
}

// Close persists gate state and releases the tracer and store. Only the
// first call does any work.
func (p *pipeline) Close() error {
	p.closeOnce.Do(func() {
		var errs []error
		if p.client != nil {
			errs = append(errs, p.client.Close())
		}
		if p.tracer != nil {
			errs = append(errs, p.tracer.Close())
		}
		if p.store != nil {
			errs = append(errs, p.store.Close())
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
