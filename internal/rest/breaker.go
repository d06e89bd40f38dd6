package rest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerSettings configures a BreakerTransport.
type BreakerSettings struct {
	Name        string
	MaxFailures uint32
	OpenTimeout time.Duration
	HalfOpenMax uint32
}

// BreakerTransport stops calling the upstream after repeated server errors
// or transport failures. While open, attempts fail fast with an error the
// pipeline treats as a transport failure.
type BreakerTransport struct {
	next    Transport
	breaker *gobreaker.CircuitBreaker
}

type upstreamStatus struct {
	resp *Response
}

func (u *upstreamStatus) Error() string {
	return fmt.Sprintf("upstream status %d", u.resp.StatusCode)
}

// NewBreakerTransport wraps next with a circuit breaker.
func NewBreakerTransport(next Transport, settings BreakerSettings, log Logger) *BreakerTransport {
	if settings.Name == "" {
		settings.Name = "upstream"
	}
	if settings.MaxFailures == 0 {
		settings.MaxFailures = 5
	}
	if settings.HalfOpenMax == 0 {
		settings.HalfOpenMax = 1
	}
	if log == nil {
		log = nopLogger()
	}

	maxFailures := settings.MaxFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: settings.HalfOpenMax,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return &BreakerTransport{next: next, breaker: cb}
}

// Perform implements Transport.
func (b *BreakerTransport) Perform(ctx context.Context, req *Request) (*Response, error) {
	var partial *Response
	out, err := b.breaker.Execute(func() (interface{}, error) {
		resp, err := b.next.Perform(ctx, req)
		if err != nil {
			partial = resp
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return nil, &upstreamStatus{resp: resp}
		}
		return resp, nil
	})

	var status *upstreamStatus
	if errors.As(err, &status) {
		return status.resp, nil
	}
	if err != nil {
		return partial, fmt.Errorf("breaker (%s): %w", b.breaker.Name(), err)
	}
	return out.(*Response), nil
}

// State reports the breaker state name.
func (b *BreakerTransport) State() string {
	return b.breaker.State().String()
}

// Close closes the wrapped transport when it supports it.
func (b *BreakerTransport) Close() error {
	if closer, ok := b.next.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}
