package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/roach88/ledgergate/internal/telemetry"
)

// BreakerSettings configures the circuit breaker around a Generator.
type BreakerSettings struct {
	Name string
	// MaxRequests allowed through while half-open.
	MaxRequests uint32
	// Interval clears the closed-state counts; zero never clears them.
	Interval time.Duration
	// Timeout is how long the breaker stays open.
	Timeout time.Duration
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerSettings are used for zero fields.
var DefaultBreakerSettings = BreakerSettings{
	Name:                "generation-agent",
	MaxRequests:         1,
	Interval:            time.Minute,
	Timeout:             30 * time.Second,
	ConsecutiveFailures: 5,
}

// Breaker guards a Generator with a circuit breaker. Failures of the wrapped
// agent and rejections by an open breaker both surface as ErrUnavailable.
type Breaker struct {
	next Generator
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next. Metrics and logger may be nil.
func NewBreaker(next Generator, s BreakerSettings, metrics *telemetry.Metrics, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}
	d := DefaultBreakerSettings
	if s.Name == "" {
		s.Name = d.Name
	}
	if s.MaxRequests == 0 {
		s.MaxRequests = d.MaxRequests
	}
	if s.Timeout == 0 {
		s.Timeout = d.Timeout
	}
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = d.ConsecutiveFailures
	}

	threshold := s.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        s.Name,
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("generation agent breaker state changed",
				"breaker", name, "from", from.String(), "to", to.String())
			metrics.BreakerStateChange(context.Background(), from.String(), to.String())
		},
		// A caller giving up is not the agent failing.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return &Breaker{next: next, cb: cb}
}

// Generate implements Generator.
func (b *Breaker) Generate(ctx context.Context, in Input) ([]Draft, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, in)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	drafts, _ := out.([]Draft)
	return drafts, nil
}

// State reports the breaker state: closed, half-open or open.
func (b *Breaker) State() string {
	return b.cb.State().String()
}
