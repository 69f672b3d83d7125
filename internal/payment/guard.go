package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/cimillas/unitvault/internal/domain"
	"github.com/cimillas/unitvault/internal/metrics"
)

// GuardConfig tunes the rate limiter and circuit breaker in front of a provider.
type GuardConfig struct {
	RequestsPerSecond float64
	// FailureThreshold is the number of consecutive failures that opens the breaker.
	FailureThreshold uint32
	// OpenTimeout is how long the breaker stays open before a trial request.
	OpenTimeout time.Duration
}

func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		RequestsPerSecond: 3,
		FailureThreshold:  5,
		OpenTimeout:       30 * time.Second,
	}
}

// guard serializes access to one provider: calls wait for the limiter, then
// run through the breaker. Errors that say nothing about provider health do
// not count as breaker failures.
type guard struct {
	name    string
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[any]
}

func newGuard(name string, cfg GuardConfig, logger zerolog.Logger) *guard {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultGuardConfig().RequestsPerSecond
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = DefaultGuardConfig().FailureThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultGuardConfig().OpenTimeout
	}

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	settings := gobreaker.Settings{
		Name:    name,
		Timeout: cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrUnknownInvoice) || errors.Is(err, errRejected)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("payment provider circuit breaker changed state")
		},
	}

	return &guard{
		name:    name,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
		breaker: gobreaker.NewCircuitBreaker[any](settings),
	}
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// errRejected marks a request the provider answered but refused. It does not
// trip the breaker.
var errRejected = errors.New("rejected by provider")

// call runs fn under g and records its latency. Breaker rejections and
// transport failures come back wrapped in domain.ErrProviderUnavailable.
func call[T any](ctx context.Context, g *guard, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if err := g.limiter.Wait(ctx); err != nil {
		return zero, fmt.Errorf("%s %s: %w", g.name, op, err)
	}

	start := time.Now()
	res, err := g.breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	metrics.ObserveProvider(g.name, op, err, time.Since(start))

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%s %s: %w: %v", g.name, op, domain.ErrProviderUnavailable, err)
		}
		return zero, err
	}
	return res.(T), nil
}
