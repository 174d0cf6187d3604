// Package circuitbreaker builds gobreaker instances that report their state to metrics and logs.
package circuitbreaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/observability"
)

// Config holds circuit breaker parameters.
type Config struct {
	// Component labels metrics and logs (weather_api, notification, timeseries).
	Component        string
	FailureThreshold int
	// Timeout is how long the breaker stays open before letting probes through.
	Timeout     time.Duration
	MaxRequests uint32
	// IsSuccessful classifies errors that should not count against upstream health,
	// such as a rejected API key. Nil counts every error as a failure.
	IsSuccessful func(err error) bool
	Logger       *zap.Logger
}

// New creates a breaker that opens after FailureThreshold consecutive failures.
func New(cfg Config) *gobreaker.CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	threshold := uint32(cfg.FailureThreshold)

	observability.CircuitBreakerState.WithLabelValues(cfg.Component).Set(0)

	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Component,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			if cfg.IsSuccessful != nil {
				return cfg.IsSuccessful(err)
			}
			return false
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			observability.RecordCircuitBreakerTransition(name, from.String(), to.String())
			logger.Warn("Circuit breaker state changed",
				zap.String("component", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
}

// IsOpen reports whether err was returned because the breaker rejected the call.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
