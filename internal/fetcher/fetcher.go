// Package fetcher runs one ingestion cycle: fetch the current weather once, wrap it in a
// Reading and publish it to the queue.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/client"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/observability"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/queue"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/secrets"
)

// CycleResult describes what a cycle did. At most one of Enqueued, Duplicate and Skipped is set.
type CycleResult struct {
	CycleID   string         `json:"cycle_id"`
	Enqueued  bool           `json:"enqueued"`
	Duplicate bool           `json:"duplicate"`
	Skipped   bool           `json:"skipped"`
	MessageID string         `json:"message_id,omitempty"`
	Reading   models.Reading `json:"reading"`
	// Reason is the error category of a skipped cycle.
	Reason string `json:"reason,omitempty"`
}

// Config controls a Fetcher.
type Config struct {
	Location             client.Location
	InvocationTimeout    time.Duration
	EnqueueRetryAttempts int
	EnqueueRetryDelay    time.Duration
}

// Fetcher publishes at most one Reading per cycle.
type Fetcher struct {
	provider  client.WeatherProvider
	publisher queue.Publisher
	secrets   secrets.Store
	cfg       Config
	logger    *zap.Logger
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a Fetcher.
func New(provider client.WeatherProvider, publisher queue.Publisher, store secrets.Store, cfg Config, logger *zap.Logger) *Fetcher {
	if cfg.EnqueueRetryAttempts <= 0 {
		cfg.EnqueueRetryAttempts = 3
	}
	if cfg.EnqueueRetryDelay <= 0 {
		cfg.EnqueueRetryDelay = 200 * time.Millisecond
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		provider:  provider,
		publisher: publisher,
		secrets:   store,
		cfg:       cfg,
		logger:    logger,
		sleep:     sleepCtx,
	}
}

// RunCycle executes one cycle. Provider and secret failures end the cycle with Skipped set and a
// nil error; the next scheduled cycle is the retry. An enqueue that still fails after the
// in-cycle retries is returned as an error.
func (f *Fetcher) RunCycle(ctx context.Context) (result CycleResult, err error) {
	start := time.Now()
	result.CycleID = uuid.NewString()
	ctx = observability.WithCorrelationID(ctx, result.CycleID)
	logger := f.logger.With(
		zap.String("correlation_id", result.CycleID),
		zap.String("source_id", f.cfg.Location.ID),
	)

	if f.cfg.InvocationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.cfg.InvocationTimeout)
		defer cancel()
	}

	defer func() {
		label := cycleLabel(result, err)
		observability.FetchCyclesTotal.WithLabelValues(label).Inc()
		observability.FetchCycleDuration.Observe(time.Since(start).Seconds())
	}()

	apiKey, err := f.secrets.Get(ctx, secrets.WeatherAPIKey)
	if err != nil {
		return f.skip(logger, result, "Failed to resolve weather API key", err), nil
	}

	obs, err := f.provider.FetchCurrent(ctx, f.cfg.Location, apiKey)
	if err != nil {
		return f.skip(logger, result, "Weather provider call failed", err), nil
	}

	reading := models.NewReading(f.cfg.Location.ID, obs.ObservedAt, obs.Payload)
	result.Reading = reading
	logger = logger.With(zap.String("dedup_key", reading.DedupKey))

	res, err := f.enqueue(ctx, logger, reading)
	if err != nil {
		logger.Error("Enqueue failed, cycle failed", zap.Error(err))
		return result, fmt.Errorf("enqueue reading: %w", err)
	}
	if res.Duplicate {
		result.Duplicate = true
		logger.Info("Reading already published in dedup window", zap.Time("observed_at", reading.ObservedAt))
		return result, nil
	}

	result.Enqueued = true
	result.MessageID = res.MessageID
	logger.Info("Reading enqueued",
		zap.String("message_id", res.MessageID),
		zap.Time("observed_at", reading.ObservedAt),
	)
	return result, nil
}

func (f *Fetcher) skip(logger *zap.Logger, result CycleResult, msg string, err error) CycleResult {
	result.Skipped = true
	result.Reason = string(client.CategorizeError(err))
	logger.Warn(msg,
		zap.String("error_category", result.Reason),
		zap.Error(err),
	)
	return result
}

// enqueue retries transient queue failures with doubling delays inside the cycle.
func (f *Fetcher) enqueue(ctx context.Context, logger *zap.Logger, reading models.Reading) (queue.EnqueueResult, error) {
	var lastErr error
	delay := f.cfg.EnqueueRetryDelay
	for attempt := 1; attempt <= f.cfg.EnqueueRetryAttempts; attempt++ {
		res, err := f.publisher.Enqueue(ctx, reading)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, queue.ErrTransient) || attempt == f.cfg.EnqueueRetryAttempts {
			break
		}
		logger.Warn("Enqueue failed, retrying",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if err := f.sleep(ctx, delay); err != nil {
			return queue.EnqueueResult{}, fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
		delay *= 2
	}
	return queue.EnqueueResult{}, lastErr
}

func cycleLabel(result CycleResult, err error) string {
	switch {
	case err != nil:
		return "failed"
	case result.Skipped:
		return "skipped"
	case result.Duplicate:
		return "duplicate"
	default:
		return "enqueued"
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
