// Package processor drains the queue one message at a time, delivers each Reading to the
// configured sinks and acks only once every sink succeeded.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/lifecycle"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/observability"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/queue"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/sink"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/traffic"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/validation"
)

// Result labels for metrics.
const (
	resultAcked   = "acked"
	resultFailed  = "failed"
	resultInvalid = "invalid"
)

// settleTimeout bounds ack and nack calls made after the invocation deadline has passed.
const settleTimeout = 5 * time.Second

// Config controls the processor.
type Config struct {
	Workers           int
	PollInterval      time.Duration
	InvocationTimeout time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	// MaxReceiveCount mirrors the queue setting; a failure on attempt MaxReceiveCount+1 is
	// the final one before dead-lettering.
	MaxReceiveCount int
}

// Processor consumes messages and fans them out to sinks. A nil sink is disabled.
type Processor struct {
	consumer queue.Consumer
	notifier sink.Notifier
	store    sink.TimeseriesStore
	cfg      Config
	logger   *zap.Logger
}

// New creates a Processor. At least one of notifier and store should be non-nil.
func New(consumer queue.Consumer, notifier sink.Notifier, store sink.TimeseriesStore, cfg Config, logger *zap.Logger) *Processor {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.InvocationTimeout <= 0 {
		cfg.InvocationTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{consumer: consumer, notifier: notifier, store: store, cfg: cfg, logger: logger}
}

// Backoff returns the redelivery delay after a failed attempt: base * 2^(attempt-1), capped at
// limit. A zero base releases the message immediately.
func Backoff(attempt int, base, limit time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if limit > 0 && d >= limit {
			break
		}
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// Run starts Workers goroutines and blocks until ctx is cancelled and every worker returned.
func (p *Processor) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	p.logger.Info("Processor started", zap.Int("workers", p.cfg.Workers), zap.Duration("poll_interval", p.cfg.PollInterval))
	wg.Wait()
	p.logger.Info("Processor stopped")
}

func (p *Processor) work(ctx context.Context, worker int) {
	logger := p.logger.With(zap.Int("worker", worker))
	for ctx.Err() == nil && !lifecycle.IsShuttingDown() {
		msgs, err := p.consumer.Receive(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Receive failed", zap.Error(err))
		}
		if len(msgs) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		for _, msg := range msgs {
			_ = p.safeHandle(ctx, msg)
		}
	}
}

// safeHandle runs Handle and turns a panic into a nack.
func (p *Processor) safeHandle(ctx context.Context, msg queue.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic processing message: %v", r)
			p.logger.Error("Panic while processing message",
				zap.String("message_id", msg.ID),
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			p.fail(ctx, msg, resultFailed, err, time.Now())
		}
	}()
	return p.Handle(ctx, msg)
}

// Handle processes one delivery. It returns nil when the message was acked and the failure
// cause when it was nacked.
func (p *Processor) Handle(ctx context.Context, msg queue.Message) error {
	start := time.Now()
	logger := p.logger.With(
		zap.String("message_id", msg.ID),
		zap.String("source_id", msg.Reading.SourceID),
		zap.Int("delivery_attempt", msg.DeliveryAttempt),
	)
	observability.DeliveryAttempt.Observe(float64(msg.DeliveryAttempt))

	invCtx, cancel := context.WithTimeout(ctx, p.cfg.InvocationTimeout)
	defer cancel()
	invCtx = observability.WithCorrelationID(invCtx, msg.ID)
	invCtx = observability.WithLogger(invCtx, logger)

	if err := validation.ValidateReading(msg.Reading); err != nil {
		logger.Warn("Invalid reading", zap.Error(err))
		p.fail(ctx, msg, resultInvalid, err, start)
		return err
	}

	if err := p.deliver(invCtx, msg); err != nil {
		logger.Warn("Sink delivery failed", zap.Error(err))
		p.fail(ctx, msg, resultFailed, err, start)
		return err
	}

	settleCtx, settleCancel := settleContext(ctx)
	defer settleCancel()
	if err := p.consumer.Ack(settleCtx, msg.ID, msg.Receipt); err != nil {
		// Unacked messages come back after the visibility timeout.
		logger.Error("Ack failed", zap.Error(err))
		p.record(resultFailed, start)
		traffic.RecordFailed()
		return fmt.Errorf("ack: %w", err)
	}
	p.record(resultAcked, start)
	traffic.RecordAcked()
	logger.Info("Message processed")
	return nil
}

// deliver writes the time series before notifying.
func (p *Processor) deliver(ctx context.Context, msg queue.Message) error {
	if p.store != nil {
		if err := p.store.Write(ctx, msg.Reading); err != nil {
			return fmt.Errorf("%s: %w", sink.NameTimeseries, err)
		}
	}
	if p.notifier != nil {
		if err := p.notifier.Notify(ctx, msg.Reading); err != nil {
			return fmt.Errorf("%s: %w", sink.NameNotification, err)
		}
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, msg queue.Message, result string, cause error, start time.Time) {
	delay := Backoff(msg.DeliveryAttempt, p.cfg.BackoffBase, p.cfg.BackoffMax)
	final := msg.DeliveryAttempt > p.cfg.MaxReceiveCount

	settleCtx, cancel := settleContext(ctx)
	defer cancel()
	p.record(result, start)
	if err := p.consumer.Nack(settleCtx, msg.ID, msg.Receipt, delay, cause); err != nil {
		// Still claimed; the visibility timeout decides its fate.
		p.logger.Error("Nack failed",
			zap.String("message_id", msg.ID),
			zap.Error(errors.Join(err, cause)),
		)
		traffic.RecordFailed()
		return
	}

	if final {
		traffic.RecordDeadLettered()
		p.logger.Warn("Message failed its final attempt",
			zap.String("message_id", msg.ID),
			zap.Int("delivery_attempt", msg.DeliveryAttempt),
			zap.Error(cause),
		)
		return
	}
	traffic.RecordFailed()
}

func (p *Processor) record(result string, start time.Time) {
	observability.ProcessorMessagesTotal.WithLabelValues(result).Inc()
	observability.ProcessorDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
}

// settleContext survives cancellation of ctx, bounded by settleTimeout.
func settleContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
}
