package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/dedup"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/observability"
)

type memoryEntry struct {
	id         string
	reading    models.Reading
	attempts   int
	enqueuedAt time.Time
	inFlight   bool
	visibleAt  time.Time
	receipt    string // current claim; empty while pending
	lastError  string
}

func (e *memoryEntry) claimedBy(receipt string) bool {
	return e.inFlight && receipt != "" && e.receipt == receipt
}

func (e *memoryEntry) release() {
	e.inFlight = false
	e.receipt = ""
}

// MemoryQueue implements Queue in process memory. It is the reference backend for tests
// and single-process deployments; contents do not survive a restart.
//
// Expired claims, retention and dead-letter purging are applied lazily under the lock on
// every Receive, Stats and DeadLetters call.
type MemoryQueue struct {
	mu      sync.Mutex
	cfg     Config
	dedup   dedup.Store
	clock   clock.Clock
	logger  *zap.Logger
	entries map[string]*memoryEntry
	pending []string
	dead    []DeadLetter
}

// NewMemoryQueue creates an in-memory queue. A nil clock uses the wall clock.
func NewMemoryQueue(cfg Config, store dedup.Store, clk clock.Clock, logger *zap.Logger) *MemoryQueue {
	if clk == nil {
		clk = clock.NewClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryQueue{
		cfg:     cfg,
		dedup:   store,
		clock:   clk,
		logger:  logger,
		entries: make(map[string]*memoryEntry),
	}
}

// Enqueue implements Publisher.Enqueue.
func (q *MemoryQueue) Enqueue(ctx context.Context, reading models.Reading) (result EnqueueResult, err error) {
	defer func() { recordEnqueue(result, err) }()

	if reading.DedupKey == "" {
		return EnqueueResult{}, ErrInvalidReading
	}
	claimed, err := q.dedup.Claim(ctx, reading.DedupKey, q.cfg.DedupWindow)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("%w: dedup claim: %v", ErrTransient, err)
	}
	if !claimed {
		q.logger.Debug("Duplicate reading suppressed",
			zap.String("source_id", reading.SourceID),
			zap.String("dedup_key", reading.DedupKey),
		)
		return EnqueueResult{Duplicate: true}, nil
	}

	if err := ctx.Err(); err != nil {
		// Claim went through but the message will not; free the key for the retry.
		_ = q.dedup.Release(context.Background(), reading.DedupKey)
		return EnqueueResult{}, err
	}

	id := uuid.NewString()
	q.mu.Lock()
	q.entries[id] = &memoryEntry{
		id:         id,
		reading:    reading,
		enqueuedAt: q.clock.Now(),
	}
	q.pending = append(q.pending, id)
	q.mu.Unlock()

	return EnqueueResult{MessageID: id}, nil
}

// Receive implements Consumer.Receive.
func (q *MemoryQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		max = 1
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.clock.Now()
	q.reapLocked(now)

	var out []Message
	for len(out) < max && len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		e, ok := q.entries[id]
		if !ok {
			continue
		}
		e.attempts++
		e.inFlight = true
		e.visibleAt = now.Add(q.cfg.VisibilityTimeout)
		e.receipt = uuid.NewString()
		out = append(out, Message{
			ID:              e.id,
			Reading:         e.reading,
			DeliveryAttempt: e.attempts,
			EnqueuedAt:      e.enqueuedAt,
			VisibleAt:       e.visibleAt,
			Receipt:         e.receipt,
		})
	}
	observability.QueueReceivedTotal.Add(float64(len(out)))
	return out, nil
}

// Ack implements Consumer.Ack.
func (q *MemoryQueue) Ack(ctx context.Context, id, receipt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok {
		return nil
	}
	if !e.claimedBy(receipt) {
		q.logger.Debug("Stale receipt ignored on ack", zap.String("message_id", id))
		return nil
	}
	delete(q.entries, id)
	q.removePendingLocked(id)
	observability.QueueAckedTotal.Inc()
	return nil
}

// Nack implements Consumer.Nack.
func (q *MemoryQueue) Nack(ctx context.Context, id, receipt string, delay time.Duration, cause error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[id]
	if !ok || !e.claimedBy(receipt) {
		return nil
	}
	observability.QueueNackedTotal.Inc()
	if cause != nil {
		e.lastError = cause.Error()
	}

	now := q.clock.Now()
	if e.attempts > q.cfg.MaxReceiveCount {
		q.deadLetterLocked(e, ReasonMaxReceiveExceeded, now)
		return nil
	}
	if delay <= 0 {
		e.release()
		q.pending = append(q.pending, id)
		return nil
	}
	e.visibleAt = now.Add(delay)
	return nil
}

// Stats implements Inspector.Stats.
func (q *MemoryQueue) Stats(ctx context.Context) (Stats, error) {
	if err := ctx.Err(); err != nil {
		return Stats{}, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reapLocked(q.clock.Now())
	return Stats{
		Pending:      len(q.pending),
		InFlight:     len(q.entries) - len(q.pending),
		DeadLettered: len(q.dead),
	}, nil
}

// DeadLetters implements Inspector.DeadLetters, oldest first.
func (q *MemoryQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	q.reapLocked(q.clock.Now())
	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out, nil
}

// Depth reports queue depth for the metrics gauges.
func (q *MemoryQueue) Depth() (pending, inFlight, deadLettered int, err error) {
	s, err := q.Stats(context.Background())
	return s.Pending, s.InFlight, s.DeadLettered, err
}

func (q *MemoryQueue) reapLocked(now time.Time) {
	var expired []*memoryEntry
	for _, e := range q.entries {
		if e.inFlight && !now.Before(e.visibleAt) {
			expired = append(expired, e)
		}
	}
	sort.Slice(expired, func(i, j int) bool {
		if !expired[i].visibleAt.Equal(expired[j].visibleAt) {
			return expired[i].visibleAt.Before(expired[j].visibleAt)
		}
		return expired[i].enqueuedAt.Before(expired[j].enqueuedAt)
	})
	for _, e := range expired {
		if e.attempts > q.cfg.MaxReceiveCount {
			q.deadLetterLocked(e, ReasonMaxReceiveExceeded, now)
			continue
		}
		e.release()
		q.pending = append(q.pending, e.id)
	}

	if q.cfg.Retention > 0 {
		kept := q.pending[:0]
		var stale []*memoryEntry
		for _, id := range q.pending {
			e := q.entries[id]
			if now.Sub(e.enqueuedAt) >= q.cfg.Retention {
				stale = append(stale, e)
				continue
			}
			kept = append(kept, id)
		}
		q.pending = kept
		for _, e := range stale {
			q.deadLetterLocked(e, ReasonRetentionExpired, now)
		}
	}

	if q.cfg.DeadLetterRetention > 0 {
		kept := q.dead[:0]
		for _, d := range q.dead {
			if now.Sub(d.DeadLetteredAt) < q.cfg.DeadLetterRetention {
				kept = append(kept, d)
			}
		}
		q.dead = kept
	}
}

// deadLetterLocked moves e out of the main queue. e must not be in q.pending.
func (q *MemoryQueue) deadLetterLocked(e *memoryEntry, reason string, now time.Time) {
	delete(q.entries, e.id)
	q.dead = append(q.dead, DeadLetter{
		MessageID:      e.id,
		Reading:        e.reading,
		Attempts:       e.attempts,
		Reason:         reason,
		LastError:      e.lastError,
		EnqueuedAt:     e.enqueuedAt,
		DeadLetteredAt: now,
	})
	observability.QueueDeadLetteredTotal.WithLabelValues(reason).Inc()
	q.logger.Warn("Message dead-lettered",
		zap.String("message_id", e.id),
		zap.String("source_id", e.reading.SourceID),
		zap.String("reason", reason),
		zap.Int("attempts", e.attempts),
		zap.String("last_error", e.lastError),
	)
}

func (q *MemoryQueue) removePendingLocked(id string) {
	for i, p := range q.pending {
		if p == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return
		}
	}
}
