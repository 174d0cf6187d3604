// Package queue is the durable, deduplicating delivery channel between the fetcher and the
// processor. Delivery is at-least-once under a visibility timeout; messages that exhaust
// their receive budget, or outlive the retention period while waiting, move to a
// dead-letter area that is only ever inspected, never replayed.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/observability"
)

// Dead-letter reasons.
const (
	ReasonMaxReceiveExceeded = "max_receive_exceeded"
	ReasonRetentionExpired   = "retention_expired"
)

var (
	// ErrTransient wraps backend failures the caller may retry with backoff.
	ErrTransient = errors.New("queue temporarily unavailable")
	// ErrInvalidReading is returned by Enqueue for readings without a dedup key.
	ErrInvalidReading = errors.New("reading has no dedup key")
)

// Config holds queue policy. The zero value is not usable; start from DefaultConfig.
type Config struct {
	VisibilityTimeout   time.Duration
	Retention           time.Duration
	DeadLetterRetention time.Duration
	// MaxReceiveCount is the number of redeliveries allowed after the first delivery.
	// A released message whose attempt count exceeds it is dead-lettered.
	MaxReceiveCount int
	DedupWindow     time.Duration
}

// DefaultConfig returns the reference policy: 300s visibility, 1h retention, 1d dead-letter
// retention, one redelivery, 5m dedup window.
func DefaultConfig() Config {
	return Config{
		VisibilityTimeout:   300 * time.Second,
		Retention:           time.Hour,
		DeadLetterRetention: 24 * time.Hour,
		MaxReceiveCount:     1,
		DedupWindow:         5 * time.Minute,
	}
}

// Message is a Reading claimed by a consumer.
type Message struct {
	ID              string
	Reading         models.Reading
	DeliveryAttempt int
	EnqueuedAt      time.Time
	// VisibleAt is when the claim lapses and the message is released again.
	VisibleAt time.Time
	// Receipt identifies this claim. Ack and Nack must present it; a receipt from an
	// earlier claim of the same message is stale and settles nothing.
	Receipt string
}

// DeadLetter is a message that left the main queue without being acknowledged.
type DeadLetter struct {
	MessageID      string         `json:"message_id"`
	Reading        models.Reading `json:"reading"`
	Attempts       int            `json:"attempts"`
	Reason         string         `json:"reason"`
	LastError      string         `json:"last_error,omitempty"`
	EnqueuedAt     time.Time      `json:"enqueued_at"`
	DeadLetteredAt time.Time      `json:"dead_lettered_at"`
}

// Stats is a point-in-time view of queue depth.
type Stats struct {
	Pending      int `json:"pending"`
	InFlight     int `json:"in_flight"`
	DeadLettered int `json:"dead_lettered"`
}

// EnqueueResult reports the outcome of an Enqueue call.
type EnqueueResult struct {
	MessageID string
	// Duplicate is true when the dedup key was already published inside the window;
	// nothing was enqueued and MessageID is empty.
	Duplicate bool
}

// Publisher is the producer side of the queue.
type Publisher interface {
	Enqueue(ctx context.Context, reading models.Reading) (EnqueueResult, error)
}

// Consumer is the consumer side of the queue.
type Consumer interface {
	// Receive claims up to max visible messages. An empty slice means nothing is visible.
	Receive(ctx context.Context, max int) ([]Message, error)
	// Ack removes a message for good. Acking an unknown or already removed id, or presenting
	// a receipt that is not the current claim's, is a no-op.
	Ack(ctx context.Context, id, receipt string) error
	// Nack releases an in-flight message after delay, recording cause as its last error.
	// A message that already used its receive budget is dead-lettered instead.
	// Nacking a message that is not in flight under receipt is a no-op.
	Nack(ctx context.Context, id, receipt string, delay time.Duration, cause error) error
}

// Inspector exposes read-only views for operators.
type Inspector interface {
	Stats(ctx context.Context) (Stats, error)
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
}

// Queue is the full queue contract.
type Queue interface {
	Publisher
	Consumer
	Inspector
}

func recordEnqueue(result EnqueueResult, err error) {
	switch {
	case err != nil:
		observability.QueueEnqueueTotal.WithLabelValues("error").Inc()
	case result.Duplicate:
		observability.QueueEnqueueTotal.WithLabelValues("duplicate").Inc()
	default:
		observability.QueueEnqueueTotal.WithLabelValues("enqueued").Inc()
	}
}

func causeString(cause error) string {
	if cause == nil {
		return ""
	}
	return cause.Error()
}
