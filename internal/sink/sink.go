// Package sink delivers processed Readings to their outputs: a chat webhook and a time-series
// store. Every sink must tolerate receiving the same Reading more than once.
package sink

import (
	"context"
	"errors"
	"time"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/observability"
)

// Sink names used in metrics and logs.
const (
	NameNotification = "notification"
	NameTimeseries   = "timeseries"
)

var (
	// ErrWebhookRejected is returned when the webhook answers with a non-2xx status.
	ErrWebhookRejected = errors.New("webhook rejected message")
	// ErrCircuitOpen is returned while a sink's breaker is open.
	ErrCircuitOpen = errors.New("sink circuit open")
)

// Notifier sends a human-readable notification for a Reading. Redelivery of a Reading sends
// the notification again; there is no cross-delivery suppression.
type Notifier interface {
	Notify(ctx context.Context, r models.Reading) error
}

// TimeseriesStore persists a Reading keyed on (source_id, observed_at). Writing the same
// Reading twice leaves the store as if it was written once.
type TimeseriesStore interface {
	Write(ctx context.Context, r models.Reading) error
}

func observe(sink string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.SinkCallsTotal.WithLabelValues(sink, status).Inc()
	observability.SinkDuration.WithLabelValues(sink).Observe(time.Since(start).Seconds())
}
