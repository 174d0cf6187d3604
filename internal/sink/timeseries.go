package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/circuitbreaker"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
)

// Retention is the two-tier retention policy of a time-series store: raw points are kept for
// Raw, rollup buckets of width Resolution are kept for Rollup.
type Retention struct {
	Raw        time.Duration
	Rollup     time.Duration
	Resolution time.Duration
}

// DefaultRetention keeps raw points for a day and hourly rollups for 30 days.
func DefaultRetention() Retention {
	return Retention{Raw: 24 * time.Hour, Rollup: 30 * 24 * time.Hour, Resolution: time.Hour}
}

func (r Retention) withDefaults() Retention {
	d := DefaultRetention()
	if r.Raw <= 0 {
		r.Raw = d.Raw
	}
	if r.Rollup <= 0 {
		r.Rollup = d.Rollup
	}
	if r.Resolution <= 0 {
		r.Resolution = d.Resolution
	}
	return r
}

// bucket returns the start of the rollup bucket holding t.
func (r Retention) bucket(t time.Time) time.Time {
	return t.UTC().Truncate(r.Resolution)
}

// Point is one stored raw observation.
type Point struct {
	SourceID   string             `json:"source_id"`
	ObservedAt time.Time          `json:"observed_at"`
	DedupKey   string             `json:"dedup_key"`
	Values     map[string]float64 `json:"values"`
}

func pointFrom(r models.Reading) Point {
	return Point{
		SourceID:   r.SourceID,
		ObservedAt: r.ObservedAt.UTC(),
		DedupKey:   r.DedupKey,
		Values:     numericFields(r.Payload),
	}
}

// Rollup aggregates the temperature of every distinct Reading in one bucket.
type Rollup struct {
	BucketStart time.Time
	Count       int
	Min         float64
	Max         float64
	Mean        float64
}

func rollupOf(start time.Time, temps map[string]float64) Rollup {
	r := Rollup{BucketStart: start, Count: len(temps)}
	if r.Count == 0 {
		return r
	}
	first := true
	var sum float64
	for _, t := range temps {
		if first || t < r.Min {
			r.Min = t
		}
		if first || t > r.Max {
			r.Max = t
		}
		first = false
		sum += t
	}
	r.Mean = sum / float64(r.Count)
	return r
}

type breakerStore struct {
	next    TimeseriesStore
	breaker *gobreaker.CircuitBreaker
}

// WithBreaker guards store with breaker. Calls fail fast with ErrCircuitOpen while it is open.
func WithBreaker(store TimeseriesStore, breaker *gobreaker.CircuitBreaker) TimeseriesStore {
	if breaker == nil {
		return store
	}
	return &breakerStore{next: store, breaker: breaker}
}

func (b *breakerStore) Write(ctx context.Context, r models.Reading) error {
	_, err := b.breaker.Execute(func() (interface{}, error) {
		return nil, b.next.Write(ctx, r)
	})
	if circuitbreaker.IsOpen(err) {
		return fmt.Errorf("%w: %s: %v", ErrCircuitOpen, NameTimeseries, err)
	}
	return err
}
