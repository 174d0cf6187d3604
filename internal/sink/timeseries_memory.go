package sink

import (
	"context"
	"sort"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
)

// MemoryTimeseries keeps points and rollups in process memory.
type MemoryTimeseries struct {
	mu        sync.Mutex
	retention Retention
	clock     clock.Clock
	points    map[string]map[int64]Point              // source -> observed unix -> point
	rollups   map[string]map[int64]map[string]float64 // source -> bucket unix -> dedup key -> temperature
}

// NewMemoryTimeseries creates an empty store. A nil clk uses the wall clock.
func NewMemoryTimeseries(retention Retention, clk clock.Clock) *MemoryTimeseries {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &MemoryTimeseries{
		retention: retention.withDefaults(),
		clock:     clk,
		points:    make(map[string]map[int64]Point),
		rollups:   make(map[string]map[int64]map[string]float64),
	}
}

// Write implements TimeseriesStore.
func (m *MemoryTimeseries) Write(ctx context.Context, r models.Reading) (err error) {
	start := time.Now()
	defer func() { observe(NameTimeseries, start, err) }()
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	p := pointFrom(r)
	if m.points[p.SourceID] == nil {
		m.points[p.SourceID] = make(map[int64]Point)
	}
	m.points[p.SourceID][p.ObservedAt.Unix()] = p

	if t, ok := p.Values[models.PayloadTemperature]; ok {
		b := m.retention.bucket(p.ObservedAt).Unix()
		if m.rollups[p.SourceID] == nil {
			m.rollups[p.SourceID] = make(map[int64]map[string]float64)
		}
		if m.rollups[p.SourceID][b] == nil {
			m.rollups[p.SourceID][b] = make(map[string]float64)
		}
		m.rollups[p.SourceID][b][p.DedupKey] = t
	}

	m.trimLocked()
	return nil
}

// Points returns the raw points of source ordered by observation time.
func (m *MemoryTimeseries) Points(source string) []Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimLocked()

	out := make([]Point, 0, len(m.points[source]))
	for _, p := range m.points[source] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out
}

// Rollups returns the rollup buckets of source ordered by bucket start.
func (m *MemoryTimeseries) Rollups(source string) []Rollup {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trimLocked()

	out := make([]Rollup, 0, len(m.rollups[source]))
	for b, temps := range m.rollups[source] {
		out = append(out, rollupOf(time.Unix(b, 0).UTC(), temps))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BucketStart.Before(out[j].BucketStart) })
	return out
}

func (m *MemoryTimeseries) trimLocked() {
	now := m.clock.Now()
	rawCutoff := now.Add(-m.retention.Raw).Unix()
	rollupCutoff := now.Add(-m.retention.Rollup).Unix()
	res := int64(m.retention.Resolution / time.Second)

	for source, pts := range m.points {
		for at := range pts {
			if at < rawCutoff {
				delete(pts, at)
			}
		}
		if len(pts) == 0 {
			delete(m.points, source)
		}
	}
	for source, buckets := range m.rollups {
		for b := range buckets {
			// A bucket expires once its end falls outside the rollup window.
			if b+res < rollupCutoff {
				delete(buckets, b)
			}
		}
		if len(buckets) == 0 {
			delete(m.rollups, source)
		}
	}
}
