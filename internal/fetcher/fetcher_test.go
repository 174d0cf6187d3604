package fetcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/client"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/dedup"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/observability"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/queue"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/secrets"
)

type mockProvider struct {
	mu      sync.Mutex
	calls   int
	gotKey  string
	gotCorr string
	obs     client.Observation
	err     error
}

func (m *mockProvider) FetchCurrent(ctx context.Context, loc client.Location, apiKey string) (client.Observation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.gotKey = apiKey
	m.gotCorr = observability.CorrelationID(ctx)
	return m.obs, m.err
}

type mockPublisher struct {
	errs     []error
	calls    int
	readings []models.Reading
}

func (m *mockPublisher) Enqueue(ctx context.Context, r models.Reading) (queue.EnqueueResult, error) {
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return queue.EnqueueResult{}, err
		}
	}
	m.readings = append(m.readings, r)
	return queue.EnqueueResult{MessageID: "m-1"}, nil
}

var nyc = client.Location{ID: "NYC", Name: "New York"}

func nycObservation() client.Observation {
	return client.Observation{
		ObservedAt: time.Unix(1000, 0),
		Payload:    map[string]any{"temperature": 18.2, "conditions": "cloudy"},
	}
}

func newTestFetcher(p client.WeatherProvider, pub queue.Publisher, store secrets.Store, logger *zap.Logger) *Fetcher {
	f := New(p, pub, store, Config{Location: nyc, InvocationTimeout: time.Second}, logger)
	f.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return f
}

// TestRunCycle_DuplicateTriggerEnqueuesOnce covers a second fetch of the same observation.
func TestRunCycle_DuplicateTriggerEnqueuesOnce(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultConfig(), dedup.NewMemoryStore(nil), nil, nil)
	provider := &mockProvider{obs: nycObservation()}
	f := newTestFetcher(provider, q, secrets.Static{secrets.WeatherAPIKey: "key-1234567890"}, nil)
	ctx := context.Background()

	first, err := f.RunCycle(ctx)
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if !first.Enqueued || first.MessageID == "" {
		t.Fatalf("first cycle = %+v, want enqueued", first)
	}
	wantKey := models.DedupKey("NYC", time.Unix(1000, 0))
	if first.Reading.DedupKey != wantKey {
		t.Errorf("DedupKey = %s, want %s", first.Reading.DedupKey, wantKey)
	}

	second, err := f.RunCycle(ctx)
	if err != nil {
		t.Fatalf("second RunCycle() error = %v", err)
	}
	if !second.Duplicate || second.Enqueued {
		t.Errorf("second cycle = %+v, want duplicate", second)
	}

	stats, _ := q.Stats(ctx)
	if stats.Pending != 1 {
		t.Errorf("Pending = %d, want 1", stats.Pending)
	}
	msgs, _ := q.Receive(ctx, 10)
	if len(msgs) != 1 || msgs[0].Reading.Payload["conditions"] != "cloudy" || msgs[0].Reading.SourceID != "NYC" {
		t.Errorf("queued messages = %+v", msgs)
	}
	if provider.calls != 2 {
		t.Errorf("provider calls = %d, want one per cycle", provider.calls)
	}
}

func TestRunCycle_PassesSecretAndCorrelationID(t *testing.T) {
	provider := &mockProvider{obs: nycObservation()}
	f := newTestFetcher(provider, &mockPublisher{}, secrets.Static{secrets.WeatherAPIKey: "key-from-store"}, nil)

	res, err := f.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if provider.gotKey != "key-from-store" {
		t.Errorf("provider got key %q", provider.gotKey)
	}
	if provider.gotCorr == "" || provider.gotCorr != res.CycleID {
		t.Errorf("correlation id = %q, want cycle id %q", provider.gotCorr, res.CycleID)
	}
}

func TestRunCycle_ProviderFailureSkipsWithoutEnqueue(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	provider := &mockProvider{err: client.ErrUpstreamFailure}
	pub := &mockPublisher{}
	f := newTestFetcher(provider, pub, secrets.Static{secrets.WeatherAPIKey: "k"}, zap.New(core))

	res, err := f.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v, want nil", err)
	}
	if !res.Skipped || res.Reason != string(client.ErrorCategoryUpstream5xx) {
		t.Errorf("result = %+v, want skipped with upstream_5xx", res)
	}
	if pub.calls != 0 {
		t.Errorf("Enqueue called %d times, want 0", pub.calls)
	}
	if logs.FilterMessage("Weather provider call failed").Len() != 1 {
		t.Errorf("expected provider failure to be logged")
	}
}

func TestRunCycle_MissingSecretSkips(t *testing.T) {
	provider := &mockProvider{obs: nycObservation()}
	pub := &mockPublisher{}
	f := newTestFetcher(provider, pub, secrets.Static{}, nil)

	res, err := f.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if !res.Skipped || res.Reason != string(client.ErrorCategoryMissingSecret) {
		t.Errorf("result = %+v, want skipped with missing_secret", res)
	}
	if provider.calls != 0 || pub.calls != 0 {
		t.Errorf("provider/enqueue calls = %d/%d, want 0/0", provider.calls, pub.calls)
	}
}

func TestRunCycle_EnqueueRetriesTransient(t *testing.T) {
	pub := &mockPublisher{errs: []error{queue.ErrTransient, queue.ErrTransient}}
	f := newTestFetcher(&mockProvider{obs: nycObservation()}, pub, secrets.Static{secrets.WeatherAPIKey: "k"}, nil)
	f.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	res, err := f.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if !res.Enqueued {
		t.Errorf("result = %+v, want enqueued", res)
	}
	if pub.calls != 3 {
		t.Errorf("Enqueue calls = %d, want 3", pub.calls)
	}
}

func TestRunCycle_EnqueueFailureFailsCycle(t *testing.T) {
	pub := &mockPublisher{errs: []error{queue.ErrTransient, queue.ErrTransient, queue.ErrTransient}}
	var delays []time.Duration
	f := newTestFetcher(&mockProvider{obs: nycObservation()}, pub, secrets.Static{secrets.WeatherAPIKey: "k"}, nil)
	f.sleep = func(ctx context.Context, d time.Duration) error { delays = append(delays, d); return nil }

	_, err := f.RunCycle(context.Background())
	if !errors.Is(err, queue.ErrTransient) {
		t.Fatalf("RunCycle() error = %v, want ErrTransient", err)
	}
	if pub.calls != 3 {
		t.Errorf("Enqueue calls = %d, want 3", pub.calls)
	}
	if len(delays) != 2 || delays[1] != 2*delays[0] {
		t.Errorf("retry delays = %v, want two doubling delays", delays)
	}
}

func TestRunCycle_NonTransientEnqueueErrorNotRetried(t *testing.T) {
	pub := &mockPublisher{errs: []error{queue.ErrInvalidReading}}
	f := newTestFetcher(&mockProvider{obs: nycObservation()}, pub, secrets.Static{secrets.WeatherAPIKey: "k"}, nil)

	if _, err := f.RunCycle(context.Background()); !errors.Is(err, queue.ErrInvalidReading) {
		t.Fatalf("RunCycle() error = %v", err)
	}
	if pub.calls != 1 {
		t.Errorf("Enqueue calls = %d, want 1", pub.calls)
	}
}

func TestCycleLabel(t *testing.T) {
	tests := []struct {
		result CycleResult
		err    error
		want   string
	}{
		{CycleResult{Enqueued: true}, nil, "enqueued"},
		{CycleResult{Duplicate: true}, nil, "duplicate"},
		{CycleResult{Skipped: true}, nil, "skipped"},
		{CycleResult{}, errors.New("x"), "failed"},
	}
	for _, tt := range tests {
		if got := cycleLabel(tt.result, tt.err); got != tt.want {
			t.Errorf("cycleLabel(%+v, %v) = %q, want %q", tt.result, tt.err, got, tt.want)
		}
	}
}
