package processor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/dedup"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/observability"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/queue"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/sink"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/traffic"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/validation"
)

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// callLog records sink calls in order across both fakes.
type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, s)
}

func (l *callLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

type fakeNotifier struct {
	log     *callLog
	mu      sync.Mutex
	errs    []error
	calls   int
	corrIDs []string
	panics  bool
}

func (f *fakeNotifier) Notify(ctx context.Context, r models.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("formatter exploded")
	}
	f.calls++
	f.corrIDs = append(f.corrIDs, observability.CorrelationID(ctx))
	if f.log != nil {
		f.log.add(sink.NameNotification)
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStore struct {
	log   *callLog
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeStore) Write(ctx context.Context, r models.Reading) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.log != nil {
		f.log.add(sink.NameTimeseries)
	}
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func nycReading() models.Reading {
	return models.NewReading("NYC", time.Unix(1000, 0), map[string]any{"temperature": 18.2, "conditions": "cloudy"})
}

func newQueue(t *testing.T) (*queue.MemoryQueue, *fakeclock.FakeClock) {
	t.Helper()
	clk := fakeclock.NewFakeClock(epoch)
	return queue.NewMemoryQueue(queue.DefaultConfig(), dedup.NewMemoryStore(clk), clk, nil), clk
}

func testConfig() Config {
	return Config{InvocationTimeout: time.Second, MaxReceiveCount: queue.DefaultConfig().MaxReceiveCount}
}

func receiveOne(t *testing.T, q queue.Consumer) queue.Message {
	t.Helper()
	msgs, err := q.Receive(context.Background(), 1)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Receive() returned %d messages, want 1", len(msgs))
	}
	return msgs[0]
}

func enqueue(t *testing.T, q queue.Publisher, r models.Reading) {
	t.Helper()
	if _, err := q.Enqueue(context.Background(), r); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
}

// TestHandle_NotificationFailsOnceThenAcked: the first delivery fails on the notification
// sink, the redelivery succeeds and is acked.
func TestHandle_NotificationFailsOnceThenAcked(t *testing.T) {
	traffic.Reset()
	q, _ := newQueue(t)
	notifier := &fakeNotifier{errs: []error{sink.ErrWebhookRejected}}
	store := &fakeStore{}
	p := New(q, notifier, store, testConfig(), nil)
	enqueue(t, q, nycReading())

	first := receiveOne(t, q)
	if err := p.Handle(context.Background(), first); !errors.Is(err, sink.ErrWebhookRejected) {
		t.Fatalf("Handle() attempt 1 error = %v, want ErrWebhookRejected", err)
	}

	second := receiveOne(t, q)
	if second.ID != first.ID || second.DeliveryAttempt != 2 {
		t.Fatalf("redelivery = %s attempt %d, want %s attempt 2", second.ID, second.DeliveryAttempt, first.ID)
	}
	if err := p.Handle(context.Background(), second); err != nil {
		t.Fatalf("Handle() attempt 2 error = %v", err)
	}

	stats, _ := q.Stats(context.Background())
	if stats != (queue.Stats{}) {
		t.Errorf("Stats() = %+v, want empty queue after ack", stats)
	}
	if dl, _ := q.DeadLetters(context.Background()); len(dl) != 0 {
		t.Errorf("dead letters = %d, want 0", len(dl))
	}
	if notifier.count() != 2 || store.calls != 2 {
		t.Errorf("notifier calls = %d, store calls = %d, want 2 each", notifier.count(), store.calls)
	}
	if c := traffic.Snapshot(time.Minute); c.Acked != 1 || c.Failed != 1 || c.DeadLettered != 0 {
		t.Errorf("traffic = %+v, want 1 acked and 1 failed", c)
	}
}

// TestHandle_BothSinksFailTwiceDeadLetters: both sinks fail on attempt 1 and 2, the message
// lands in the dead-letter sink and leaves the main queue.
func TestHandle_BothSinksFailTwiceDeadLetters(t *testing.T) {
	traffic.Reset()
	q, _ := newQueue(t)
	storeErr := errors.New("storage unavailable")
	notifier := &fakeNotifier{errs: []error{sink.ErrWebhookRejected, sink.ErrWebhookRejected}}
	store := &fakeStore{errs: []error{storeErr, storeErr}}
	p := New(q, notifier, store, testConfig(), nil)
	enqueue(t, q, nycReading())

	for attempt := 1; attempt <= 2; attempt++ {
		msg := receiveOne(t, q)
		if msg.DeliveryAttempt != attempt {
			t.Fatalf("DeliveryAttempt = %d, want %d", msg.DeliveryAttempt, attempt)
		}
		if err := p.Handle(context.Background(), msg); !errors.Is(err, storeErr) {
			t.Fatalf("Handle() attempt %d error = %v, want storage error", attempt, err)
		}
	}

	msgs, _ := q.Receive(context.Background(), 1)
	if len(msgs) != 0 {
		t.Fatalf("Receive() after dead-letter returned %d messages", len(msgs))
	}
	dl, _ := q.DeadLetters(context.Background())
	if len(dl) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dl))
	}
	if dl[0].Attempts != 2 || dl[0].Reason != queue.ReasonMaxReceiveExceeded {
		t.Errorf("dead letter = %+v, want 2 attempts and max_receive_exceeded", dl[0])
	}
	if dl[0].LastError == "" {
		t.Error("dead letter should record the last sink error")
	}
	if stats, _ := q.Stats(context.Background()); stats.Pending != 0 || stats.InFlight != 0 || stats.DeadLettered != 1 {
		t.Errorf("Stats() = %+v", stats)
	}
	// Storage failed first, so the notifier never ran.
	if notifier.count() != 0 {
		t.Errorf("notifier calls = %d, want 0", notifier.count())
	}
	if c := traffic.Snapshot(time.Minute); c.Failed != 1 || c.DeadLettered != 1 {
		t.Errorf("traffic = %+v, want 1 failed and 1 dead-lettered", c)
	}
}

// unsettledQueue is a MemoryQueue whose Nack always fails.
type unsettledQueue struct {
	*queue.MemoryQueue
}

func (q unsettledQueue) Nack(ctx context.Context, id, receipt string, delay time.Duration, cause error) error {
	return queue.ErrTransient
}

func TestHandle_FailedNackOnFinalAttemptNotCountedAsDeadLettered(t *testing.T) {
	traffic.Reset()
	mq, clk := newQueue(t)
	q := unsettledQueue{mq}
	p := New(q, &fakeNotifier{errs: []error{errors.New("boom"), errors.New("boom")}}, nil, testConfig(), nil)
	enqueue(t, q, nycReading())

	_ = p.Handle(context.Background(), receiveOne(t, q))
	clk.Increment(queue.DefaultConfig().VisibilityTimeout)
	final := receiveOne(t, q)
	if final.DeliveryAttempt != 2 {
		t.Fatalf("DeliveryAttempt = %d, want 2", final.DeliveryAttempt)
	}
	_ = p.Handle(context.Background(), final)

	if c := traffic.Snapshot(time.Minute); c.Failed != 2 || c.DeadLettered != 0 {
		t.Errorf("traffic = %+v, want 2 failed and none dead-lettered", c)
	}
	if stats, _ := q.Stats(context.Background()); stats.InFlight != 1 || stats.DeadLettered != 0 {
		t.Errorf("Stats() = %+v, want the message still claimed", stats)
	}
}

func TestHandle_WritesTimeseriesBeforeNotifying(t *testing.T) {
	q, _ := newQueue(t)
	log := &callLog{}
	notifier := &fakeNotifier{log: log}
	p := New(q, notifier, &fakeStore{log: log}, testConfig(), nil)
	enqueue(t, q, nycReading())

	msg := receiveOne(t, q)
	if err := p.Handle(context.Background(), msg); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	got := log.snapshot()
	if len(got) != 2 || got[0] != sink.NameTimeseries || got[1] != sink.NameNotification {
		t.Errorf("sink order = %v, want [timeseries notification]", got)
	}
	if notifier.corrIDs[0] != msg.ID {
		t.Errorf("correlation id = %q, want message id %q", notifier.corrIDs[0], msg.ID)
	}
}

func TestHandle_DisabledSinkSkipped(t *testing.T) {
	q, _ := newQueue(t)
	store := &fakeStore{}
	p := New(q, nil, store, testConfig(), nil)
	enqueue(t, q, nycReading())

	if err := p.Handle(context.Background(), receiveOne(t, q)); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if store.calls != 1 {
		t.Errorf("store calls = %d, want 1", store.calls)
	}
}

func TestHandle_InvalidReadingNackedWithoutSinks(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	q, _ := newQueue(t)
	notifier, store := &fakeNotifier{}, &fakeStore{}
	p := New(q, notifier, store, testConfig(), zap.New(core))
	enqueue(t, q, models.NewReading("NYC", time.Unix(1000, 0), map[string]any{"humidity": 40.0}))

	err := p.Handle(context.Background(), receiveOne(t, q))
	if !errors.Is(err, validation.ErrInvalidReading) {
		t.Fatalf("Handle() error = %v, want ErrInvalidReading", err)
	}
	if notifier.count() != 0 || store.calls != 0 {
		t.Error("sinks must not be called for an invalid reading")
	}
	// Same cutoff as any other failure: one redelivery, then the dead-letter sink.
	if err := p.Handle(context.Background(), receiveOne(t, q)); err == nil {
		t.Fatal("Handle() attempt 2 expected validation error")
	}
	if dl, _ := q.DeadLetters(context.Background()); len(dl) != 1 {
		t.Errorf("dead letters = %d, want 1", len(dl))
	}
	if logs.FilterMessage("Invalid reading").Len() != 2 {
		t.Error("expected invalid reading to be logged per attempt")
	}
	if logs.FilterMessage("Message failed its final attempt").Len() != 1 {
		t.Error("expected final attempt warning")
	}
}

func TestHandle_NackUsesBackoff(t *testing.T) {
	q, clk := newQueue(t)
	cfg := testConfig()
	cfg.BackoffBase = 10 * time.Second
	cfg.BackoffMax = time.Minute
	p := New(q, &fakeNotifier{errs: []error{errors.New("boom")}}, nil, cfg, nil)
	enqueue(t, q, nycReading())

	_ = p.Handle(context.Background(), receiveOne(t, q))

	if msgs, _ := q.Receive(context.Background(), 1); len(msgs) != 0 {
		t.Fatal("message visible before backoff elapsed")
	}
	clk.Increment(10 * time.Second)
	if msg := receiveOne(t, q); msg.DeliveryAttempt != 2 {
		t.Errorf("DeliveryAttempt = %d, want 2", msg.DeliveryAttempt)
	}
}

func TestHandle_CanceledContextStillSettles(t *testing.T) {
	q, _ := newQueue(t)
	p := New(q, nil, &fakeStore{}, testConfig(), nil)
	enqueue(t, q, nycReading())
	msg := receiveOne(t, q)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// The store fake ignores ctx, so delivery succeeds and the ack must still go through.
	if err := p.Handle(ctx, msg); err != nil {
		t.Fatalf("Handle() error = %v", err)
	}
	if stats, _ := q.Stats(context.Background()); stats.InFlight != 0 {
		t.Errorf("Stats() = %+v, want message acked", stats)
	}
}

func TestSafeHandle_RecoversPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	q, _ := newQueue(t)
	p := New(q, &fakeNotifier{panics: true}, nil, testConfig(), zap.New(core))
	enqueue(t, q, nycReading())

	if err := p.safeHandle(context.Background(), receiveOne(t, q)); err == nil {
		t.Fatal("safeHandle() expected error from panic")
	}
	if logs.FilterMessage("Panic while processing message").Len() != 1 {
		t.Error("expected panic to be logged")
	}
	if msg := receiveOne(t, q); msg.DeliveryAttempt != 2 {
		t.Errorf("DeliveryAttempt = %d, want 2 after panic nack", msg.DeliveryAttempt)
	}
}

func TestRun_DrainsQueueUntilCanceled(t *testing.T) {
	q := queue.NewMemoryQueue(queue.DefaultConfig(), dedup.NewMemoryStore(nil), nil, nil)
	notifier := &fakeNotifier{}
	cfg := testConfig()
	cfg.Workers = 2
	cfg.PollInterval = 10 * time.Millisecond
	p := New(q, notifier, nil, cfg, nil)

	for i := 0; i < 5; i++ {
		enqueue(t, q, models.NewReading("NYC", time.Unix(int64(1000+i), 0), map[string]any{"temperature": 18.2, "conditions": "cloudy"}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for notifier.count() < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	if notifier.count() != 5 {
		t.Errorf("notifier calls = %d, want 5", notifier.count())
	}
	if stats, _ := q.Stats(context.Background()); stats != (queue.Stats{}) {
		t.Errorf("Stats() = %+v, want drained queue", stats)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		base    time.Duration
		limit   time.Duration
		want    time.Duration
	}{
		{1, 0, time.Minute, 0},
		{1, 5 * time.Second, time.Minute, 5 * time.Second},
		{2, 5 * time.Second, time.Minute, 10 * time.Second},
		{3, 5 * time.Second, time.Minute, 20 * time.Second},
		{5, 5 * time.Second, time.Minute, time.Minute},
		{40, 5 * time.Second, time.Minute, time.Minute},
		{3, 5 * time.Second, 0, 20 * time.Second},
		{0, 5 * time.Second, time.Minute, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt, tt.base, tt.limit); got != tt.want {
			t.Errorf("Backoff(%d, %v, %v) = %v, want %v", tt.attempt, tt.base, tt.limit, got, tt.want)
		}
	}
}
