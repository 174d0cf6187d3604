// Package traffic keeps a sliding window of message processing outcomes. The health endpoint
// reads the failure rate from it.
package traffic

import (
	"sync"
	"time"
)

// retainFor bounds how far back outcomes are kept; windows longer than this see only retainFor.
const retainFor = time.Hour

var defaultTracker Tracker

// RecordAcked records a message that was processed and acked.
func RecordAcked() {
	defaultTracker.RecordAcked()
}

// RecordFailed records a message that was nacked and will be redelivered.
func RecordFailed() {
	defaultTracker.RecordFailed()
}

// RecordDeadLettered records a message that failed its final delivery attempt.
func RecordDeadLettered() {
	defaultTracker.RecordDeadLettered()
}

// Snapshot returns outcome counts within the window.
func Snapshot(window time.Duration) Counts {
	return defaultTracker.Snapshot(window)
}

// FailureRate returns (failures, total) within the window. Failures include dead-letter bound
// messages.
func FailureRate(window time.Duration) (failures, total int) {
	return defaultTracker.FailureRate(window)
}

// Reset clears all recorded outcomes. For tests only.
func Reset() {
	defaultTracker.Reset()
}

// Counts are outcome totals within a window.
type Counts struct {
	Acked        int `json:"acked"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// Tracker maintains sliding windows of outcome timestamps.
type Tracker struct {
	mu        sync.Mutex
	acked     []time.Time
	failed    []time.Time
	deadBound []time.Time
	now       func() time.Time
}

func (t *Tracker) RecordAcked()        { t.record(&t.acked) }
func (t *Tracker) RecordFailed()       { t.record(&t.failed) }
func (t *Tracker) RecordDeadLettered() { t.record(&t.deadBound) }

func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

func (t *Tracker) record(slice *[]time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.clock()
	*slice = append(*slice, now)
	t.pruneLocked(now)
}

// Snapshot returns outcome counts within the window.
func (t *Tracker) Snapshot(window time.Duration) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.clock().Add(-window)
	return Counts{
		Acked:        countSince(t.acked, cutoff),
		Failed:       countSince(t.failed, cutoff),
		DeadLettered: countSince(t.deadBound, cutoff),
	}
}

// FailureRate returns (failures, total) within the window.
func (t *Tracker) FailureRate(window time.Duration) (failures, total int) {
	c := t.Snapshot(window)
	failures = c.Failed + c.DeadLettered
	return failures, failures + c.Acked
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.acked, t.failed, t.deadBound = nil, nil, nil
}

// countSince counts timestamps not before cutoff.
func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops outcomes older than retainFor. Must be called with mu held.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-retainFor)
	prune := func(slice *[]time.Time) {
		times := *slice
		i := 0
		for i < len(times) && times[i].Before(cutoff) {
			i++
		}
		if i > 0 {
			*slice = append(times[:0], times[i:]...)
		}
	}
	prune(&t.acked)
	prune(&t.failed)
	prune(&t.deadBound)
}
