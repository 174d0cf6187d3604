package traffic

import (
	"testing"
	"time"
)

func TestSnapshot_Empty(t *testing.T) {
	Reset()
	if c := Snapshot(time.Minute); c != (Counts{}) {
		t.Errorf("Snapshot() = %+v, want zero", c)
	}
}

func TestRecord_AndSnapshot(t *testing.T) {
	Reset()
	RecordAcked()
	RecordAcked()
	RecordFailed()
	RecordDeadLettered()

	want := Counts{Acked: 2, Failed: 1, DeadLettered: 1}
	if c := Snapshot(time.Minute); c != want {
		t.Errorf("Snapshot() = %+v, want %+v", c, want)
	}
}

func TestFailureRate_CountsDeadLetterBound(t *testing.T) {
	Reset()
	RecordAcked()
	RecordFailed()
	RecordDeadLettered()
	failures, total := FailureRate(time.Minute)
	if failures != 2 || total != 3 {
		t.Errorf("FailureRate() = (%d, %d), want (2, 3)", failures, total)
	}
}

func TestTracker_WindowAndPrune(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	tr := &Tracker{now: func() time.Time { return now }}

	tr.RecordFailed()
	now = now.Add(10 * time.Minute)
	tr.RecordAcked()

	if f, total := tr.FailureRate(5 * time.Minute); f != 0 || total != 1 {
		t.Errorf("FailureRate(5m) = (%d, %d), want (0, 1)", f, total)
	}
	if f, total := tr.FailureRate(15 * time.Minute); f != 1 || total != 2 {
		t.Errorf("FailureRate(15m) = (%d, %d), want (1, 2)", f, total)
	}

	now = now.Add(2 * time.Hour)
	tr.RecordAcked()
	if len(tr.failed) != 0 || len(tr.acked) != 1 {
		t.Errorf("after prune failed=%d acked=%d, want 0 and 1", len(tr.failed), len(tr.acked))
	}
}

func TestReset(t *testing.T) {
	RecordAcked()
	RecordFailed()
	Reset()
	if failures, total := FailureRate(time.Minute); failures != 0 || total != 0 {
		t.Errorf("FailureRate() = (%d, %d), want (0, 0)", failures, total)
	}
}
