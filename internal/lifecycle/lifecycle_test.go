package lifecycle

import "testing"

func TestShuttingDown(t *testing.T) {
	SetShuttingDown(false)
	if IsShuttingDown() || !ShuttingDownSince().IsZero() {
		t.Fatal("process should start serving")
	}

	SetShuttingDown(true)
	defer SetShuttingDown(false)
	first := ShuttingDownSince()
	if !IsShuttingDown() || first.IsZero() {
		t.Fatal("SetShuttingDown(true) should mark draining with a start time")
	}

	SetShuttingDown(true)
	if got := ShuttingDownSince(); !got.Equal(first) {
		t.Errorf("repeated SetShuttingDown(true) moved start time %v -> %v", first, got)
	}

	SetShuttingDown(false)
	if IsShuttingDown() {
		t.Error("SetShuttingDown(false) should clear draining")
	}
}
