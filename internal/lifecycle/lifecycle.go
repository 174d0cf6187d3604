// Package lifecycle holds the process-wide draining flag.
package lifecycle

import (
	"sync/atomic"
	"time"
)

var since atomic.Int64 // unix nanos when draining began, 0 while serving

// SetShuttingDown marks the process as draining (or serving again). While draining, /health
// answers 503 and workers stop receiving new messages.
func SetShuttingDown(v bool) {
	if !v {
		since.Store(0)
		return
	}
	since.CompareAndSwap(0, time.Now().UnixNano())
}

// IsShuttingDown reports whether the process is draining.
func IsShuttingDown() bool {
	return since.Load() != 0
}

// ShuttingDownSince returns when draining began, or the zero time.
func ShuttingDownSince() time.Time {
	n := since.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
