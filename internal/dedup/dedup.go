package dedup

import (
	"context"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
)

// Store remembers dedup keys for a window. Claim returns true only for the first caller
// inside the window; Release forgets a claim whose publish did not go through.
type Store interface {
	Claim(ctx context.Context, key string, window time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// MemoryStore implements Store with a map guarded by a mutex. Expired keys are swept on Claim.
type MemoryStore struct {
	mu    sync.Mutex
	clock clock.Clock
	keys  map[string]time.Time // key -> expiry
}

// NewMemoryStore creates an in-memory store. A nil clock uses the wall clock.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &MemoryStore{
		clock: clk,
		keys:  make(map[string]time.Time),
	}
}

// Claim implements Store.Claim.
func (s *MemoryStore) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.sweepLocked(now)
	if exp, ok := s.keys[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.keys[key] = now.Add(window)
	return true, nil
}

// Release implements Store.Release. Releasing an unknown key is a no-op.
func (s *MemoryStore) Release(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
	return nil
}

// Len returns the number of live keys.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(s.clock.Now())
	return len(s.keys)
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for k, exp := range s.keys {
		if !now.Before(exp) {
			delete(s.keys, k)
		}
	}
}
