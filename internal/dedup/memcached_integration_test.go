//go:build integration
// +build integration

package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestMemcachedStore_Claim_Integration verifies Add-based claims against a local memcached.
func TestMemcachedStore_Claim_Integration(t *testing.T) {
	s := NewMemcachedStore("localhost:11211", 500*time.Millisecond, 2)
	defer s.Close()
	if err := s.Ping(); err != nil {
		t.Skipf("memcached not reachable: %v", err)
	}

	ctx := context.Background()
	key := uuid.NewString()
	ok, err := s.Claim(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Claim() = %v, %v; want true, nil", ok, err)
	}
	ok, err = s.Claim(ctx, key, time.Minute)
	if err != nil || ok {
		t.Fatalf("second Claim() = %v, %v; want false, nil", ok, err)
	}
	if err := s.Release(ctx, key); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := s.Release(ctx, key); err != nil {
		t.Fatalf("second Release() error = %v", err)
	}
}
