package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisStore_ClaimAndExpire(t *testing.T) {
	mr, client := newTestRedis(t)
	s := NewRedisStore(client, "weather:")
	ctx := context.Background()

	ok, err := s.Claim(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first Claim() = %v, %v; want true, nil", ok, err)
	}
	if !mr.Exists("weather:dedup:k") {
		t.Error("expected prefixed key weather:dedup:k in redis")
	}
	ok, err = s.Claim(ctx, "k", time.Minute)
	if err != nil || ok {
		t.Fatalf("second Claim() = %v, %v; want false, nil", ok, err)
	}

	mr.FastForward(time.Minute + time.Second)
	ok, err = s.Claim(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("Claim() after window = %v, %v; want true, nil", ok, err)
	}
}

func TestRedisStore_Release(t *testing.T) {
	_, client := newTestRedis(t)
	s := NewRedisStore(client, "")
	ctx := context.Background()

	_, _ = s.Claim(ctx, "k", time.Hour)
	if err := s.Release(ctx, "k"); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	ok, _ := s.Claim(ctx, "k", time.Hour)
	if !ok {
		t.Error("Claim() after Release = false, want true")
	}
}
