package dedup

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
)

const keyPrefix = "dedup:"

// MemcachedStore implements Store with memcached Add, which only stores absent keys.
type MemcachedStore struct {
	client *memcache.Client
}

// NewMemcachedStore creates a MemcachedStore. addrs is a comma-separated list
// (e.g. "localhost:11211" or "host1:11211,host2:11211"). timeout and maxIdleConns
// use package defaults if zero.
func NewMemcachedStore(addrs string, timeout time.Duration, maxIdleConns int) *MemcachedStore {
	servers := parseAddrs(addrs)
	if len(servers) == 0 {
		servers = []string{"localhost:11211"}
	}
	client := memcache.New(servers...)
	if timeout > 0 {
		client.Timeout = timeout
	}
	if maxIdleConns > 0 {
		client.MaxIdleConns = maxIdleConns
	}
	return &MemcachedStore{client: client}
}

func parseAddrs(s string) []string {
	var out []string
	for _, a := range strings.Split(s, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			out = append(out, a)
		}
	}
	return out
}

// Claim implements Store.Claim.
func (s *MemcachedStore) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	err := s.client.Add(&memcache.Item{
		Key:        keyPrefix + key,
		Value:      []byte{1},
		Expiration: expirationSeconds(window),
	})
	if errors.Is(err, memcache.ErrNotStored) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Release implements Store.Release.
func (s *MemcachedStore) Release(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	err := s.client.Delete(keyPrefix + key)
	if errors.Is(err, memcache.ErrCacheMiss) {
		return nil
	}
	return err
}

// Ping checks if memcached is reachable. Used for health checks.
func (s *MemcachedStore) Ping() error {
	return s.client.Ping()
}

// Close closes the memcached client connections. Call during shutdown.
func (s *MemcachedStore) Close() error {
	return s.client.Close()
}

// expirationSeconds converts window to memcached's relative expiry, rounding up.
func expirationSeconds(window time.Duration) int32 {
	const maxRelativeExp = 30 * 24 * 60 * 60 // larger values are read as unix timestamps
	secs := int32((window + time.Second - 1) / time.Second)
	if secs <= 0 {
		secs = 1
	}
	if secs > maxRelativeExp {
		secs = maxRelativeExp
	}
	return secs
}
