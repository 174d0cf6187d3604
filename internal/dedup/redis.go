package dedup

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store with SET NX PX.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a RedisStore; keys are written as prefix + "dedup:" + key.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix + keyPrefix}
}

// Claim implements Store.Claim.
func (s *RedisStore) Claim(ctx context.Context, key string, window time.Duration) (bool, error) {
	if window < time.Millisecond {
		window = time.Millisecond
	}
	return s.client.SetNX(ctx, s.prefix+key, 1, window).Result()
}

// Release implements Store.Release.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key).Err()
}
