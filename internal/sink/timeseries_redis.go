package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/redis/go-redis/v9"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
)

// RedisTimeseries stores points in Redis. Per source it keeps a sorted set of dedup keys scored
// by observation time, a hash of point bodies, and one hash per rollup bucket.
type RedisTimeseries struct {
	client    *redis.Client
	prefix    string
	retention Retention
	clock     clock.Clock
}

// NewRedisTimeseries creates a store writing under prefix + "ts:".
func NewRedisTimeseries(client *redis.Client, prefix string, retention Retention, clk clock.Clock) *RedisTimeseries {
	if clk == nil {
		clk = clock.NewClock()
	}
	return &RedisTimeseries{
		client:    client,
		prefix:    prefix + "ts:",
		retention: retention.withDefaults(),
		clock:     clk,
	}
}

func (s *RedisTimeseries) rawKey(source string) string    { return s.prefix + source + ":raw" }
func (s *RedisTimeseries) pointsKey(source string) string { return s.prefix + source + ":points" }
func (s *RedisTimeseries) rollupKey(source string, bucket time.Time) string {
	return s.prefix + source + ":rollup:" + strconv.FormatInt(bucket.Unix(), 10)
}

// Write implements TimeseriesStore.
func (s *RedisTimeseries) Write(ctx context.Context, r models.Reading) (err error) {
	start := time.Now()
	defer func() { observe(NameTimeseries, start, err) }()

	p := pointFrom(r)
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode point: %w", err)
	}
	now := s.clock.Now()
	bucket := s.retention.bucket(p.ObservedAt)
	rollupTTL := bucket.Add(s.retention.Resolution + s.retention.Rollup).Sub(now)
	temp, hasTemp := p.Values[models.PayloadTemperature]

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, s.rawKey(p.SourceID), redis.Z{Score: float64(p.ObservedAt.Unix()), Member: p.DedupKey})
		pipe.HSet(ctx, s.pointsKey(p.SourceID), p.DedupKey, body)
		pipe.Expire(ctx, s.rawKey(p.SourceID), s.retention.Raw)
		pipe.Expire(ctx, s.pointsKey(p.SourceID), s.retention.Raw)
		if hasTemp && rollupTTL > 0 {
			key := s.rollupKey(p.SourceID, bucket)
			pipe.HSet(ctx, key, p.DedupKey, temp)
			pipe.Expire(ctx, key, rollupTTL)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write point: %w", err)
	}
	return s.trim(ctx, p.SourceID, now)
}

// trim drops raw points observed before the raw retention window.
func (s *RedisTimeseries) trim(ctx context.Context, source string, now time.Time) error {
	cutoff := "(" + strconv.FormatInt(now.Add(-s.retention.Raw).Unix(), 10)
	old, err := s.client.ZRangeByScore(ctx, s.rawKey(source), &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return fmt.Errorf("trim points: %w", err)
	}
	if len(old) == 0 {
		return nil
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, s.pointsKey(source), old...)
		pipe.ZRemRangeByScore(ctx, s.rawKey(source), "-inf", cutoff)
		return nil
	})
	if err != nil {
		return fmt.Errorf("trim points: %w", err)
	}
	return nil
}

// Points returns the raw points of source ordered by observation time.
func (s *RedisTimeseries) Points(ctx context.Context, source string) ([]Point, error) {
	keys, err := s.client.ZRange(ctx, s.rawKey(source), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	bodies, err := s.client.HMGet(ctx, s.pointsKey(source), keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Point, 0, len(bodies))
	for _, b := range bodies {
		raw, ok := b.(string)
		if !ok {
			continue
		}
		var p Point
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("decode point: %w", err)
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ObservedAt.Before(out[j].ObservedAt) })
	return out, nil
}

// Rollup returns the rollup bucket of source containing at.
func (s *RedisTimeseries) Rollup(ctx context.Context, source string, at time.Time) (Rollup, error) {
	bucket := s.retention.bucket(at)
	fields, err := s.client.HGetAll(ctx, s.rollupKey(source, bucket)).Result()
	if err != nil {
		return Rollup{}, err
	}
	temps := make(map[string]float64, len(fields))
	for k, v := range fields {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Rollup{}, fmt.Errorf("decode rollup value %q: %w", v, err)
		}
		temps[k] = f
	}
	return rollupOf(bucket, temps), nil
}
