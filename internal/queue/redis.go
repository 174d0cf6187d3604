package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"code.cloudfoundry.org/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/dedup"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/models"
	"github.com/LaurentiuDaniel94/weatherFetcherAWS/internal/observability"
)

// Key layout under the configured prefix:
//
//	msg:{id}   hash     reading, attempts, enqueued_at, dedup_key, receipt, last_error, dead_at, reason
//	pending    list     ids visible to consumers, FIFO
//	inflight   zset     ids claimed by consumers, scored by visible-at (unix ms)
//	enqueued   zset     ids not yet acked or dead-lettered, scored by enqueue time
//	dead       zset     dead-lettered ids, scored by dead-letter time
//
// All timestamps come from the queue's clock and are passed in as arguments, so the
// scripts never read server time.

// reapScript releases expired claims, dead-letters stale pending messages and purges old
// dead letters. KEYS: pending, inflight, enqueued, dead.
// ARGV: now, maxReceive, retentionCutoff, deadCutoff, msgPrefix. Cutoffs of -1 disable the step.
// Returns a flat list of id, reason pairs that were dead-lettered.
const reapLua = `
local now = ARGV[1]
local maxReceive = tonumber(ARGV[2])
local msgPrefix = ARGV[5]
local dead = {}

local function deadLetter(id, reason)
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZREM', KEYS[3], id)
  redis.call('HDEL', msgPrefix .. id, 'receipt')
  redis.call('HSET', msgPrefix .. id, 'dead_at', now, 'reason', reason)
  redis.call('ZADD', KEYS[4], now, id)
  table.insert(dead, id)
  table.insert(dead, reason)
end

local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', now)
for _, id in ipairs(expired) do
  local attempts = tonumber(redis.call('HGET', msgPrefix .. id, 'attempts') or '0')
  if attempts > maxReceive then
    deadLetter(id, 'max_receive_exceeded')
  else
    redis.call('ZREM', KEYS[2], id)
    redis.call('HDEL', msgPrefix .. id, 'receipt')
    redis.call('RPUSH', KEYS[1], id)
  end
end

if ARGV[3] ~= '-1' then
  local stale = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[3])
  for _, id in ipairs(stale) do
    if not redis.call('ZSCORE', KEYS[2], id) then
      redis.call('LREM', KEYS[1], 0, id)
      deadLetter(id, 'retention_expired')
    end
  end
end

if ARGV[4] ~= '-1' then
  local purge = redis.call('ZRANGEBYSCORE', KEYS[4], '-inf', ARGV[4])
  for _, id in ipairs(purge) do
    redis.call('DEL', msgPrefix .. id)
    redis.call('ZREM', KEYS[4], id)
  end
end
`

// receiveScript runs the reap step, then claims up to max pending messages.
// Extra ARGV: visibleAt, max, then max receipts. Returns {claimed, dead} where claimed is a
// flat list of id, attempts, reading, enqueued_at, receipt.
var receiveScript = redis.NewScript(reapLua + `
local claimed = {}
local visibleAt = ARGV[6]
local max = tonumber(ARGV[7])
local slot = 8
while #claimed < max * 5 do
  local id = redis.call('LPOP', KEYS[1])
  if not id then break end
  local key = msgPrefix .. id
  if redis.call('EXISTS', key) == 1 then
    local receipt = ARGV[slot]
    slot = slot + 1
    local attempts = redis.call('HINCRBY', key, 'attempts', 1)
    redis.call('HSET', key, 'receipt', receipt)
    redis.call('ZADD', KEYS[2], visibleAt, id)
    local fields = redis.call('HMGET', key, 'reading', 'enqueued_at')
    table.insert(claimed, id)
    table.insert(claimed, attempts)
    table.insert(claimed, fields[1])
    table.insert(claimed, fields[2])
    table.insert(claimed, receipt)
  end
end
return {claimed, dead}
`)

var reapScript = redis.NewScript(reapLua + `
return dead
`)

// ackScript removes a message claimed under receipt.
// KEYS: pending, inflight, enqueued, dead. ARGV: id, msgKey, receipt.
var ackScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[4], ARGV[1]) then
  return 0
end
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) or redis.call('HGET', ARGV[2], 'receipt') ~= ARGV[3] then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('LREM', KEYS[1], 0, ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
return redis.call('DEL', ARGV[2])
`)

// nackScript releases an in-flight message. Returns 0 when the id is not in flight under
// receipt, 1 when released and 2 when dead-lettered.
// KEYS: pending, inflight, enqueued, dead.
// ARGV: id, msgKey, now, visibleAt, maxReceive, cause, receipt.
var nackScript = redis.NewScript(`
local id = ARGV[1]
local key = ARGV[2]
if not redis.call('ZSCORE', KEYS[2], id) or redis.call('HGET', key, 'receipt') ~= ARGV[7] then
  return 0
end
if ARGV[6] ~= '' then
  redis.call('HSET', key, 'last_error', ARGV[6])
end
local attempts = tonumber(redis.call('HGET', key, 'attempts') or '0')
if attempts > tonumber(ARGV[5]) then
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZREM', KEYS[3], id)
  redis.call('HDEL', key, 'receipt')
  redis.call('HSET', key, 'dead_at', ARGV[3], 'reason', 'max_receive_exceeded')
  redis.call('ZADD', KEYS[4], ARGV[3], id)
  return 2
end
if ARGV[4] == '' then
  redis.call('ZREM', KEYS[2], id)
  redis.call('HDEL', key, 'receipt')
  redis.call('RPUSH', KEYS[1], id)
else
  redis.call('ZADD', KEYS[2], ARGV[4], id)
end
return 1
`)

// RedisQueue implements Queue on Redis. State transitions run as Lua scripts so concurrent
// consumers in separate processes never claim the same message twice within a visibility window.
type RedisQueue struct {
	client *redis.Client
	cfg    Config
	dedup  dedup.Store
	clock  clock.Clock
	logger *zap.Logger

	msgPrefix string
	keys      []string
}

// NewRedisQueue creates a queue whose keys live under prefix. A nil clock uses the wall clock.
func NewRedisQueue(client *redis.Client, prefix string, cfg Config, store dedup.Store, clk clock.Clock, logger *zap.Logger) *RedisQueue {
	if clk == nil {
		clk = clock.NewClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisQueue{
		client:    client,
		cfg:       cfg,
		dedup:     store,
		clock:     clk,
		logger:    logger,
		msgPrefix: prefix + "msg:",
		keys: []string{
			prefix + "pending",
			prefix + "inflight",
			prefix + "enqueued",
			prefix + "dead",
		},
	}
}

// Ping checks connectivity to Redis.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if err := q.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil
}

// Enqueue implements Publisher.Enqueue.
func (q *RedisQueue) Enqueue(ctx context.Context, reading models.Reading) (result EnqueueResult, err error) {
	defer func() { recordEnqueue(result, err) }()

	if reading.DedupKey == "" {
		return EnqueueResult{}, ErrInvalidReading
	}
	body, err := json.Marshal(reading)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("encode reading: %w", err)
	}

	claimed, err := q.dedup.Claim(ctx, reading.DedupKey, q.cfg.DedupWindow)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("%w: dedup claim: %v", ErrTransient, err)
	}
	if !claimed {
		q.logger.Debug("Duplicate reading suppressed",
			zap.String("source_id", reading.SourceID),
			zap.String("dedup_key", reading.DedupKey),
		)
		return EnqueueResult{Duplicate: true}, nil
	}

	id := uuid.NewString()
	now := q.clock.Now().UnixMilli()
	_, err = q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, q.msgPrefix+id,
			"reading", body,
			"attempts", 0,
			"enqueued_at", now,
			"dedup_key", reading.DedupKey,
		)
		p.ZAdd(ctx, q.keys[2], redis.Z{Score: float64(now), Member: id})
		p.RPush(ctx, q.keys[0], id)
		return nil
	})
	if err != nil {
		if relErr := q.dedup.Release(context.Background(), reading.DedupKey); relErr != nil {
			q.logger.Warn("Failed to release dedup key after enqueue error",
				zap.String("dedup_key", reading.DedupKey),
				zap.Error(relErr),
			)
		}
		return EnqueueResult{}, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return EnqueueResult{MessageID: id}, nil
}

// Receive implements Consumer.Receive.
func (q *RedisQueue) Receive(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	now := q.clock.Now()
	args := append(q.reapArgs(now),
		now.Add(q.cfg.VisibilityTimeout).UnixMilli(),
		max,
	)
	for i := 0; i < max; i++ {
		args = append(args, uuid.NewString())
	}
	raw, err := receiveScript.Run(ctx, q.client, q.keys, args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("%w: receive: %v", ErrTransient, err)
	}
	if len(raw) != 2 {
		return nil, fmt.Errorf("receive: unexpected reply of %d elements", len(raw))
	}
	claimed, _ := raw[0].([]interface{})
	dead, _ := raw[1].([]interface{})
	q.reportDead(dead)

	visibleAt := time.UnixMilli(now.Add(q.cfg.VisibilityTimeout).UnixMilli())
	out := make([]Message, 0, len(claimed)/5)
	for i := 0; i+4 < len(claimed); i += 5 {
		id := toString(claimed[i])
		attempts, _ := claimed[i+1].(int64)
		var reading models.Reading
		if err := json.Unmarshal([]byte(toString(claimed[i+2])), &reading); err != nil {
			// Unreadable bodies stay claimed and age into the dead-letter sink.
			q.logger.Error("Failed to decode queued reading",
				zap.String("message_id", id),
				zap.Error(err),
			)
			continue
		}
		out = append(out, Message{
			ID:              id,
			Reading:         reading,
			DeliveryAttempt: int(attempts),
			EnqueuedAt:      parseMillis(toString(claimed[i+3])),
			VisibleAt:       visibleAt,
			Receipt:         toString(claimed[i+4]),
		})
	}
	observability.QueueReceivedTotal.Add(float64(len(out)))
	return out, nil
}

// Ack implements Consumer.Ack.
func (q *RedisQueue) Ack(ctx context.Context, id, receipt string) error {
	n, err := ackScript.Run(ctx, q.client, q.keys, id, q.msgPrefix+id, receipt).Int()
	if err != nil {
		return fmt.Errorf("%w: ack: %v", ErrTransient, err)
	}
	if n > 0 {
		observability.QueueAckedTotal.Inc()
	}
	return nil
}

// Nack implements Consumer.Nack.
func (q *RedisQueue) Nack(ctx context.Context, id, receipt string, delay time.Duration, cause error) error {
	now := q.clock.Now()
	visibleAt := ""
	if delay > 0 {
		visibleAt = strconv.FormatInt(now.Add(delay).UnixMilli(), 10)
	}
	n, err := nackScript.Run(ctx, q.client, q.keys,
		id, q.msgPrefix+id, now.UnixMilli(), visibleAt, q.cfg.MaxReceiveCount, causeString(cause), receipt,
	).Int()
	if err != nil {
		return fmt.Errorf("%w: nack: %v", ErrTransient, err)
	}
	switch n {
	case 1:
		observability.QueueNackedTotal.Inc()
	case 2:
		observability.QueueNackedTotal.Inc()
		q.reportDead([]interface{}{id, ReasonMaxReceiveExceeded})
	}
	return nil
}

// Stats implements Inspector.Stats.
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	if err := q.reap(ctx); err != nil {
		return Stats{}, err
	}
	var pending, inFlight, dead *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		pending = p.LLen(ctx, q.keys[0])
		inFlight = p.ZCard(ctx, q.keys[1])
		dead = p.ZCard(ctx, q.keys[3])
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("%w: stats: %v", ErrTransient, err)
	}
	return Stats{
		Pending:      int(pending.Val()),
		InFlight:     int(inFlight.Val()),
		DeadLettered: int(dead.Val()),
	}, nil
}

// DeadLetters implements Inspector.DeadLetters, oldest first.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	if err := q.reap(ctx); err != nil {
		return nil, err
	}
	ids, err := q.client.ZRange(ctx, q.keys[3], 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: dead letters: %v", ErrTransient, err)
	}
	out := make([]DeadLetter, 0, len(ids))
	for _, id := range ids {
		fields, err := q.client.HGetAll(ctx, q.msgPrefix+id).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: dead letter %s: %v", ErrTransient, id, err)
		}
		if len(fields) == 0 {
			continue
		}
		var reading models.Reading
		if err := json.Unmarshal([]byte(fields["reading"]), &reading); err != nil {
			q.logger.Warn("Failed to decode dead-lettered reading", zap.String("message_id", id), zap.Error(err))
		}
		attempts, _ := strconv.Atoi(fields["attempts"])
		out = append(out, DeadLetter{
			MessageID:      id,
			Reading:        reading,
			Attempts:       attempts,
			Reason:         fields["reason"],
			LastError:      fields["last_error"],
			EnqueuedAt:     parseMillis(fields["enqueued_at"]),
			DeadLetteredAt: parseMillis(fields["dead_at"]),
		})
	}
	return out, nil
}

// Depth reports queue depth for the metrics gauges, bounded by a 2s timeout.
func (q *RedisQueue) Depth() (pending, inFlight, deadLettered int, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s, err := q.Stats(ctx)
	return s.Pending, s.InFlight, s.DeadLettered, err
}

func (q *RedisQueue) reap(ctx context.Context) error {
	dead, err := reapScript.Run(ctx, q.client, q.keys, q.reapArgs(q.clock.Now())...).Slice()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: reap: %v", ErrTransient, err)
	}
	q.reportDead(dead)
	return nil
}

func (q *RedisQueue) reapArgs(now time.Time) []interface{} {
	retentionCutoff := int64(-1)
	if q.cfg.Retention > 0 {
		retentionCutoff = now.Add(-q.cfg.Retention).UnixMilli()
	}
	deadCutoff := int64(-1)
	if q.cfg.DeadLetterRetention > 0 {
		deadCutoff = now.Add(-q.cfg.DeadLetterRetention).UnixMilli()
	}
	return []interface{}{
		now.UnixMilli(),
		q.cfg.MaxReceiveCount,
		retentionCutoff,
		deadCutoff,
		q.msgPrefix,
	}
}

func (q *RedisQueue) reportDead(pairs []interface{}) {
	for i := 0; i+1 < len(pairs); i += 2 {
		id, reason := toString(pairs[i]), toString(pairs[i+1])
		observability.QueueDeadLetteredTotal.WithLabelValues(reason).Inc()
		q.logger.Warn("Message dead-lettered",
			zap.String("message_id", id),
			zap.String("reason", reason),
		)
	}
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return ""
	}
}

func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
