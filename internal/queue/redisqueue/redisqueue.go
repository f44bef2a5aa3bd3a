// Package redisqueue implements the work queue on Redis for deployments
// that keep queue state out of the relational database. The pending list
// carries arrival order, a set tracks membership for idempotent enqueues,
// and a sorted set scored by claim deadline implements visibility. Steps
// that must not be torn apart by a crash or a concurrent worker run as Lua
// scripts, which Redis executes atomically.
package redisqueue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"transcribeq/internal/queue"
)

const (
	defaultKeyPrefix         = "transcribeq"
	defaultVisibilityTimeout = 5 * time.Minute
	defaultMaxDeliveries     = 3
)

// enqueueScript adds a job unless it is already tracked.
var enqueueScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 1 then
  return 0
end
redis.call("SADD", KEYS[1], ARGV[1])
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1
`)

// dequeueScript pops list entries until it finds one that is a live member
// with no active claim and room under the delivery cap, then claims it.
// Stale duplicates are discarded along the way. Entries at the cap are left
// to the janitor.
var dequeueScript = redis.NewScript(`
while true do
  local jobID = redis.call("LPOP", KEYS[1])
  if not jobID then
    return false
  end
  if redis.call("SISMEMBER", KEYS[2], jobID) == 1 then
    local score = redis.call("ZSCORE", KEYS[3], jobID)
    if (not score) or (tonumber(score) <= tonumber(ARGV[1])) then
      local attempts = tonumber(redis.call("HGET", KEYS[4], jobID) or "0")
      if attempts < tonumber(ARGV[4]) then
        attempts = attempts + 1
        redis.call("HSET", KEYS[4], jobID, attempts)
        redis.call("ZADD", KEYS[3], ARGV[2], jobID)
        redis.call("HSET", KEYS[5], jobID, ARGV[3])
        return {jobID, attempts}
      end
    end
  end
end
`)

// requeueScript moves lapsed claims below the delivery cap back into the
// pending list.
var requeueScript = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
local requeued = 0
for _, jobID in ipairs(expired) do
  local attempts = tonumber(redis.call("HGET", KEYS[2], jobID) or "0")
  if attempts < tonumber(ARGV[2]) then
    redis.call("ZREM", KEYS[1], jobID)
    redis.call("HDEL", KEYS[3], jobID)
    redis.call("RPUSH", KEYS[4], jobID)
    requeued = requeued + 1
  end
end
return requeued
`)

// extendScript pushes out the deadline of a claim the worker still holds.
var extendScript = redis.NewScript(`
if redis.call("HGET", KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if (not score) or (tonumber(score) <= tonumber(ARGV[3])) then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[4], ARGV[1])
return 1
`)

// Options tune queue behavior.
type Options struct {
	// KeyPrefix namespaces every key this queue touches.
	KeyPrefix string

	// VisibilityTimeout is how long a claimed entry stays hidden before it
	// becomes claimable again.
	VisibilityTimeout time.Duration

	// MaxDeliveries caps how many times one entry may be claimed.
	MaxDeliveries int
}

// RedisQueue is the Redis implementation of the work queue.
type RedisQueue struct {
	rdb           *redis.Client
	visibility    time.Duration
	maxDeliveries int
	now           func() time.Time

	pendingKey  string
	membersKey  string
	claimsKey   string
	attemptsKey string
	ownersKey   string
}

var _ queue.Queue = (*RedisQueue)(nil)

// New returns a queue persisting through rdb.
func New(rdb *redis.Client, opts Options) *RedisQueue {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = defaultVisibilityTimeout
	}
	if opts.MaxDeliveries <= 0 {
		opts.MaxDeliveries = defaultMaxDeliveries
	}

	return &RedisQueue{
		rdb:           rdb,
		visibility:    opts.VisibilityTimeout,
		maxDeliveries: opts.MaxDeliveries,
		now:           time.Now,
		pendingKey:    opts.KeyPrefix + ":queue:pending",
		membersKey:    opts.KeyPrefix + ":queue:members",
		claimsKey:     opts.KeyPrefix + ":queue:claims",
		attemptsKey:   opts.KeyPrefix + ":queue:attempts",
		ownersKey:     opts.KeyPrefix + ":queue:owners",
	}
}

// Enqueue adds jobID unless it is already tracked.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string) error {
	err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.membersKey, q.pendingKey},
		jobID).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", jobID, err)
	}
	return nil
}

// Dequeue claims the oldest visible entry for workerID. Lapsed claims below
// the delivery cap are requeued before giving up on an empty list.
func (q *RedisQueue) Dequeue(ctx context.Context, workerID string) (*queue.Delivery, error) {
	d, err := q.claim(ctx, workerID)
	if err == nil || !errors.Is(err, queue.ErrEmpty) {
		return d, err
	}

	requeued, err := requeueScript.Run(ctx, q.rdb,
		[]string{q.claimsKey, q.attemptsKey, q.ownersKey, q.pendingKey},
		q.nowNanos(), q.maxDeliveries).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to requeue lapsed claims: %w", err)
	}
	if requeued == 0 {
		return nil, queue.ErrEmpty
	}
	return q.claim(ctx, workerID)
}

func (q *RedisQueue) claim(ctx context.Context, workerID string) (*queue.Delivery, error) {
	now := q.now()
	deadline := now.Add(q.visibility)

	res, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.pendingKey, q.membersKey, q.claimsKey, q.attemptsKey, q.ownersKey},
		nanos(now), nanos(deadline), workerID, q.maxDeliveries).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, queue.ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim queue entry: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("unexpected claim reply of length %d", len(res))
	}

	jobID, ok := res[0].(string)
	if !ok {
		return nil, fmt.Errorf("unexpected claim reply job id %T", res[0])
	}
	attempt, ok := res[1].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected claim reply attempt %T", res[1])
	}

	return &queue.Delivery{JobID: jobID, Attempt: int(attempt)}, nil
}

// Ack removes every trace of jobID from the queue.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, q.membersKey, jobID)
	pipe.ZRem(ctx, q.claimsKey, jobID)
	pipe.HDel(ctx, q.attemptsKey, jobID)
	pipe.HDel(ctx, q.ownersKey, jobID)
	pipe.LRem(ctx, q.pendingKey, 0, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job %s: %w", jobID, err)
	}
	return nil
}

// Extend pushes out the claim deadline for an entry workerID still holds.
func (q *RedisQueue) Extend(ctx context.Context, jobID, workerID string) error {
	now := q.now()
	extended, err := extendScript.Run(ctx, q.rdb,
		[]string{q.claimsKey, q.ownersKey},
		jobID, workerID, nanos(now), nanos(now.Add(q.visibility))).Int()
	if err != nil {
		return fmt.Errorf("failed to extend claim on job %s: %w", jobID, err)
	}
	if extended == 0 {
		return queue.ErrClaimNotHeld
	}
	return nil
}

// Depth reports the length of the pending list.
func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	depth, err := q.rdb.LLen(ctx, q.pendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to measure queue depth: %w", err)
	}
	return int(depth), nil
}

// Expired lists entries at the delivery cap whose last claim has lapsed.
func (q *RedisQueue) Expired(ctx context.Context) ([]queue.Delivery, error) {
	lapsed, err := q.rdb.ZRangeByScore(ctx, q.claimsKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: q.nowNanos(),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list lapsed claims: %w", err)
	}

	var deliveries []queue.Delivery
	for _, jobID := range lapsed {
		raw, err := q.rdb.HGet(ctx, q.attemptsKey, jobID).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read attempts for job %s: %w", jobID, err)
		}
		attempts, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt attempt count for job %s: %w", jobID, err)
		}
		if attempts >= q.maxDeliveries {
			deliveries = append(deliveries, queue.Delivery{JobID: jobID, Attempt: attempts})
		}
	}
	return deliveries, nil
}

func (q *RedisQueue) nowNanos() string {
	return nanos(q.now())
}

func nanos(t time.Time) string {
	return strconv.FormatInt(t.UnixNano(), 10)
}
