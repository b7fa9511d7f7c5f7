package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenBucketScript runs the bucket atomically so every instance shares it.
// KEYS[1] bucket key, ARGV: rate/s, capacity, cost, now (seconds).
// Returns {allowed, retry_after_ms}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])
if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
local retry_ms = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
else
    retry_ms = math.ceil((cost - tokens) / rate * 1000)
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, math.ceil(capacity / rate) + 60)
return {allowed, retry_ms}
`)

// RedisStore shares buckets across instances.
type RedisStore struct {
	client redis.Scripter
	prefix string
	clock  func() time.Time
}

// NewRedisStore uses client for all buckets, keyed "avrt:ratelimit:<actor>".
func NewRedisStore(client redis.Scripter) *RedisStore {
	return &RedisStore{client: client, prefix: "avrt:ratelimit:", clock: time.Now}
}

// Dial connects to a single Redis node.
func Dial(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
}

func (s *RedisStore) Allow(ctx context.Context, actorID string, policy Policy, cost int) (Decision, error) {
	now := float64(s.clock().UnixMicro()) / 1e6
	res, err := tokenBucketScript.Run(ctx, s.client, []string{s.prefix + actorID},
		float64(limitOf(policy)), burstOf(policy), cost, now).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("redis limiter: %w", err)
	}

	vals, ok := res.([]interface{})
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	allowed, _ := vals[0].(int64)
	retryMS, _ := vals[1].(int64)
	return Decision{Allowed: allowed == 1, RetryAfter: time.Duration(retryMS) * time.Millisecond}, nil
}
