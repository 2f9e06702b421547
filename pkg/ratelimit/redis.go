package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindowScript enforces an exact sliding window atomically.
// KEYS[1] = window key
// ARGV[1] = window length (ms)
// ARGV[2] = limit
// ARGV[3] = now (unix ms)
// ARGV[4] = unique member for this request
// Returns {allowed, reset_at_ms}.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

redis.call("ZREMRANGEBYSCORE", key, 0, now - window)

local count = redis.call("ZCARD", key)
if count < limit then
    redis.call("ZADD", key, now, ARGV[4])
    redis.call("PEXPIRE", key, window)
    return {1, 0}
end

local oldest = redis.call("ZRANGE", key, 0, 0, "WITHSCORES")
local reset = now + window
if oldest[2] then
    reset = tonumber(oldest[2]) + window
end
return {0, reset}
`)

// RedisLimiter implements the sliding window across gateway replicas.
type RedisLimiter struct {
	client *redis.Client
	window time.Duration
}

func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client, window: time.Minute}
}

func (l *RedisLimiter) Allow(ctx context.Context, actorID, workspaceID, mode string, perMinute int) (Decision, error) {
	if perMinute <= 0 {
		return Decision{Allowed: true}, nil
	}
	key := fmt.Sprintf("draftgate:rl:%s:%s:%s", workspaceID, actorID, mode)
	now := time.Now()

	res, err := slidingWindowScript.Run(ctx, l.client, []string{key},
		l.window.Milliseconds(), perMinute, now.UnixMilli(), uuid.NewString()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: redis script: %w", err)
	}

	vals, ok := res.([]any)
	if !ok || len(vals) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script result %v", res)
	}
	allowed, _ := vals[0].(int64)
	resetMs, _ := vals[1].(int64)

	d := Decision{Allowed: allowed == 1}
	if !d.Allowed {
		d.ResetAt = time.UnixMilli(resetMs)
	}
	return d, nil
}
