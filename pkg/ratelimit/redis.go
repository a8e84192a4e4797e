package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow prunes expired members, then either records the action and
// returns 0 or returns the milliseconds until the oldest member expires.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  redis.call('PEXPIRE', key, window)
  return 0
end
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local wait = tonumber(oldest[2]) + window - now
if wait < 1 then
  wait = 1
end
return wait
`)

// Redis shares each window across every worker process, giving a global
// per-destination limit.
type Redis struct {
	client *redis.Client
	window time.Duration
	prefix string
}

func NewRedis(client *redis.Client, window time.Duration) *Redis {
	if window <= 0 {
		window = time.Minute
	}
	return &Redis{client: client, window: window, prefix: "robopost:ratelimit:"}
}

func (r *Redis) Acquire(ctx context.Context, key string, limit int) (time.Duration, error) {
	if limit <= 0 {
		return 0, nil
	}
	start := time.Now()
	redisKey := r.prefix + key
	for {
		now := time.Now().UnixMilli()
		wait, err := slidingWindow.Run(ctx, r.client, []string{redisKey},
			now, r.window.Milliseconds(), limit, uuid.NewString()).Int64()
		if err != nil {
			return time.Since(start), fmt.Errorf("rate limit window %s: %w", key, err)
		}
		if wait == 0 {
			return time.Since(start), nil
		}
		if err := sleepCtx(ctx, time.Duration(wait)*time.Millisecond); err != nil {
			return time.Since(start), err
		}
	}
}
