// Package ratelimit throttles job submissions with a token bucket kept
// in Redis, so the limit holds across API replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"marketjobs/internal/config"
)

const keyPrefix = "ratelimit:"

// TokenBucket grants submission slots from a shared bucket. Refill is
// continuous, computed from the elapsed time since the last take.
type TokenBucket struct {
	client   *redis.Client
	capacity int
	refill   float64
	ttl      time.Duration
}

func NewTokenBucket(client *redis.Client, cfg config.RateLimitConfig) *TokenBucket {
	return &TokenBucket{
		client:   client,
		capacity: cfg.Capacity,
		refill:   cfg.RefillPerSec,
		ttl:      cfg.TTL,
	}
}

// Allow takes one token for the caller identified by key. It reports
// whether the submission may proceed and how many tokens remain.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, b.client, []string{keyPrefix + key},
		b.capacity, b.refill, now, b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("rate limit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("rate limit script: unexpected reply %T", res)
	}
	allowed, ok := arr[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("rate limit script: unexpected flag %T", arr[0])
	}
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		_, _ = fmt.Sscanf(v, "%f", &tokens)
	}
	return allowed == 1, tokens, nil
}

// The bucket lives in one hash per key: current tokens plus the
// timestamp of the last take. Everything runs inside the script so
// concurrent submitters cannot double-spend a token.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HMSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
