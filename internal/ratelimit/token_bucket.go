package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Decision is the outcome of one submission check.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// OwnerLimiter throttles job submissions per owner with a Redis token bucket.
type OwnerLimiter struct {
	client   *redis.Client
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
}

// NewOwnerLimiter constructs a limiter. A non-positive capacity disables limiting.
func NewOwnerLimiter(client *redis.Client, capacity int, refillPerSecond float64) *OwnerLimiter {
	ttl := time.Hour
	if refillPerSecond > 0 && capacity > 0 {
		// long enough for an idle bucket to refill completely
		ttl = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Minute
	}
	return &OwnerLimiter{client: client, capacity: capacity, refill: refillPerSecond, ttl: ttl}
}

func bucketKey(owner string) string {
	return "ratelimit:submit:" + owner
}

// Allow consumes a token from owner's bucket if one is available.
func (l *OwnerLimiter) Allow(ctx context.Context, owner string) (Decision, error) {
	if l.capacity <= 0 {
		return Decision{Allowed: true}, nil
	}
	now := time.Now().UnixMilli()
	res, err := bucketScript.Run(ctx, l.client, []string{bucketKey(owner)}, l.capacity, l.refill, now, l.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("rate limit: unexpected script reply %T", res)
	}
	allowed, _ := arr[0].(int64)
	tokens, err := parseTokens(arr[1])
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit: %w", err)
	}

	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed && l.refill > 0 {
		wait := (1 - tokens) / l.refill
		d.RetryAfter = time.Duration(math.Ceil(wait)) * time.Second
	}
	return d, nil
}

// tokens is returned as a string: Redis truncates Lua numbers to integers.
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

redis.call('HSET', key, 'tokens', tokens, 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)

// parseTokens reads the remaining token count, which Lua returns as an
// integer or as a tostring'd float.
func parseTokens(v any) (float64, error) {
	switch t := v.(type) {
	case int64:
		return float64(t), nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, fmt.Errorf("parse tokens %q: %w", t, err)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("unexpected tokens reply %T", v)
	}
}
