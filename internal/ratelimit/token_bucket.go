package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"wishlist-parser/internal/config"
)

// TokenBucket limits parse submissions per user with a token bucket kept in
// Redis, so every API replica shares the same budget.
type TokenBucket struct {
	client   *redis.Client
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

// NewTokenBucket constructs a bucket with the provided capacity/refill.
func NewTokenBucket(client *redis.Client, capacity int, refillPerSecond float64, ttl time.Duration) *TokenBucket {
	return &TokenBucket{
		client:   client,
		prefix:   "ratelimit:parse:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

func NewFromConfig(client *redis.Client, cfg config.Config) *TokenBucket {
	return NewTokenBucket(client, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL)
}

// KeyForUser returns the bucket key of a user.
func (b *TokenBucket) KeyForUser(userID string) string {
	if userID == "" {
		userID = "anonymous"
	}
	return b.prefix + userID
}

// AllowUser consumes one token from userID's bucket.
func (b *TokenBucket) AllowUser(ctx context.Context, userID string) (bool, error) {
	allowed, _, err := b.Allow(ctx, b.KeyForUser(userID))
	return allowed, err
}

// Allow consumes a single token for the given key if available.
// Returns allowed flag and remaining token count.
func (b *TokenBucket) Allow(ctx context.Context, key string) (bool, float64, error) {
	res, err := bucketScript.Run(ctx, b.client, []string{key},
		b.capacity, b.refill, b.now().UnixMilli(), b.ttl.Milliseconds()).Result()
	if err != nil {
		return false, 0, fmt.Errorf("token bucket %s: %w", key, err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return false, 0, fmt.Errorf("token bucket %s: unexpected reply %v", key, res)
	}
	allowed, _ := arr[0].(int64)
	var tokens float64
	switch v := arr[1].(type) {
	case int64:
		tokens = float64(v)
	case string:
		tokens, _ = strconv.ParseFloat(v, 64)
	}
	return allowed == 1, tokens, nil
}

// Lua numbers are truncated to integers in replies, so the remaining token
// count is returned as a string.
var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2]) -- tokens per second
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

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
