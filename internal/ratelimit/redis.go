package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua script for atomic check-and-increment. GET → check → INCR as separate
// commands would race between concurrent workers; the script makes the whole
// admission a single Redis operation.
const acquireLuaScript = `
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])

local current = tonumber(redis.call("GET", key) or "0")

if current >= limit then
    return {0, 0}
end

local newVal = redis.call("INCR", key)
if newVal == 1 then
    redis.call("EXPIRE", key, ttl)
end

return {1, limit - newVal}
`

// Lua script for compensating release: decrement without going below zero.
const releaseLuaScript = `
local key = KEYS[1]

local current = tonumber(redis.call("GET", key) or "0")
if current > 0 then
    redis.call("DECR", key)
end
return current
`

// RedisLimiter is a fixed-window limiter whose counter lives in Redis,
// shared across all worker processes. Keys are bucketed by window index so
// the reset is implicit in the key name; TTL covers two windows so stale
// buckets expire on their own.
type RedisLimiter struct {
	redis  *redis.Client
	name   string
	limit  uint
	window time.Duration

	acquireScript *redis.Script
	releaseScript *redis.Script

	now func() time.Time
}

// NewRedisLimiter creates a cluster-wide limiter with pre-compiled Lua
// scripts. name namespaces the counter key (one per provider).
func NewRedisLimiter(client *redis.Client, name string, limit uint, window time.Duration) (*RedisLimiter, error) {
	if limit == 0 || window <= 0 {
		return nil, ErrInvalidLimit
	}
	return &RedisLimiter{
		redis:         client,
		name:          name,
		limit:         limit,
		window:        window,
		acquireScript: redis.NewScript(acquireLuaScript),
		releaseScript: redis.NewScript(releaseLuaScript),
		now:           time.Now,
	}, nil
}

// NewRedisLimiterFromURL connects to Redis and builds a limiter, verifying
// the connection with a bounded ping.
func NewRedisLimiterFromURL(redisURL, name string, limit uint, window time.Duration) (*RedisLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewRedisLimiter(client, name, limit, window)
}

// Acquire atomically checks and increments the current window's counter.
func (l *RedisLimiter) Acquire(ctx context.Context) (Admission, error) {
	now := l.now()
	bucket := now.UnixNano() / int64(l.window)
	key := l.bucketKey(bucket)
	resetAt := time.Unix(0, (bucket+1)*int64(l.window))

	ttl := int64(2 * l.window / time.Second)
	if ttl < 1 {
		ttl = 1
	}

	result, err := l.acquireScript.Run(ctx, l.redis, []string{key}, l.limit, ttl).Slice()
	if err != nil {
		return Admission{}, fmt.Errorf("rate limit check failed: %w", err)
	}

	allowed := result[0].(int64) == 1
	remaining := result[1].(int64)
	if remaining < 0 {
		remaining = 0
	}

	return Admission{
		Allowed:   allowed,
		Remaining: uint(remaining),
		ResetAt:   resetAt,
	}, nil
}

// Release returns one unit to the current window's counter.
func (l *RedisLimiter) Release(ctx context.Context) error {
	bucket := l.now().UnixNano() / int64(l.window)
	key := l.bucketKey(bucket)

	if _, err := l.releaseScript.Run(ctx, l.redis, []string{key}).Result(); err != nil {
		return fmt.Errorf("rate limit release failed: %w", err)
	}
	return nil
}

// Close closes the underlying Redis connection.
func (l *RedisLimiter) Close() error {
	return l.redis.Close()
}

func (l *RedisLimiter) bucketKey(bucket int64) string {
	return fmt.Sprintf("ratelimit:%s:%d", l.name, bucket)
}
