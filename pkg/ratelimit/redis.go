package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// countScript increments and sets the window expiry in one round trip so a
// burst across gateway replicas shares a single counter.
var countScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
return {current, ttl}
`)

// RedisLimiter shares fixed windows across processes, falling back to the
// in-memory limiter when Redis is unreachable.
type RedisLimiter struct {
	Client   *redis.Client
	Span     time.Duration
	Prefix   string
	Fallback *InMemoryLimiter
}

func NewRedis(client *redis.Client, span time.Duration) *RedisLimiter {
	if span <= 0 {
		span = time.Minute
	}
	return &RedisLimiter{
		Client:   client,
		Span:     span,
		Prefix:   "tenure:rl:",
		Fallback: NewInMemory(span),
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	if l.Client == nil {
		return l.allowFallback(ctx, key, limit)
	}
	opCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	res, err := countScript.Run(opCtx, l.Client, []string{l.Prefix + key}, l.Span.Milliseconds()).Result()
	if err != nil {
		return l.allowFallback(ctx, key, limit)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return l.allowFallback(ctx, key, limit)
	}
	count, _ := vals[0].(int64)
	ttlMS, _ := vals[1].(int64)
	if ttlMS < 0 {
		ttlMS = l.Span.Milliseconds()
	}
	remaining := limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   int(count) <= limit,
		Count:     int(count),
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   time.Now().UTC().Add(time.Duration(ttlMS) * time.Millisecond),
	}
}

func (l *RedisLimiter) allowFallback(ctx context.Context, key string, limit int) Decision {
	if l.Fallback != nil {
		return l.Fallback.Allow(ctx, key, limit)
	}
	// Failing open beats refusing every request when both layers are gone.
	return Decision{Allowed: true, Limit: limit, Remaining: limit, ResetAt: time.Now().UTC().Add(l.Span)}
}
