package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the verdict for one request against a fixed window.
type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key within a fixed window. Keys are scoped by
// the caller, typically per tenant.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

type window struct {
	hits    int
	resetAt time.Time
}

// InMemoryLimiter is the single-process fallback limiter.
type InMemoryLimiter struct {
	mu      sync.Mutex
	span    time.Duration
	windows map[string]window
}

func NewInMemory(span time.Duration) *InMemoryLimiter {
	if span <= 0 {
		span = time.Minute
	}
	return &InMemoryLimiter{span: span, windows: make(map[string]window)}
}

func (l *InMemoryLimiter) Allow(ctx context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, k)
		}
	}
	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = window{resetAt: now.Add(l.span)}
	}
	w.hits++
	l.windows[key] = w
	remaining := limit - w.hits
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.hits <= limit,
		Count:     w.hits,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}
}
