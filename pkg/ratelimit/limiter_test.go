package ratelimit

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryLimiterWindow(t *testing.T) {
	t.Parallel()

	l := NewInMemory(50 * time.Millisecond)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		d := l.Allow(ctx, "t1", 3)
		if !d.Allowed || d.Count != i || d.Remaining != 3-i {
			t.Fatalf("request %d: unexpected decision %+v", i, d)
		}
	}
	d := l.Allow(ctx, "t1", 3)
	if d.Allowed || d.Count != 4 || d.Remaining != 0 {
		t.Fatalf("expected fourth request denied, got %+v", d)
	}

	// Another key has its own window.
	if d := l.Allow(ctx, "t2", 3); !d.Allowed || d.Count != 1 {
		t.Fatalf("unexpected decision for fresh key: %+v", d)
	}

	time.Sleep(80 * time.Millisecond)
	if d := l.Allow(ctx, "t1", 3); !d.Allowed || d.Count != 1 {
		t.Fatalf("expected window reset, got %+v", d)
	}
}

func TestInMemoryLimiterDefaults(t *testing.T) {
	t.Parallel()

	l := NewInMemory(0)
	if l.span != time.Minute {
		t.Fatalf("expected one minute default span, got %v", l.span)
	}
	d := l.Allow(context.Background(), "t1", 0)
	if !d.Allowed || d.Limit != 1 {
		t.Fatalf("expected non-positive limit coerced to 1, got %+v", d)
	}
}
