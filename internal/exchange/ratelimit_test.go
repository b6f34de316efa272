package exchange

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

func TestNewRateLimit(t *testing.T) {
	t.Parallel()

	l := NewRateLimit(time.Second, 5)
	if got := l.Limit(); got != rate.Limit(5) {
		t.Errorf("Limit() = %v, want 5", got)
	}

	l = NewRateLimit(10*time.Second, 50)
	if got := l.Limit(); got != rate.Limit(5) {
		t.Errorf("Limit() = %v, want 5 (50 per 10s)", got)
	}
}

func TestNewRateLimitUnrestricted(t *testing.T) {
	t.Parallel()

	for _, l := range []*rate.Limiter{
		NewRateLimit(0, 5),
		NewRateLimit(time.Second, 0),
	} {
		if got := l.Limit(); got != rate.Inf {
			t.Errorf("Limit() = %v, want Inf", got)
		}
	}
}

func TestRateLimitWaitBlocks(t *testing.T) {
	t.Parallel()

	// Burst 1 at 10/sec, so the second Wait blocks ~100ms.
	l := NewRateLimit(time.Second, 10)
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := l.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)

	if elapsed < 50*time.Millisecond {
		t.Errorf("expected blocking ~100ms, got %v", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("blocked too long: %v", elapsed)
	}
}

func TestRateLimitContextCancelled(t *testing.T) {
	t.Parallel()

	l := NewRateLimit(time.Minute, 1) // very slow refill
	_ = l.Wait(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx); err == nil {
		t.Error("expected context error, got nil")
	}
}
