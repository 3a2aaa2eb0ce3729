package redis

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"
)

func setupTestRateLimiter(t *testing.T, limit int, window time.Duration) (*RateLimiter, *time.Time, func()) {
	t.Helper()
	client, _, cleanup := setupTestRedis(t)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	limiter := NewRateLimiter(client, zap.NewNop(), RateLimitConfig{
		Limit:  limit,
		Window: window,
	})
	limiter.now = func() time.Time { return now }

	return limiter, &now, cleanup
}

func TestRateLimiter_AllowsWithinLimit(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 5, time.Minute)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 5; i++ {
		result, err := limiter.Allow(ctx, "movies")
		if err != nil {
			t.Fatalf("send %d failed: %v", i, err)
		}
		if !result.Allowed {
			t.Fatalf("send %d should be allowed", i)
		}
		if result.Remaining != 4-i {
			t.Errorf("send %d: expected remaining %d, got %d", i, 4-i, result.Remaining)
		}
	}
}

func TestRateLimiter_BlocksOverLimit(t *testing.T) {
	limiter, now, cleanup := setupTestRateLimiter(t, 3, time.Minute)
	defer cleanup()

	ctx := context.Background()
	start := *now

	for i := 0; i < 3; i++ {
		result, _ := limiter.Allow(ctx, "movies")
		if !result.Allowed {
			t.Fatalf("send %d should be allowed", i)
		}
		*now = now.Add(10 * time.Second)
	}

	result, err := limiter.Allow(ctx, "movies")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Allowed {
		t.Fatal("send should be blocked")
	}
	if result.Remaining != 0 {
		t.Errorf("expected remaining 0, got %d", result.Remaining)
	}
	// The first send, at start, leaves the window one minute later.
	if want := start.Add(time.Minute).Sub(*now); result.RetryAfter != want {
		t.Errorf("RetryAfter = %v, want %v", result.RetryAfter, want)
	}

	*now = start.Add(time.Minute + time.Second)
	if result, _ := limiter.Allow(ctx, "movies"); !result.Allowed {
		t.Error("send should be allowed once the oldest leaves the window")
	}
}

func TestRateLimiter_SeparateKeys(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 2, time.Minute)
	defer cleanup()

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		limiter.Allow(ctx, "movies")
	}

	result, _ := limiter.Allow(ctx, "tv")
	if !result.Allowed {
		t.Fatal("tv should be allowed")
	}
	if result.Remaining != 1 {
		t.Errorf("expected remaining 1, got %d", result.Remaining)
	}
}

func TestRateLimiter_AllowN(t *testing.T) {
	limiter, _, cleanup := setupTestRateLimiter(t, 10, time.Minute)
	defer cleanup()

	ctx := context.Background()

	result, err := limiter.AllowN(ctx, "movies", 5)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Allowed {
		t.Fatal("should be allowed")
	}
	if result.Remaining != 5 {
		t.Errorf("expected remaining 5, got %d", result.Remaining)
	}

	result, _ = limiter.AllowN(ctx, "movies", 6)
	if result.Allowed {
		t.Fatal("should be blocked")
	}
}

func TestChannelLimiter_Reserve(t *testing.T) {
	client, _, cleanup := setupTestRedis(t)
	defer cleanup()

	cl := NewChannelLimiter(client, zap.NewNop(), map[string]int{"movies": 2, "tv": 0})
	ctx := context.Background()
	now := time.Now()

	for i := 0; i < 2; i++ {
		wait, err := cl.Reserve(ctx, "movies", now)
		if err != nil || wait != 0 {
			t.Fatalf("send %d: wait %v err %v", i, wait, err)
		}
	}
	wait, err := cl.Reserve(ctx, "movies", now)
	if err != nil {
		t.Fatal(err)
	}
	if wait <= 0 || wait > time.Minute {
		t.Errorf("wait = %v, want within the minute window", wait)
	}

	for i := 0; i < 10; i++ {
		if wait, _ := cl.Reserve(ctx, "tv", now); wait != 0 {
			t.Fatalf("unlimited channel waited %v", wait)
		}
	}
}
