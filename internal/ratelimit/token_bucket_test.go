package ratelimit

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newLimiter(t *testing.T, capacity int, refill float64) *OwnerLimiter {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewOwnerLimiter(client, capacity, refill)
}

func TestOwnerLimiterCapacity(t *testing.T) {
	ctx := context.Background()
	limiter := newLimiter(t, 2, 0.01)

	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "studio-a")
		if err != nil || !d.Allowed {
			t.Fatalf("submission %d should pass, allowed=%v err=%v", i+1, d.Allowed, err)
		}
	}
	d, err := limiter.Allow(ctx, "studio-a")
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected third submission to be rejected")
	}
	if d.RetryAfter <= 0 {
		t.Fatalf("expected retry-after hint, got %s", d.RetryAfter)
	}

	// buckets are per owner
	if d, _ := limiter.Allow(ctx, "studio-b"); !d.Allowed {
		t.Fatalf("other owners must not share the bucket")
	}

	// Refill cannot be tested with miniredis.FastForward: the script takes time from Go's clock.
}

func TestOwnerLimiterDisabled(t *testing.T) {
	limiter := NewOwnerLimiter(nil, 0, 0)
	d, err := limiter.Allow(context.Background(), "anyone")
	if err != nil || !d.Allowed {
		t.Fatalf("disabled limiter must allow, allowed=%v err=%v", d.Allowed, err)
	}
}

func TestParseTokens(t *testing.T) {
	if got, err := parseTokens(int64(3)); err != nil || got != 3 {
		t.Fatalf("int reply: got %v err=%v", got, err)
	}
	if got, err := parseTokens("0.75"); err != nil || got != 0.75 {
		t.Fatalf("string reply: got %v err=%v", got, err)
	}
	if _, err := parseTokens("n/a"); err == nil {
		t.Fatalf("expected error for malformed token count")
	}
	if _, err := parseTokens([]byte("1")); err == nil {
		t.Fatalf("expected error for unexpected reply type")
	}
}
