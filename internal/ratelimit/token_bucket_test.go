package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenBucket(client, capacity, refill, time.Minute)
}

func TestTokenBucket(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 2, 1)

	allowed, _, err := bucket.Allow(ctx, "tenant")
	if err != nil || !allowed {
		t.Fatalf("expected first token allowed got allowed=%v err=%v", allowed, err)
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if !allowed {
		t.Fatalf("expected second token allowed")
	}
	allowed, _, _ = bucket.Allow(ctx, "tenant")
	if allowed {
		t.Fatalf("expected third token to be rejected")
	}
	if allowed, _, _ = bucket.Allow(ctx, "other-tenant"); !allowed {
		t.Fatalf("buckets are per key")
	}
}

func TestTokenBucketRefillsFromInjectedClock(t *testing.T) {
	ctx := context.Background()
	bucket := newBucket(t, 1, 1)
	now := time.Unix(1_700_000_000, 0)
	bucket.now = func() time.Time { return now }

	if allowed, _, _ := bucket.Allow(ctx, "ocr"); !allowed {
		t.Fatalf("expected first token allowed")
	}
	if allowed, _, _ := bucket.Allow(ctx, "ocr"); allowed {
		t.Fatalf("expected bucket to be empty")
	}
	now = now.Add(1100 * time.Millisecond)
	if allowed, _, _ := bucket.Allow(ctx, "ocr"); !allowed {
		t.Fatalf("expected a token after one second of refill")
	}
}

func TestWaitHonoursContext(t *testing.T) {
	bucket := newBucket(t, 1, 0.01)
	ctx := context.Background()
	if err := bucket.Wait(ctx, "ocr"); err != nil {
		t.Fatalf("first wait should pass immediately: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if err := bucket.Wait(ctx, "ocr"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
