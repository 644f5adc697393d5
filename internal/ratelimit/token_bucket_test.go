package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestBucket(t *testing.T, capacity int, refill float64) *TokenBucket {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewTokenBucket(client, capacity, refill)
}

func TestTokenBucketCapacity(t *testing.T) {
	ctx := context.Background()
	bucket := newTestBucket(t, 2, 1)

	for i := 0; i < 2; i++ {
		allowed, _, err := bucket.Allow(ctx, "operator")
		if err != nil || !allowed {
			t.Fatalf("token %d: allowed=%v err=%v", i+1, allowed, err)
		}
	}
	if allowed, _, _ := bucket.Allow(ctx, "operator"); allowed {
		t.Fatal("expected third token to be rejected")
	}

	// Separate keys have separate buckets.
	if allowed, _, _ := bucket.Allow(ctx, "other"); !allowed {
		t.Fatal("unrelated key should not be throttled")
	}
}

func TestMiddlewareRejectsWhenDrained(t *testing.T) {
	bucket := newTestBucket(t, 1, 0.001)

	handler := bucket.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodPost, "/jobs", nil)
	req.RemoteAddr = "10.0.0.1:4444"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("drained bucket: got %d, want 429", rec.Code)
	}
}
