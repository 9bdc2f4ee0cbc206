package ratelimit

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, limit int) (*FixedWindowLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	limiter, err := NewFixedWindowLimiter(client, "bookwright:ratelimit", limit, time.Second)
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	return limiter, mr
}

func TestFixedWindowLimiterBlocksOverQuota(t *testing.T) {
	limiter, _ := newTestLimiter(t, 2)
	if !limiter.Allow("203.0.113.9") {
		t.Fatalf("first request should pass")
	}
	if !limiter.Allow("203.0.113.9") {
		t.Fatalf("second request should pass")
	}
	if limiter.Allow("203.0.113.9") {
		t.Fatalf("third request should be blocked")
	}
	if !limiter.Allow("198.51.100.7") {
		t.Fatalf("a different caller has its own window")
	}
}

func TestFixedWindowLimiterFailsClosed(t *testing.T) {
	limiter, mr := newTestLimiter(t, 5)
	mr.Close()
	if limiter.Allow("203.0.113.9") {
		t.Fatalf("limiter must deny when redis is unreachable")
	}
}

func TestFixedWindowLimiterConstructorValidation(t *testing.T) {
	if _, err := NewFixedWindowLimiter(nil, "", 1, time.Second); err == nil {
		t.Fatalf("expected error for nil client")
	}
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if _, err := NewFixedWindowLimiter(client, "", 0, time.Second); err == nil {
		t.Fatalf("expected error for zero limit")
	}
	if _, err := NewFixedWindowLimiter(client, "", 1, 0); err == nil {
		t.Fatalf("expected error for zero window")
	}
}
