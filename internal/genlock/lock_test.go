package genlock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisLocker(t *testing.T) *RedisLocker {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	l := NewRedisLocker(client, "test:genlock")
	l.poll = time.Millisecond
	return l
}

func TestRedisLockerMutualExclusion(t *testing.T) {
	ctx := context.Background()
	l := newRedisLocker(t)

	token, ok, err := l.TryAcquire(ctx, "fp:1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, err := l.TryAcquire(ctx, "fp:1", time.Minute); err != nil || ok {
		t.Fatalf("second acquire must lose: ok=%v err=%v", ok, err)
	}
	if _, ok, err := l.TryAcquire(ctx, "fp:2", time.Minute); err != nil || !ok {
		t.Fatalf("different key must acquire: ok=%v err=%v", ok, err)
	}
	if err := l.Release(ctx, "fp:1", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, ok, err := l.TryAcquire(ctx, "fp:1", time.Minute); err != nil || !ok {
		t.Fatalf("acquire after release: ok=%v err=%v", ok, err)
	}
}

func TestRedisLockerReleaseRequiresToken(t *testing.T) {
	ctx := context.Background()
	l := newRedisLocker(t)

	if _, ok, _ := l.TryAcquire(ctx, "fp:1", time.Minute); !ok {
		t.Fatalf("acquire failed")
	}
	if err := l.Release(ctx, "fp:1", "stale-token"); err != nil {
		t.Fatalf("release with wrong token: %v", err)
	}
	if _, ok, _ := l.TryAcquire(ctx, "fp:1", time.Minute); ok {
		t.Fatalf("wrong token must not free the lock")
	}
}

func TestRedisLockerWaitReturnsAfterRelease(t *testing.T) {
	ctx := context.Background()
	l := newRedisLocker(t)

	token, ok, _ := l.TryAcquire(ctx, "fp:1", time.Minute)
	if !ok {
		t.Fatalf("acquire failed")
	}
	done := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		done <- l.Wait(waitCtx, "fp:1")
	}()
	time.Sleep(10 * time.Millisecond)
	if err := l.Release(ctx, "fp:1", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("wait: %v", err)
	}
}

func TestMemoryLockerMutualExclusion(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLocker()

	token, ok, _ := l.TryAcquire(ctx, "fp:1", time.Minute)
	if !ok {
		t.Fatalf("first acquire failed")
	}
	if _, ok, _ := l.TryAcquire(ctx, "fp:1", time.Minute); ok {
		t.Fatalf("second acquire must lose")
	}

	done := make(chan error, 1)
	go func() {
		waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		done <- l.Wait(waitCtx, "fp:1")
	}()
	time.Sleep(10 * time.Millisecond)
	if err := l.Release(ctx, "fp:1", token); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("wait: %v", err)
	}
	if err := l.Wait(ctx, "fp:1"); err != nil {
		t.Fatalf("wait on free lock: %v", err)
	}
}
