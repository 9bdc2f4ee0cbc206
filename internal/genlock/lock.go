// Package genlock guards generation work so at most one pipeline generates a
// given result page at a time. Lost races wait for the winner and re-read the
// cache instead of burning model tokens on a duplicate page.
package genlock

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"bookwright/internal/util"
)

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a distributed advisory lock keyed by string.
type Locker interface {
	// TryAcquire returns a release token and true when the lock was free.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	// Release frees the lock if token still owns it.
	Release(ctx context.Context, key, token string) error
	// Wait blocks until the lock is free or ctx ends. The caller does not
	// hold the lock afterwards; it re-checks whatever the holder produced.
	Wait(ctx context.Context, key string) error
}

// RedisLocker implements Locker with SET NX PX.
type RedisLocker struct {
	client *redis.Client
	prefix string
	poll   time.Duration
}

// NewRedisLocker wraps an existing redis client.
func NewRedisLocker(client *redis.Client, prefix string) *RedisLocker {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "bookwright:genlock"
	}
	return &RedisLocker{client: client, prefix: prefix, poll: 100 * time.Millisecond}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := util.NewID()
	ok, err := l.client.SetNX(ctx, l.prefix+":"+key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

func (l *RedisLocker) Release(ctx context.Context, key, token string) error {
	return releaseScript.Run(ctx, l.client, []string{l.prefix + ":" + key}, token).Err()
}

func (l *RedisLocker) Wait(ctx context.Context, key string) error {
	ticker := time.NewTicker(l.poll)
	defer ticker.Stop()
	for {
		n, err := l.client.Exists(ctx, l.prefix+":"+key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// MemoryLocker implements Locker in-process for tests and single-node runs.
type MemoryLocker struct {
	mu     sync.Mutex
	tokens map[string]string
	waits  map[string]chan struct{}
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		tokens: make(map[string]string),
		waits:  make(map[string]chan struct{}),
	}
}

func (l *MemoryLocker) TryAcquire(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.tokens[key]; held {
		return "", false, nil
	}
	token := util.NewID()
	l.tokens[key] = token
	l.waits[key] = make(chan struct{})
	return token, true, nil
}

func (l *MemoryLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.tokens[key] != token {
		return nil
	}
	delete(l.tokens, key)
	if ch, ok := l.waits[key]; ok {
		close(ch)
		delete(l.waits, key)
	}
	return nil
}

func (l *MemoryLocker) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	ch, held := l.waits[key]
	l.mu.Unlock()
	if !held {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-ch:
		return nil
	}
}
