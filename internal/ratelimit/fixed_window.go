// Package ratelimit implements fixed-window request limiting, distributed
// through Redis or local to the process.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix  = "toyapi:ratelimit"
	redisOpTimeout = 2 * time.Second
)

var fixedWindowScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

// FixedWindowLimiter allows up to limit hits per key in each window.
// With a Redis client the count is shared by every replica and Redis
// failures fail closed; without one it is kept in process memory.
type FixedWindowLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	redisClient *redis.Client
	redisPrefix string

	mu      sync.Mutex
	slot    int64
	counter map[string]int
}

// NewRedisFixedWindowLimiter creates a Redis-backed distributed limiter.
func NewRedisFixedWindowLimiter(addr, password, prefix string, limit int, window time.Duration) (*FixedWindowLimiter, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("rate limiter redis addr is required")
	}
	l, err := newLimiter(limit, window)
	if err != nil {
		return nil, err
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultPrefix
	}
	l.redisClient = redis.NewClient(&redis.Options{Addr: addr, Password: password})
	l.redisPrefix = prefix
	return l, nil
}

// NewMemoryFixedWindowLimiter creates a limiter local to this process.
func NewMemoryFixedWindowLimiter(limit int, window time.Duration) (*FixedWindowLimiter, error) {
	return newLimiter(limit, window)
}

func newLimiter(limit int, window time.Duration) (*FixedWindowLimiter, error) {
	if limit <= 0 || window < time.Millisecond {
		return nil, errors.New("rate limiter requires positive limit and window")
	}
	return &FixedWindowLimiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		counter: make(map[string]int),
	}, nil
}

// Allow records a hit for key and reports whether it is within quota.
// A nil limiter denies everything.
func (l *FixedWindowLimiter) Allow(ctx context.Context, key string) bool {
	if l == nil {
		return false
	}
	key = strings.TrimSpace(key)
	if key == "" {
		key = "unknown"
	}
	slot := l.now().UTC().UnixMilli() / l.window.Milliseconds()
	if l.redisClient != nil {
		return l.allowRedis(ctx, key, slot)
	}
	return l.allowMemory(key, slot)
}

// Window is the length of one counting window.
func (l *FixedWindowLimiter) Window() time.Duration { return l.window }

// Close releases the Redis connection pool, if any.
func (l *FixedWindowLimiter) Close() error {
	if l == nil || l.redisClient == nil {
		return nil
	}
	return l.redisClient.Close()
}

func (l *FixedWindowLimiter) allowRedis(ctx context.Context, key string, slot int64) bool {
	redisKey := fmt.Sprintf("%s:%s:%d", l.redisPrefix, key, slot)
	ctx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()
	res, err := fixedWindowScript.Run(ctx, l.redisClient, []string{redisKey}, l.window.Milliseconds()).Int64()
	if err != nil {
		return false
	}
	return res <= int64(l.limit)
}

func (l *FixedWindowLimiter) allowMemory(key string, slot int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if slot != l.slot {
		l.slot = slot
		clear(l.counter)
	}
	l.counter[key]++
	return l.counter[key] <= l.limit
}
