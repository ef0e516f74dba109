package main

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"toyapi/services/api/internal/config"
)

func limitConfig(limit int, redisAddr string) config.FileConfig {
	return config.FileConfig{TokenRateLimitPerMinute: &limit, RedisAddr: redisAddr}
}

func TestNewTokenLimiterDisabledAtZero(t *testing.T) {
	limiter, err := newTokenLimiter(limitConfig(0, ""))
	if err != nil {
		t.Fatalf("new limiter: %v", err)
	}
	if limiter != nil {
		t.Fatalf("expected no limiter for a zero budget")
	}
}

func TestNewTokenLimiterBackends(t *testing.T) {
	memory, err := newTokenLimiter(limitConfig(1, ""))
	if err != nil || memory == nil {
		t.Fatalf("memory limiter: %v %v", memory, err)
	}
	if !memory.Allow(context.Background(), "ip") || memory.Allow(context.Background(), "ip") {
		t.Fatalf("memory limiter should admit exactly one request")
	}

	redis := miniredis.RunT(t)
	shared, err := newTokenLimiter(limitConfig(1, redis.Addr()))
	if err != nil || shared == nil {
		t.Fatalf("redis limiter: %v %v", shared, err)
	}
	t.Cleanup(func() { _ = shared.Close() })
	if !shared.Allow(context.Background(), "ip") || shared.Allow(context.Background(), "ip") {
		t.Fatalf("redis limiter should admit exactly one request")
	}
}
