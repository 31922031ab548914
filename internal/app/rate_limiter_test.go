package app

import (
	"context"
	"testing"
	"time"
)

func TestParseWindowResult(t *testing.T) {
	count, retry, err := parseWindowResult([]interface{}{int64(3), int64(1500)}, 60_000)
	if err != nil || count != 3 || retry != 2 {
		t.Fatalf("unexpected result count=%d retry=%d err=%v", count, retry, err)
	}

	_, retry, err = parseWindowResult([]interface{}{int64(1), int64(-1)}, 60_000)
	if err != nil || retry != 60 {
		t.Fatalf("expected window fallback, got retry=%d err=%v", retry, err)
	}

	_, retry, _ = parseWindowResult([]interface{}{int64(1), int64(0)}, 60_000)
	if retry != 1 {
		t.Fatalf("expected minimum retry of one second, got %d", retry)
	}

	if _, _, err := parseWindowResult("OK", 1000); err == nil {
		t.Fatalf("expected shape error")
	}
	if _, _, err := parseWindowResult([]interface{}{"1", int64(1)}, 1000); err == nil {
		t.Fatalf("expected count type error")
	}
}

func TestRedisRateLimiter_DisabledWithoutClient(t *testing.T) {
	var nilLimiter *RedisRateLimiter
	if count, _, err := nilLimiter.ConsumeRateLimit(context.Background(), "chat", rider, 1, time.Minute); err != nil || count != 0 {
		t.Fatalf("nil limiter must not limit, got %d %v", count, err)
	}

	l := NewRedisRateLimiter(nil, "hima:")
	if l.prefix != "hima:rate_limit" {
		t.Fatalf("unexpected prefix %q", l.prefix)
	}
	if count, _, err := l.ConsumeRateLimit(context.Background(), "chat", rider, 1, time.Minute); err != nil || count != 0 {
		t.Fatalf("limiter without client must not limit, got %d %v", count, err)
	}
}
