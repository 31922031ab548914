/**
 * @description
 * Per-sender inbound message limiter. Counts live in Redis so every webhook replica
 * shares one fixed window per rider; the webhook handler drops messages past the limit.
 */
package app

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript increments the counter, starts the window on the first hit and returns
// {count, remaining window in ms}.
var windowScript = redis.NewScript(`
local hits = redis.call("INCR", KEYS[1])
if hits == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local remaining = redis.call("PTTL", KEYS[1])
if remaining < 0 then
  remaining = tonumber(ARGV[1])
end
return {hits, remaining}
`)

// RedisRateLimiter is a fixed-window counter keyed by scope and subject.
type RedisRateLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRateLimiter(client redis.UniversalClient, keyPrefix string) *RedisRateLimiter {
	base := strings.TrimSuffix(strings.TrimSpace(keyPrefix), ":")
	if base == "" {
		base = "hima"
	}
	return &RedisRateLimiter{client: client, prefix: base + ":rate_limit"}
}

// ConsumeRateLimit counts one hit for subject in scope and reports the window count and the
// seconds until the window resets. A nil limiter or client never limits.
func (r *RedisRateLimiter) ConsumeRateLimit(ctx context.Context, scope, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}
	scope, subject = strings.TrimSpace(scope), strings.TrimSpace(subject)
	if scope == "" || subject == "" {
		return 0, 0, nil
	}

	windowMs := max(window.Milliseconds(), 1000)
	raw, err := windowScript.Run(ctx, r.client, []string{r.prefix + ":" + scope + ":" + subject}, windowMs).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("rate limit %s/%s: %w", scope, subject, err)
	}
	return parseWindowResult(raw, windowMs)
}

func parseWindowResult(raw interface{}, windowMs int64) (int, int, error) {
	pair, ok := raw.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, 0, fmt.Errorf("rate limit script returned %T, want [count, ttl]", raw)
	}
	hits, ok := pair[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("rate limit count has type %T", pair[0])
	}
	remainingMs, ok := pair[1].(int64)
	if !ok {
		return int(hits), 0, fmt.Errorf("rate limit ttl has type %T", pair[1])
	}
	if remainingMs < 0 {
		remainingMs = windowMs
	}
	return int(hits), max(int(math.Ceil(float64(remainingMs)/1000)), 1), nil
}
