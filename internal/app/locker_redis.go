package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker extends LocalLocker across instances with a SET NX PX lease. The lease is only
// released by the holder that set it.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	local  *LocalLocker
	logger *zap.Logger
}

func NewRedisLocker(client redis.UniversalClient, prefix string, ttl time.Duration, logger *zap.Logger) *RedisLocker {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "hima"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisLocker{
		client: client,
		prefix: trimmedPrefix + ":lock",
		ttl:    ttl,
		retry:  50 * time.Millisecond,
		local:  NewLocalLocker(),
		logger: logger,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	unlockLocal, err := r.local.Lock(ctx, key)
	if err != nil {
		return nil, err
	}
	if r.client == nil {
		return unlockLocal, nil
	}

	redisKey := fmt.Sprintf("%s:%s", r.prefix, key)
	token := uuid.NewString()
	for {
		acquired, err := r.client.SetNX(ctx, redisKey, token, r.ttl).Result()
		if err != nil {
			unlockLocal()
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if acquired {
			break
		}
		select {
		case <-ctx.Done():
			unlockLocal()
			return nil, ctx.Err()
		case <-time.After(r.retry):
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := releaseLockScript.Run(releaseCtx, r.client, []string{redisKey}, token).Err(); err != nil {
			r.logger.Warn("failed to release redis lock", zap.String("key", key), zap.Error(err))
		}
		unlockLocal()
	}, nil
}
