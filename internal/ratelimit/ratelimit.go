// Package ratelimit throttles the usage ingest endpoint per restaurant.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Limiter interface {
	// Allow reports whether one more request fits the caller's window.
	Allow(ctx context.Context, key string) (bool, error)
}

// NoopLimiter admits everything; used when rate limiting is disabled.
type NoopLimiter struct{}

func (NoopLimiter) Allow(ctx context.Context, key string) (bool, error) { return true, nil }

// RedisLimiter is a fixed-window counter. One INCR per request; the first
// request in a window sets the expiry.
type RedisLimiter struct {
	client *redis.Client
	log    *zap.Logger
	limit  int
	window time.Duration
}

func NewRedisLimiter(client *redis.Client, log *zap.Logger, limit int, window time.Duration) *RedisLimiter {
	return &RedisLimiter{
		client: client,
		log:    log.Named("ratelimit"),
		limit:  limit,
		window: window,
	}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (bool, error) {
	windowKey := fmt.Sprintf("rl:%s:%d", key, time.Now().Unix()/int64(l.window.Seconds()))

	pipe := l.client.TxPipeline()
	count := pipe.Incr(ctx, windowKey)
	pipe.Expire(ctx, windowKey, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		// Redis being down must not take the billing hot path with it.
		l.log.Warn("rate limiter unavailable, admitting request", zap.Error(err))
		return true, nil
	}
	return count.Val() <= int64(l.limit), nil
}
