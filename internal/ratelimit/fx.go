package ratelimit

import (
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tablierhq/tablier/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("ratelimit",
	fx.Provide(Provide),
)

func Provide(cfg config.Config, log *zap.Logger) Limiter {
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RedisAddr == "" {
		return NoopLimiter{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})
	return NewRedisLimiter(client, log, cfg.RateLimit.UsagePerMinute, time.Minute)
}
