// Package redisconn provides the shared Redis client used by the delivery
// substrate and the rate limiter.
package redisconn

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenmeter/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("redis",
	fx.Provide(New),
)

func New(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client
}
