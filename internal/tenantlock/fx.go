package tenantlock

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tenantlock",
	fx.Provide(NewLocker),
)

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

// NewLocker picks the redis locker when REDIS_ADDR is set and the in-process one otherwise.
func NewLocker(p Params) (Locker, error) {
	log := p.Log.Named("tenantlock")

	addr := strings.TrimSpace(p.Config.RedisAddr)
	if addr == "" {
		log.Info("using in-process tenant lock")
		return NewLocal(), nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(p.Config.RedisPassword),
		DB:       p.Config.RedisDB,
	})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	log.Info("using redis tenant lock", zap.String("addr", addr), zap.Duration("ttl", p.Config.LockTTL))
	return NewRedis(client, p.Config.LockTTL, defaultRetryInterval, log)
}
