package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/smallbiznis/entitlement/internal/config"
	obsmetrics "github.com/smallbiznis/entitlement/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("cache",
	fx.Provide(
		providePolicyCache,
		provideRedisClient,
		provideInvalidator,
	),
)

func providePolicyCache(cfg config.Config) PolicyCache {
	return NewPolicyCache(cfg.PolicyCache.Size, cfg.PolicyCache.TTL)
}

type redisParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

// provideRedisClient returns nil when Redis is not configured.
func provideRedisClient(p redisParams) redis.UniversalClient {
	if !p.Config.Redis.Enabled() {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     p.Config.Redis.Addr,
		Password: p.Config.Redis.Password,
		DB:       p.Config.Redis.DB,
	})
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

type invalidatorParams struct {
	fx.In

	Client  redis.UniversalClient `optional:"true"`
	Config  config.Config
	Log     *zap.Logger
	Metrics *obsmetrics.InvalidationMetrics `optional:"true"`
}

func provideInvalidator(p invalidatorParams) Invalidator {
	if p.Client == nil {
		p.Log.Info("redis not configured, policy invalidation stays local")
		return NopInvalidator{}
	}
	return NewRedisInvalidator(p.Client,
		WithChannel(p.Config.PolicyCache.InvalidationChannel),
		WithLogger(p.Log.Named("cache.invalidator")),
		WithMetrics(p.Metrics),
	)
}
