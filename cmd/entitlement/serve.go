package main

import (
	"context"
	"errors"

	"github.com/smallbiznis/entitlement/internal/cache"
	obsmetrics "github.com/smallbiznis/entitlement/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type listenerParams struct {
	fx.In

	Lifecycle   fx.Lifecycle
	Log         *zap.Logger
	Cache       cache.PolicyCache
	Invalidator cache.Invalidator
	Metrics     *obsmetrics.InvalidationMetrics `optional:"true"`
}

// startInvalidationListener applies peer invalidations to the local policy
// cache until the app stops.
func startInvalidationListener(p listenerParams) {
	log := p.Log.Named("cache.listener")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				err := p.Invalidator.Subscribe(ctx, func(msg cache.Message) {
					if err := cache.Apply(p.Cache, msg); err != nil {
						log.Warn("invalidation not applied", zap.Error(err))
						return
					}
					p.Metrics.SetEntries(p.Cache.Len())
				})
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Error("invalidation listener stopped", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			return p.Invalidator.Close()
		},
	})
}
