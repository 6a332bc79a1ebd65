package subscription

import (
	"github.com/smallbiznis/entitlement/internal/subscription/domain"
	"github.com/smallbiznis/entitlement/internal/subscription/repository"
	"github.com/smallbiznis/entitlement/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(svc domain.Service) domain.Lookup { return svc }),
)
