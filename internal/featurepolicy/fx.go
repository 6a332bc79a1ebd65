package featurepolicy

import (
	"github.com/smallbiznis/entitlement/internal/featurepolicy/domain"
	"github.com/smallbiznis/entitlement/internal/featurepolicy/repository"
	"github.com/smallbiznis/entitlement/internal/featurepolicy/service"
	"go.uber.org/fx"
)

var Module = fx.Module("featurepolicy.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(svc domain.Service) domain.Resolver { return svc }),
)
