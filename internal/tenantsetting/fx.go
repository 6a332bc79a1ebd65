package tenantsetting

import (
	"github.com/smallbiznis/entitlement/internal/tenantsetting/domain"
	"github.com/smallbiznis/entitlement/internal/tenantsetting/repository"
	"github.com/smallbiznis/entitlement/internal/tenantsetting/service"
	"go.uber.org/fx"
)

var Module = fx.Module("tenantsetting.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(svc domain.Service) domain.OverageSetting { return svc }),
)
