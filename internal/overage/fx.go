package overage

import (
	"github.com/smallbiznis/entitlement/internal/overage/domain"
	"github.com/smallbiznis/entitlement/internal/overage/repository"
	"github.com/smallbiznis/entitlement/internal/overage/service"
	"go.uber.org/fx"
)

var Module = fx.Module("overage.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewService),
	fx.Provide(func(svc domain.Service) domain.Ledger { return svc }),
)
