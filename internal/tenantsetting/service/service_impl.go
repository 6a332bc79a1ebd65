package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlement/internal/clock"
	settingdomain "github.com/smallbiznis/entitlement/internal/tenantsetting/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  settingdomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	Clock clock.Clock
	Repo  settingdomain.Repository
}

func NewService(p ServiceParam) settingdomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("tenantsetting.service"),
		clock: p.Clock,
		repo:  p.Repo,
	}
}

func (s *Service) IsEnabled(ctx context.Context, tenantID snowflake.ID) (bool, error) {
	if tenantID == 0 {
		return false, settingdomain.ErrInvalidTenant
	}
	setting, err := s.repo.Find(ctx, s.db, tenantID)
	if err != nil {
		return false, err
	}
	if setting == nil {
		return false, nil
	}
	return setting.OverageEnabled, nil
}

func (s *Service) SetEnabled(ctx context.Context, tenantID snowflake.ID, enabled bool) error {
	if tenantID == 0 {
		return settingdomain.ErrInvalidTenant
	}
	setting := settingdomain.TenantOverageSetting{
		TenantID:       tenantID,
		OverageEnabled: enabled,
		UpdatedAt:      s.clock.Now(ctx),
	}
	if err := s.repo.Upsert(ctx, s.db, &setting); err != nil {
		return err
	}

	s.log.Info("tenant overage setting updated",
		zap.String("tenant_id", tenantID.String()),
		zap.Bool("overage_enabled", enabled),
	)
	return nil
}
