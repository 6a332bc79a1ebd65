package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	settingdomain "github.com/smallbiznis/entitlement/internal/tenantsetting/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() settingdomain.Repository {
	return &repo{}
}

func (r *repo) Find(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*settingdomain.TenantOverageSetting, error) {
	var rows []settingdomain.TenantOverageSetting
	err := db.WithContext(ctx).Raw(
		`SELECT tenant_id, overage_enabled, updated_at
		 FROM tenant_overage_settings
		 WHERE tenant_id = ?
		 LIMIT 1`,
		tenantID,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (r *repo) Upsert(ctx context.Context, db *gorm.DB, setting *settingdomain.TenantOverageSetting) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"overage_enabled", "updated_at"}),
		}).
		Create(setting).Error
}
