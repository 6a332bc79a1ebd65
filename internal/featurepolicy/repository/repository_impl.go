package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	policydomain "github.com/smallbiznis/entitlement/internal/featurepolicy/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() policydomain.Repository {
	return &repo{}
}

func (r *repo) FindTierLimit(ctx context.Context, db *gorm.DB, tierID snowflake.ID, featureKey string) (*policydomain.TierFeatureLimit, error) {
	var row policydomain.TierFeatureLimit
	err := db.WithContext(ctx).Raw(
		`SELECT id, tier_id, feature_key, enabled, limit_value, allow_overage,
		        overage_unit_price_minor, overage_currency, created_at, updated_at
		 FROM tier_feature_limits
		 WHERE tier_id = ? AND feature_key = ?
		 LIMIT 1`,
		tierID,
		featureKey,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

func (r *repo) FindOverride(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, featureKey string) (*policydomain.TenantFeatureOverride, error) {
	var row policydomain.TenantFeatureOverride
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, feature_key, enabled, limit_value, allow_overage,
		        overage_unit_price_minor, overage_currency, created_at, updated_at
		 FROM tenant_feature_overrides
		 WHERE tenant_id = ? AND feature_key = ?
		 LIMIT 1`,
		tenantID,
		featureKey,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == 0 {
		return nil, nil
	}
	return &row, nil
}

// UpsertTierLimit keeps the existing id and created_at on conflict.
func (r *repo) UpsertTierLimit(ctx context.Context, db *gorm.DB, row *policydomain.TierFeatureLimit) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tier_id"}, {Name: "feature_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"enabled",
				"limit_value",
				"allow_overage",
				"overage_unit_price_minor",
				"overage_currency",
				"updated_at",
			}),
		}).
		Create(row).Error
}

func (r *repo) UpsertOverride(ctx context.Context, db *gorm.DB, row *policydomain.TenantFeatureOverride) error {
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "tenant_id"}, {Name: "feature_key"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"enabled",
				"limit_value",
				"allow_overage",
				"overage_unit_price_minor",
				"overage_currency",
				"updated_at",
			}),
		}).
		Create(row).Error
}

func (r *repo) DeleteOverride(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, featureKey string) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`DELETE FROM tenant_feature_overrides WHERE tenant_id = ? AND feature_key = ?`,
		tenantID,
		featureKey,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
