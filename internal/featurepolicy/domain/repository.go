package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindTierLimit(ctx context.Context, db *gorm.DB, tierID snowflake.ID, featureKey string) (*TierFeatureLimit, error)
	FindOverride(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, featureKey string) (*TenantFeatureOverride, error)
	UpsertTierLimit(ctx context.Context, db *gorm.DB, row *TierFeatureLimit) error
	UpsertOverride(ctx context.Context, db *gorm.DB, row *TenantFeatureOverride) error
	DeleteOverride(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, featureKey string) (bool, error)
}
