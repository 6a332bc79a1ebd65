package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, tenantID snowflake.ID) (*TenantOverageSetting, error)
	Upsert(ctx context.Context, db *gorm.DB, setting *TenantOverageSetting) error
}
