package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key string) (*OverageRecord, error)
	// Insert reports false when an idempotent insert lost to an existing row.
	Insert(ctx context.Context, db *gorm.DB, record *OverageRecord) (bool, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]OverageRecord, error)
}

// ListFilter is the storage-level form of ListRequest.
type ListFilter struct {
	TenantID   snowflake.ID
	FeatureKey string
	From       *time.Time
	To         *time.Time
	AfterAt    *time.Time
	AfterID    snowflake.ID
	Limit      int
}
