package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, subscription *Subscription) error
	FindActiveAt(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, at time.Time) (*Subscription, error)
}
