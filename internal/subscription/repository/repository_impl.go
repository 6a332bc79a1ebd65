package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	subscriptiondomain "github.com/smallbiznis/entitlement/internal/subscription/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() subscriptiondomain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, subscription *subscriptiondomain.Subscription) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (
			id, tenant_id, tier_id, status, period_start, period_end, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		subscription.ID,
		subscription.TenantID,
		subscription.TierID,
		subscription.Status,
		subscription.PeriodStart,
		subscription.PeriodEnd,
		subscription.CreatedAt,
		subscription.UpdatedAt,
	).Error
}

func (r *repo) FindActiveAt(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, at time.Time) (*subscriptiondomain.Subscription, error) {
	var subscription subscriptiondomain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, tier_id, status, period_start, period_end, created_at, updated_at
		 FROM subscriptions
		 WHERE tenant_id = ?
		   AND status = ?
		   AND period_start <= ?
		   AND period_end > ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		tenantID,
		subscriptiondomain.SubscriptionStatusActive,
		at,
		at,
	).Scan(&subscription).Error
	if err != nil {
		return nil, err
	}
	if subscription.ID == 0 {
		return nil, nil
	}
	return &subscription, nil
}
