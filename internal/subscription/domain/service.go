package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Lookup resolves the subscription enforcement runs against.
type Lookup interface {
	Active(ctx context.Context, tenantID snowflake.ID) (Subscription, error)
}

type Service interface {
	Lookup
	Create(ctx context.Context, req CreateRequest) (Subscription, error)
}

type CreateRequest struct {
	TenantID    snowflake.ID
	TierID      snowflake.ID
	Status      SubscriptionStatus
	PeriodStart time.Time
	PeriodEnd   time.Time
}

var (
	ErrInvalidTenant        = errors.New("invalid_tenant")
	ErrInvalidTier          = errors.New("invalid_tier")
	ErrInvalidStatus        = errors.New("invalid_status")
	ErrInvalidPeriod        = errors.New("invalid_period")
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
)
