package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Resolver computes effective policies for enforcement.
type Resolver interface {
	Effective(ctx context.Context, tierID, tenantID snowflake.ID, featureKey string) (EffectiveFeaturePolicy, error)
}

type Service interface {
	Resolver
	UpsertTierLimit(ctx context.Context, req UpsertTierLimitRequest) (TierFeatureLimit, error)
	UpsertOverride(ctx context.Context, req UpsertOverrideRequest) (TenantFeatureOverride, error)
	DeleteOverride(ctx context.Context, tenantID snowflake.ID, featureKey string) error
}

type UpsertTierLimitRequest struct {
	TierID                snowflake.ID
	FeatureKey            string
	Enabled               bool
	LimitValue            *int64
	AllowOverage          bool
	OverageUnitPriceMinor *int64
	OverageCurrency       *string
}

type UpsertOverrideRequest struct {
	TenantID              snowflake.ID
	FeatureKey            string
	Enabled               *bool
	LimitValue            *int64
	AllowOverage          *bool
	OverageUnitPriceMinor *int64
	OverageCurrency       *string
}

var (
	ErrInvalidTier       = errors.New("invalid_tier")
	ErrInvalidTenant     = errors.New("invalid_tenant")
	ErrInvalidFeatureKey = errors.New("invalid_feature_key")
	ErrInvalidLimit      = errors.New("invalid_limit")
	ErrInvalidPrice      = errors.New("invalid_overage_price")
	ErrInvalidCurrency   = errors.New("invalid_overage_currency")
	ErrOverrideNotFound  = errors.New("override_not_found")
)
