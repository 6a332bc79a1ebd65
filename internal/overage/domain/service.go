package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlement/pkg/db/pagination"
)

// Ledger records billable overage exactly once per idempotency key.
type Ledger interface {
	Record(ctx context.Context, req RecordRequest) (*OverageRecord, error)
}

type Service interface {
	Ledger
	FindByIdempotencyKey(ctx context.Context, tenantID snowflake.ID, key string) (*OverageRecord, error)
	List(ctx context.Context, req ListRequest) (ListResponse, error)
}

type RecordRequest struct {
	TenantID       snowflake.ID
	SubscriptionID snowflake.ID
	FeatureKey     string
	Quantity       int64
	UnitPriceMinor int64
	Currency       string
	PeriodStart    time.Time
	PeriodEnd      time.Time
	IdempotencyKey string
	Metadata       map[string]any
}

// ListRequest filters by occurred_at within [OccurredFrom, OccurredTo).
type ListRequest struct {
	pagination.Pagination

	TenantID     snowflake.ID
	FeatureKey   string
	OccurredFrom *time.Time
	OccurredTo   *time.Time
}

type ListResponse struct {
	pagination.PageInfo

	Records []OverageRecord
}

var (
	ErrInvalidTenant       = errors.New("invalid_tenant")
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidFeatureKey   = errors.New("invalid_feature_key")
	ErrInvalidQuantity     = errors.New("invalid_quantity")
	ErrInvalidUnitPrice    = errors.New("invalid_unit_price")
	ErrInvalidCurrency     = errors.New("invalid_currency")
	ErrInvalidPeriod       = errors.New("invalid_period")
	ErrInvalidMetadata     = errors.New("invalid_metadata")
	ErrIdempotencyConflict = errors.New("idempotency_conflict_unresolved")
)
