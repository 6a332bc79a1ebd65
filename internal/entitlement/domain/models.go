package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	overagedomain "github.com/smallbiznis/entitlement/internal/overage/domain"
)

type Decision string

const (
	DecisionAllowedUnlimited   Decision = "ALLOWED_UNLIMITED"
	DecisionAllowedWithinLimit Decision = "ALLOWED_WITHIN_LIMIT"
	DecisionAllowedWithOverage Decision = "ALLOWED_WITH_OVERAGE"
)

// UsageSupplier returns the caller-owned usage count for the current period.
// It is invoked at most once per enforcement call.
type UsageSupplier func(ctx context.Context) (int64, error)

// ConsumeRequest describes one metered action. Explicit period bounds
// override the subscription period independently of each other.
type ConsumeRequest struct {
	TenantID       snowflake.ID
	FeatureKey     string
	Delta          int64
	UsageBefore    UsageSupplier
	PeriodStart    *time.Time
	PeriodEnd      *time.Time
	IdempotencyKey string
}

// EnforcementResult is a closed set of outcomes; build it through the
// Unlimited, WithinLimit and WithOverage constructors. Only the overage
// outcome carries OverageRecorded and Overage.
type EnforcementResult struct {
	Decision        Decision                     `json:"decision"`
	FeatureKey      string                       `json:"feature_key"`
	Limit           *int64                       `json:"limit,omitempty"`
	UsedBefore      int64                        `json:"used_before"`
	RequestedDelta  int64                        `json:"requested_delta"`
	OverageRecorded int64                        `json:"overage_recorded,omitempty"`
	Overage         *overagedomain.OverageRecord `json:"overage,omitempty"`
}

func Unlimited(featureKey string, delta int64) EnforcementResult {
	return EnforcementResult{
		Decision:       DecisionAllowedUnlimited,
		FeatureKey:     featureKey,
		RequestedDelta: delta,
	}
}

func WithinLimit(featureKey string, limit, usedBefore, delta int64) EnforcementResult {
	return EnforcementResult{
		Decision:       DecisionAllowedWithinLimit,
		FeatureKey:     featureKey,
		Limit:          &limit,
		UsedBefore:     usedBefore,
		RequestedDelta: delta,
	}
}

func WithOverage(featureKey string, limit, usedBefore, delta int64, record *overagedomain.OverageRecord) EnforcementResult {
	return EnforcementResult{
		Decision:        DecisionAllowedWithOverage,
		FeatureKey:      featureKey,
		Limit:           &limit,
		UsedBefore:      usedBefore,
		RequestedDelta:  delta,
		OverageRecorded: record.Quantity,
		Overage:         record,
	}
}
