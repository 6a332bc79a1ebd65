package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TierFeatureLimit is the tier-level default for one feature.
// A nil LimitValue means unlimited.
type TierFeatureLimit struct {
	ID                    snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	TierID                snowflake.ID `gorm:"not null;index:ux_tier_feature_limits_tier_feature,unique,priority:1"`
	FeatureKey            string       `gorm:"type:text;not null;index:ux_tier_feature_limits_tier_feature,unique,priority:2"`
	Enabled               bool         `gorm:"not null"`
	LimitValue            *int64       `gorm:"column:limit_value"`
	AllowOverage          bool         `gorm:"not null"`
	OverageUnitPriceMinor *int64       `gorm:"column:overage_unit_price_minor"`
	OverageCurrency       *string      `gorm:"type:text"`
	CreatedAt             time.Time    `gorm:"not null"`
	UpdatedAt             time.Time    `gorm:"not null"`
}

func (TierFeatureLimit) TableName() string { return "tier_feature_limits" }

// TenantFeatureOverride replaces tier fields for one tenant. Nil fields inherit.
type TenantFeatureOverride struct {
	ID                    snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	TenantID              snowflake.ID `gorm:"not null;index:ux_tenant_feature_overrides_tenant_feature,unique,priority:1"`
	FeatureKey            string       `gorm:"type:text;not null;index:ux_tenant_feature_overrides_tenant_feature,unique,priority:2"`
	Enabled               *bool        `gorm:"column:enabled"`
	LimitValue            *int64       `gorm:"column:limit_value"`
	AllowOverage          *bool        `gorm:"column:allow_overage"`
	OverageUnitPriceMinor *int64       `gorm:"column:overage_unit_price_minor"`
	OverageCurrency       *string      `gorm:"type:text"`
	CreatedAt             time.Time    `gorm:"not null"`
	UpdatedAt             time.Time    `gorm:"not null"`
}

func (TenantFeatureOverride) TableName() string { return "tenant_feature_overrides" }

// EffectiveFeaturePolicy is the merged tier and tenant configuration for
// one enforcement decision. It is never persisted.
type EffectiveFeaturePolicy struct {
	TierID                snowflake.ID
	TenantID              snowflake.ID
	FeatureKey            string
	Enabled               bool
	Limit                 *int64
	AllowOverage          bool
	OverageUnitPriceMinor *int64
	OverageCurrency       string
}

// Unlimited reports whether the feature has no quota.
func (p EffectiveFeaturePolicy) Unlimited() bool {
	return p.Limit == nil
}

// Clone returns a copy that shares no pointers with p.
func (p EffectiveFeaturePolicy) Clone() EffectiveFeaturePolicy {
	out := p
	out.Limit = cloneInt64(p.Limit)
	out.OverageUnitPriceMinor = cloneInt64(p.OverageUnitPriceMinor)
	return out
}

// Merge derives the effective policy. Each non-nil override field replaces
// the tier field. A nil tier row yields a disabled base policy with a zero
// limit, so an override can enable the feature but never make it unlimited.
func Merge(tierID, tenantID snowflake.ID, featureKey string, tier *TierFeatureLimit, override *TenantFeatureOverride) EffectiveFeaturePolicy {
	policy := EffectiveFeaturePolicy{
		TierID:     tierID,
		TenantID:   tenantID,
		FeatureKey: featureKey,
	}

	if tier == nil {
		policy.Limit = new(int64)
	} else {
		policy.Enabled = tier.Enabled
		policy.Limit = cloneInt64(tier.LimitValue)
		policy.AllowOverage = tier.AllowOverage
		policy.OverageUnitPriceMinor = cloneInt64(tier.OverageUnitPriceMinor)
		if tier.OverageCurrency != nil {
			policy.OverageCurrency = *tier.OverageCurrency
		}
	}

	if override != nil {
		if override.Enabled != nil {
			policy.Enabled = *override.Enabled
		}
		if override.LimitValue != nil {
			policy.Limit = cloneInt64(override.LimitValue)
		}
		if override.AllowOverage != nil {
			policy.AllowOverage = *override.AllowOverage
		}
		if override.OverageUnitPriceMinor != nil {
			policy.OverageUnitPriceMinor = cloneInt64(override.OverageUnitPriceMinor)
		}
		if override.OverageCurrency != nil {
			policy.OverageCurrency = *override.OverageCurrency
		}
	}

	return policy
}

func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}
