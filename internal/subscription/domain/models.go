// Package domain contains the subscription read model used by enforcement.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusTrialing SubscriptionStatus = "TRIALING"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
	SubscriptionStatusEnded    SubscriptionStatus = "ENDED"
)

// Subscription binds a tenant to a tier for a half-open billing period
// [PeriodStart, PeriodEnd).
type Subscription struct {
	ID          snowflake.ID       `gorm:"primaryKey"`
	TenantID    snowflake.ID       `gorm:"not null;index"`
	TierID      snowflake.ID       `gorm:"not null"`
	Status      SubscriptionStatus `gorm:"type:text;not null"`
	PeriodStart time.Time          `gorm:"not null"`
	PeriodEnd   time.Time          `gorm:"not null"`
	CreatedAt   time.Time          `gorm:"not null"`
	UpdatedAt   time.Time          `gorm:"not null"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// Covers reports whether at falls inside the subscription period.
func (s Subscription) Covers(at time.Time) bool {
	return !at.Before(s.PeriodStart) && at.Before(s.PeriodEnd)
}
