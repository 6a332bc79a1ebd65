// Package domain contains the billable overage ledger model.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type OverageStatus string

const OverageStatusRecorded OverageStatus = "RECORDED"

// OverageRecord is one billable usage-beyond-quota event. Records are
// append-only; at most one exists per (tenant, idempotency key).
type OverageRecord struct {
	ID             snowflake.ID      `gorm:"primaryKey;autoIncrement:false"`
	TenantID       snowflake.ID      `gorm:"not null"`
	SubscriptionID snowflake.ID      `gorm:"not null"`
	FeatureKey     string            `gorm:"type:text;not null"`
	Quantity       int64             `gorm:"not null"`
	UnitPriceMinor int64             `gorm:"not null"`
	Currency       string            `gorm:"type:text;not null"`
	OccurredAt     time.Time         `gorm:"not null"`
	PeriodStart    time.Time         `gorm:"not null"`
	PeriodEnd      time.Time         `gorm:"not null"`
	Status         OverageStatus     `gorm:"type:text;not null"`
	IdempotencyKey *string           `gorm:"type:text"`
	Metadata       datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null"`
}

func (OverageRecord) TableName() string { return "overage_records" }

// AmountMinor is the billable total in minor currency units.
func (r OverageRecord) AmountMinor() int64 {
	return r.Quantity * r.UnitPriceMinor
}
