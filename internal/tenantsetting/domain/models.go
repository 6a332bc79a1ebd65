package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// TenantOverageSetting is the tenant-wide overage switch. A tenant without a
// row has overage disabled.
type TenantOverageSetting struct {
	TenantID       snowflake.ID `gorm:"primaryKey;autoIncrement:false"`
	OverageEnabled bool         `gorm:"not null"`
	UpdatedAt      time.Time    `gorm:"not null"`
}

func (TenantOverageSetting) TableName() string { return "tenant_overage_settings" }
