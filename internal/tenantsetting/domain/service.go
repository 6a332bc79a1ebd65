package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// OverageSetting is the read port used by enforcement.
type OverageSetting interface {
	IsEnabled(ctx context.Context, tenantID snowflake.ID) (bool, error)
}

type Service interface {
	OverageSetting
	SetEnabled(ctx context.Context, tenantID snowflake.ID, enabled bool) error
}

var ErrInvalidTenant = errors.New("invalid_tenant")
