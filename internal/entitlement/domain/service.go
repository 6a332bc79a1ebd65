package domain

import "context"

// Enforcer decides whether a metered action may proceed and records the
// billable overage when it crosses the limit.
type Enforcer interface {
	ConsumeOrOverage(ctx context.Context, req ConsumeRequest) (EnforcementResult, error)
}
