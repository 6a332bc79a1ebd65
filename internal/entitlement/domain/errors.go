package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Kinds classify caller-visible rejections.
var (
	ErrValidation      = errors.New("validation_error")
	ErrNotFound        = errors.New("not_found")
	ErrPolicyViolation = errors.New("policy_violation")
)

// Reasons name the specific rejection.
var (
	ErrInvalidDelta              = errors.New("invalid_delta")
	ErrInvalidTenant             = errors.New("invalid_tenant")
	ErrInvalidFeatureKey         = errors.New("invalid_feature_key")
	ErrInvalidPeriod             = errors.New("invalid_period")
	ErrMissingUsageSupplier      = errors.New("missing_usage_supplier")
	ErrInvalidUsage              = errors.New("invalid_usage")
	ErrNoActiveSubscription      = errors.New("no_active_subscription")
	ErrFeatureDisabled           = errors.New("feature_disabled")
	ErrOverageDisabled           = errors.New("overage_disabled")
	ErrOveragePriceNotConfigured = errors.New("overage_price_not_configured")
)

// Scope tells which switch rejected an overage.
type Scope string

const (
	ScopeTenant  Scope = "tenant"
	ScopeFeature Scope = "feature"
)

// Error is returned for every rejection the enforcer decides itself.
// errors.Is matches both its Kind and its Reason.
type Error struct {
	Kind       error
	Reason     error
	TenantID   snowflake.ID
	FeatureKey string
	Scope      Scope
}

func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%v: %v", e.Kind, e.Reason)

	var details []string
	if e.FeatureKey != "" {
		details = append(details, "feature="+e.FeatureKey)
	}
	if e.TenantID != 0 {
		details = append(details, "tenant="+e.TenantID.String())
	}
	if e.Scope != "" {
		details = append(details, "scope="+string(e.Scope))
	}
	if len(details) > 0 {
		b.WriteString(" (" + strings.Join(details, ", ") + ")")
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	return []error{e.Kind, e.Reason}
}

func NewValidationError(reason error, tenantID snowflake.ID, featureKey string) *Error {
	return &Error{Kind: ErrValidation, Reason: reason, TenantID: tenantID, FeatureKey: featureKey}
}

func NewNotFoundError(reason error, tenantID snowflake.ID, featureKey string) *Error {
	return &Error{Kind: ErrNotFound, Reason: reason, TenantID: tenantID, FeatureKey: featureKey}
}

func NewPolicyViolation(reason error, tenantID snowflake.ID, featureKey string, scope Scope) *Error {
	return &Error{Kind: ErrPolicyViolation, Reason: reason, TenantID: tenantID, FeatureKey: featureKey, Scope: scope}
}

// AsError reports whether err is an enforcement rejection.
func AsError(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}
