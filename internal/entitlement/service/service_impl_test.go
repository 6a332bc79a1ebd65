package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlement/internal/config"
	entitlementdomain "github.com/smallbiznis/entitlement/internal/entitlement/domain"
	policydomain "github.com/smallbiznis/entitlement/internal/featurepolicy/domain"
	subscriptiondomain "github.com/smallbiznis/entitlement/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	tenantID   snowflake.ID = 1001
	tierID     snowflake.ID = 2002
	featureKey              = "api_calls"
)

var (
	subStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	subEnd   = subStart.AddDate(0, 1, 0)
)

type harness struct {
	svc      entitlementdomain.Enforcer
	lookup   *mockLookup
	resolver *mockResolver
	overage  *mockOverageSetting
	ledger   *fakeLedger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWithSettings(t, config.DefaultEnforcementSettings())
}

func newHarnessWithSettings(t *testing.T, settings config.EnforcementSettings) *harness {
	t.Helper()
	h := &harness{
		lookup:   &mockLookup{},
		resolver: &mockResolver{},
		overage:  &mockOverageSetting{},
		ledger:   &fakeLedger{},
	}
	h.svc = NewService(ServiceParam{
		Log:           zap.NewNop(),
		Subscriptions: h.lookup,
		Policies:      h.resolver,
		Overage:       h.overage,
		Ledger:        h.ledger,
		Settings:      config.NewStaticSettingsHolder(settings),
	})
	return h
}

func (h *harness) withSubscription() *harness {
	h.lookup.On("Active", mock.Anything, tenantID).Return(subscriptiondomain.Subscription{
		ID:          3003,
		TenantID:    tenantID,
		TierID:      tierID,
		Status:      subscriptiondomain.SubscriptionStatusActive,
		PeriodStart: subStart,
		PeriodEnd:   subEnd,
	}, nil)
	return h
}

func (h *harness) withPolicy(policy policydomain.EffectiveFeaturePolicy) *harness {
	policy.TierID, policy.TenantID, policy.FeatureKey = tierID, tenantID, featureKey
	h.resolver.On("Effective", mock.Anything, tierID, tenantID, featureKey).Return(policy, nil)
	return h
}

func (h *harness) withTenantOverage(enabled bool) *harness {
	h.overage.On("IsEnabled", mock.Anything, tenantID).Return(enabled, nil)
	return h
}

func int64Ptr(v int64) *int64 { return &v }

func limited(limit int64) policydomain.EffectiveFeaturePolicy {
	return policydomain.EffectiveFeaturePolicy{Enabled: true, Limit: int64Ptr(limit)}
}

func overageAllowed(limit, price int64, currency string) policydomain.EffectiveFeaturePolicy {
	p := limited(limit)
	p.AllowOverage = true
	p.OverageUnitPriceMinor = int64Ptr(price)
	p.OverageCurrency = currency
	return p
}

func consume(supplier *countingSupplier, delta int64) entitlementdomain.ConsumeRequest {
	return entitlementdomain.ConsumeRequest{
		TenantID:    tenantID,
		FeatureKey:  featureKey,
		Delta:       delta,
		UsageBefore: supplier.Supply,
	}
}

func TestNonPositiveDeltaIsSideEffectFree(t *testing.T) {
	for _, delta := range []int64{0, -1, -1000} {
		t.Run(fmt.Sprint(delta), func(t *testing.T) {
			h := newHarness(t)
			supplier := &countingSupplier{used: 5}

			_, err := h.svc.ConsumeOrOverage(context.Background(), consume(supplier, delta))
			require.ErrorIs(t, err, entitlementdomain.ErrValidation)
			require.ErrorIs(t, err, entitlementdomain.ErrInvalidDelta)

			assert.Zero(t, supplier.calls.Load())
			assert.Zero(t, h.ledger.calls())
			h.lookup.AssertNotCalled(t, "Active", mock.Anything, mock.Anything)
			h.resolver.AssertNotCalled(t, "Effective", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRequestValidation(t *testing.T) {
	supplier := &countingSupplier{}
	start := subStart.Add(time.Hour)

	tests := []struct {
		name string
		req  entitlementdomain.ConsumeRequest
		want error
	}{
		{
			name: "missing supplier",
			req:  entitlementdomain.ConsumeRequest{TenantID: tenantID, FeatureKey: featureKey, Delta: 1},
			want: entitlementdomain.ErrMissingUsageSupplier,
		},
		{
			name: "zero tenant",
			req:  entitlementdomain.ConsumeRequest{FeatureKey: featureKey, Delta: 1, UsageBefore: supplier.Supply},
			want: entitlementdomain.ErrInvalidTenant,
		},
		{
			name: "blank feature",
			req:  entitlementdomain.ConsumeRequest{TenantID: tenantID, FeatureKey: "  ", Delta: 1, UsageBefore: supplier.Supply},
			want: entitlementdomain.ErrInvalidFeatureKey,
		},
		{
			name: "inverted period",
			req: entitlementdomain.ConsumeRequest{
				TenantID: tenantID, FeatureKey: featureKey, Delta: 1, UsageBefore: supplier.Supply,
				PeriodStart: &start, PeriodEnd: &start,
			},
			want: entitlementdomain.ErrInvalidPeriod,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			_, err := h.svc.ConsumeOrOverage(context.Background(), tt.req)
			require.ErrorIs(t, err, entitlementdomain.ErrValidation)
			require.ErrorIs(t, err, tt.want)
			h.lookup.AssertNotCalled(t, "Active", mock.Anything, mock.Anything)
		})
	}
	assert.Zero(t, supplier.calls.Load())
}

func TestNoActiveSubscription(t *testing.T) {
	h := newHarness(t)
	h.lookup.On("Active", mock.Anything, tenantID).
		Return(subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound)
	supplier := &countingSupplier{}

	_, err := h.svc.ConsumeOrOverage(context.Background(), consume(supplier, 1))
	require.ErrorIs(t, err, entitlementdomain.ErrNotFound)
	require.ErrorIs(t, err, entitlementdomain.ErrNoActiveSubscription)
	assert.Zero(t, supplier.calls.Load())
}

func TestCollaboratorErrorsPropagateUnchanged(t *testing.T) {
	boom := errors.New("db unavailable")

	t.Run("lookup", func(t *testing.T) {
		h := newHarness(t)
		h.lookup.On("Active", mock.Anything, tenantID).Return(subscriptiondomain.Subscription{}, boom)

		_, err := h.svc.ConsumeOrOverage(context.Background(), consume(&countingSupplier{}, 1))
		assert.Same(t, boom, err)
	})

	t.Run("resolver", func(t *testing.T) {
		h := newHarness(t).withSubscription()
		h.resolver.On("Effective", mock.Anything, tierID, tenantID, featureKey).
			Return(policydomain.EffectiveFeaturePolicy{}, boom)

		_, err := h.svc.ConsumeOrOverage(context.Background(), consume(&countingSupplier{}, 1))
		assert.Same(t, boom, err)
	})

	t.Run("supplier", func(t *testing.T) {
		h := newHarness(t).withSubscription().withPolicy(limited(10))
		supplier := &countingSupplier{err: boom}

		_, err := h.svc.ConsumeOrOverage(context.Background(), consume(supplier, 1))
		assert.Same(t, boom, err)
		assert.EqualValues(t, 1, supplier.calls.Load())
	})

	t.Run("tenant setting", func(t *testing.T) {
		h := newHarness(t).withSubscription().withPolicy(overageAllowed(10, 100, "USD"))
		h.overage.On("IsEnabled", mock.Anything, tenantID).Return(false, boom)

		_, err := h.svc.ConsumeOrOverage(context.Background(), consume(&countingSupplier{used: 10}, 1))
		assert.Same(t, boom, err)
	})

	t.Run("ledger", func(t *testing.T) {
		h := newHarness(t).withSubscription().withPolicy(overageAllowed(10, 100, "USD")).withTenantOverage(true)
		h.ledger.err = boom

		_, err := h.svc.ConsumeOrOverage(context.Background(), consume(&countingSupplier{used: 10}, 1))
		assert.Same(t, boom, err)
	})
}

func TestFeatureDisabledAlwaysRejects(t *testing.T) {
	policies := []policydomain.EffectiveFeaturePolicy{
		{Enabled: false},
		{Enabled: false, Limit: int64Ptr(0)},
		{Enabled: false, Limit: int64Ptr(1_000_000), AllowOverage: true, OverageUnitPriceMinor: int64Ptr(1)},
	}
	for i, policy := range policies {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			h := newHarness(t).withSubscription().withPolicy(policy)
			supplier := &countingSupplier{used: 0}

			_, err := h.svc.ConsumeOrOverage(context.Background(), consume(supplier, 1))
			require.ErrorIs(t, err, entitlementdomain.ErrPolicyViolation)
			require.ErrorIs(t, err, entitlementdomain.ErrFeatureDisabled)

			rejection, ok := entitlementdomain.AsError(err)
			require.True(t, ok)
			assert.Equal(t, featureKey, rejection.FeatureKey)
			assert.Zero(t, supplier.calls.Load())
			assert.Zero(t, h.ledger.calls())
		})
	}
}

func TestUnlimitedNeverReadsUsageOrLedger(t *testing.T) {
	for _, delta := range []int64{1, 10, 1 << 40} {
		h := newHarness(t).withSubscription().withPolicy(policydomain.EffectiveFeaturePolicy{
			Enabled:               true,
			AllowOverage:          true,
			OverageUnitPriceMinor: int64Ptr(100),
		})
		supplier := &countingSupplier{used: 1 << 50}

		result, err := h.svc.ConsumeOrOverage(context.Background(), consume(supplier, delta))
		require.NoError(t, err)
		assert.Equal(t, entitlementdomain.DecisionAllowedUnlimited, result.Decision)
		assert.Equal(t, delta, result.RequestedDelta)
		assert.Nil(t, result.Limit)
		assert.Nil(t, result.Overage)
		assert.Zero(t, result.OverageRecorded)
		assert.Zero(t, supplier.calls.Load())
		assert.Zero(t, h.ledger.calls())
		h.overage.AssertNotCalled(t, "IsEnabled", mock.Anything, mock.Anything)
	}
}

func TestWithinLimitProperty(t *testing.T) {
	const limit = 10
	for used := int64(0); used <= limit; used++ {
		for delta := int64(1); used+delta <= limit; delta++ {
			h := newHarness(t).withSubscription().withPolicy(overageAllowed(limit, 100, "USD"))
			supplier := &countingSupplier{used: used}

			result, err := h.svc.ConsumeOrOverage(context.Background(), consume(supplier, delta))
			require.NoError(t, err)
			assert.Equal(t, entitlementdomain.DecisionAllowedWithinLimit, result.Decision, "used=%d delta=%d", used, delta)
			assert.Equal(t, used, result.UsedBefore)
			assert.Equal(t, delta, result.RequestedDelta)
			assert.Equal(t, int64(limit), *result.Limit)
			assert.Nil(t, result.Overage)
			assert.EqualValues(t, 1, supplier.calls.Load())
			assert.Zero(t, h.ledger.calls())
		}
	}
}

func TestOverageChargesOnlyThePortionPastTheLimit(t *testing.T) {
	const limit = 10
	for used := int64(0); used <= 15; used++ {
		for delta := int64(1); delta <= 12; delta++ {
			if used+delta <= limit {
				continue
			}
			h := newHarness(t).withSubscription().withPolicy(overageAllowed(limit, 100, "USD")).withTenantOverage(true)

			result, err := h.svc.ConsumeOrOverage(context.Background(), consume(&countingSupplier{used: used}, delta))
			require.NoError(t, err)

			want := min(delta, used+delta-limit)
			assert.Equal(t, entitlementdomain.DecisionAllowedWithOverage, result.Decision)
			assert.Equal(t, want, result.OverageRecorded, "used=%d delta=%d", used, delta)
			if used < limit {
				assert.Less(t, result.OverageRecorded, delta)
			}
			require.Equal(t, 1, h.ledger.calls())
			assert.Equal(t, want, h.ledger.last().Quantity)
			require.NotNil(t, result.Overage)
		}
	}
}

func TestNegativeUsageIsRejected(t *testing.T) {
	for _, used := range []int64{-1, -5, math.MinInt64 + 5, math.MinInt64} {
		t.Run(fmt.Sprint(used), func(t *testing.T) {
			h := newHarness(t).withSubscription().withPolicy(overageAllowed(10, 100, "USD")).withTenantOverage(true)
			supplier := &countingSupplier{used: used}

			_, err := h.svc.ConsumeOrOverage(context.Background(), consume(supplier, 3))
			require.ErrorIs(t, err, entitlementdomain.ErrValidation)
			require.ErrorIs(t, err, entitlementdomain.ErrInvalidUsage)
			assert.EqualValues(t, 1, supplier.calls.Load())
			assert.Zero(t, h.ledger.calls())
		})
	}
}

func TestHugeUsageBillsAtMostDelta(t *testing.T) {
	h := newHarness(t).withSubscription().withPolicy(overageAllowed(10, 100, "USD")).withTenantOverage(true)

	result, err := h.svc.ConsumeOrOverage(context.Background(), consume(&countingSupplier{used: math.MaxInt64}, 3))
	require.NoError(t, err)
	assert.Equal(t, entitlementdomain.DecisionAllowedWithOverage, result.Decision)
	assert.Equal(t, int64(3), result.OverageRecorded)
}

func TestOverageRejections(t *testing.T) {
	t.Run("tenant switch off", func(t *testing.T) {
		h := newHarness(t).withSubscription().withPolicy(overageAllowed(10, 100, "USD")).withTenantOverage(false)

		_, err := h.svc.ConsumeOrOverage(context.Background(), consume(&countingSupplier{used: 9}, 5))
		require.ErrorIs(t, err, entitlementdomain.ErrPolicyViolation)
		require.ErrorIs(t, err, entitlementdomain.ErrOverageDisabled)
		rejection, _ := entitlementdomain.AsError(err)
		assert.Equal(t, entitlementdomain.ScopeTenant, rejection.Scope)
		assert.Zero(t, h.ledger.calls())
	})

	t.Run("feature flag off", func(t *testing.T) {
		h := newHarness(t).withSubscription().withPolicy(limited(10))

		_, err := h.svc.ConsumeOrOverage(context.Background(), consume(&countingSupplier{used: 9}, 5))
		require.ErrorIs(t, err, entitlementdomain.ErrOverageDisabled)
		rejection, _ := entitlementdomain.AsError(err)
		assert.Equal(t, entitlementdomain.ScopeFeature, rejection.Scope)
		assert.Zero(t, h.ledger.calls())
	})

	t.Run("price not configured", func(t *testing.T) {
		policy := limited(10)
		policy.AllowOverage = true
		h := newHarness(t).withSubscription().withPolicy(policy).withTenantOverage(true)

		_, err := h.svc.ConsumeOrOverage(context.Background(), consume(&countingSupplier{used: 9}, 5))
		require.ErrorIs(t, err, entitlementdomain.ErrPolicyViolation)
		require.ErrorIs(t, err, entitlementdomain.ErrOveragePriceNotConfigured)
		assert.Zero(t, h.ledger.calls())
	})
}

func TestOverageRecordRequest(t *testing.T) {
	settings := config.EnforcementSettings{
		DefaultCurrency: "EUR",
		RecordTags:      map[string]string{"source": "gateway", "limit": "ignored"},
	}
	h := newHarnessWithSettings(t, settings).withSubscription().withPolicy(overageAllowed(10, 250, "")).withTenantOverage(true)
	explicitEnd := subStart.Add(7 * 24 * time.Hour)

	req := consume(&countingSupplier{used: 9}, 5)
	req.PeriodEnd = &explicitEnd
	req.IdempotencyKey = "req-42"
	req.FeatureKey = " api_calls "

	result, err := h.svc.ConsumeOrOverage(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, featureKey, result.FeatureKey)

	got := h.ledger.last()
	assert.Equal(t, tenantID, got.TenantID)
	assert.EqualValues(t, 3003, got.SubscriptionID)
	assert.Equal(t, featureKey, got.FeatureKey)
	assert.Equal(t, int64(4), got.Quantity)
	assert.Equal(t, int64(250), got.UnitPriceMinor)
	assert.Equal(t, "EUR", got.Currency)
	assert.True(t, got.PeriodStart.Equal(subStart), "start falls back to the subscription")
	assert.True(t, got.PeriodEnd.Equal(explicitEnd), "explicit end wins")
	assert.Equal(t, "req-42", got.IdempotencyKey)
	assert.Equal(t, map[string]any{
		"source":          "gateway",
		"used_before":     int64(9),
		"requested_delta": int64(5),
		"limit":           int64(10),
	}, got.Metadata)
}

func TestExplicitPeriodMustStillBeOrdered(t *testing.T) {
	h := newHarness(t).withSubscription().withPolicy(overageAllowed(10, 100, "USD")).withTenantOverage(true)
	lateStart := subEnd.Add(time.Hour)

	req := consume(&countingSupplier{used: 10}, 1)
	req.PeriodStart = &lateStart

	_, err := h.svc.ConsumeOrOverage(context.Background(), req)
	require.ErrorIs(t, err, entitlementdomain.ErrInvalidPeriod)
	assert.Zero(t, h.ledger.calls())
}

func TestChargeableQuantity(t *testing.T) {
	tests := []struct {
		used, delta, limit, want int64
	}{
		{used: 9, delta: 5, limit: 10, want: 4},
		{used: 10, delta: 3, limit: 10, want: 3},
		{used: 20, delta: 1, limit: 10, want: 1},
		{used: 0, delta: 11, limit: 10, want: 1},
		{used: 0, delta: 5, limit: 0, want: 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, chargeableQuantity(tt.used, tt.delta, tt.limit), "%+v", tt)
	}
}
