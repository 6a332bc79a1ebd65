package service

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
	policydomain "github.com/smallbiznis/entitlement/internal/featurepolicy/domain"
	overagedomain "github.com/smallbiznis/entitlement/internal/overage/domain"
	subscriptiondomain "github.com/smallbiznis/entitlement/internal/subscription/domain"
	"github.com/stretchr/testify/mock"
)

type mockLookup struct {
	mock.Mock
}

func (m *mockLookup) Active(ctx context.Context, tenantID snowflake.ID) (subscriptiondomain.Subscription, error) {
	args := m.Called(ctx, tenantID)
	return args.Get(0).(subscriptiondomain.Subscription), args.Error(1)
}

type mockResolver struct {
	mock.Mock
}

func (m *mockResolver) Effective(ctx context.Context, tierID, tenantID snowflake.ID, featureKey string) (policydomain.EffectiveFeaturePolicy, error) {
	args := m.Called(ctx, tierID, tenantID, featureKey)
	return args.Get(0).(policydomain.EffectiveFeaturePolicy), args.Error(1)
}

type mockOverageSetting struct {
	mock.Mock
}

func (m *mockOverageSetting) IsEnabled(ctx context.Context, tenantID snowflake.ID) (bool, error) {
	args := m.Called(ctx, tenantID)
	return args.Bool(0), args.Error(1)
}

// fakeLedger echoes requests back as records so property tests can check
// the quantity that reached the ledger.
type fakeLedger struct {
	mu       sync.Mutex
	requests []overagedomain.RecordRequest
	err      error
	nextID   int64
}

func (f *fakeLedger) Record(_ context.Context, req overagedomain.RecordRequest) (*overagedomain.OverageRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	f.nextID++
	return &overagedomain.OverageRecord{
		ID:             snowflake.ID(f.nextID),
		TenantID:       req.TenantID,
		SubscriptionID: req.SubscriptionID,
		FeatureKey:     req.FeatureKey,
		Quantity:       req.Quantity,
		UnitPriceMinor: req.UnitPriceMinor,
		Currency:       req.Currency,
		PeriodStart:    req.PeriodStart,
		PeriodEnd:      req.PeriodEnd,
		Status:         overagedomain.OverageStatusRecorded,
	}, nil
}

func (f *fakeLedger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeLedger) last() overagedomain.RecordRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

type countingSupplier struct {
	used  int64
	err   error
	calls atomic.Int32
}

func (c *countingSupplier) Supply(context.Context) (int64, error) {
	c.calls.Add(1)
	return c.used, c.err
}
