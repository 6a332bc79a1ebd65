package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlement/internal/clock"
	overagedomain "github.com/smallbiznis/entitlement/internal/overage/domain"
	"github.com/smallbiznis/entitlement/internal/overage/repository"
	"github.com/smallbiznis/entitlement/internal/testutil"
	"github.com/smallbiznis/entitlement/pkg/db/pagination"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	periodStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	periodEnd   = periodStart.AddDate(0, 1, 0)
)

func setupLedger(t *testing.T) (overagedomain.Service, *gorm.DB, *clock.FakeClock) {
	t.Helper()

	db := testutil.NewSQLiteDB(t)
	clk := clock.NewFakeClock(periodStart.Add(10 * 24 * time.Hour))
	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: testutil.MustNode(t),
		Clock: clk,
		Repo:  repository.Provide(),
	})
	return svc, db, clk
}

func recordRequest(tenantID snowflake.ID, quantity int64, key string) overagedomain.RecordRequest {
	return overagedomain.RecordRequest{
		TenantID:       tenantID,
		SubscriptionID: 900,
		FeatureKey:     "api_calls",
		Quantity:       quantity,
		UnitPriceMinor: 100,
		Currency:       "usd",
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		IdempotencyKey: key,
		Metadata:       map[string]any{"limit": 10},
	}
}

func countRecords(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var count int64
	require.NoError(t, db.Raw(`SELECT COUNT(*) FROM overage_records`).Scan(&count).Error)
	return count
}

func TestRecordCreatesRecord(t *testing.T) {
	svc, db, clk := setupLedger(t)
	ctx := context.Background()

	record, err := svc.Record(ctx, recordRequest(1, 4, "req-1"))
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.NotZero(t, record.ID)
	assert.Equal(t, int64(4), record.Quantity)
	assert.Equal(t, "USD", record.Currency)
	assert.Equal(t, overagedomain.OverageStatusRecorded, record.Status)
	assert.Equal(t, int64(400), record.AmountMinor())
	assert.True(t, record.OccurredAt.Equal(clk.Now(ctx)))
	require.NotNil(t, record.IdempotencyKey)
	assert.Equal(t, "req-1", *record.IdempotencyKey)

	stored, err := svc.FindByIdempotencyKey(ctx, 1, "req-1")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, record.ID, stored.ID)
	assert.Equal(t, json.Number("10"), record.Metadata["limit"])
	assert.Equal(t, json.Number("10"), stored.Metadata["limit"])
	assert.Equal(t, record.Metadata, stored.Metadata)
	assert.True(t, stored.PeriodEnd.Equal(periodEnd))
	assert.Equal(t, int64(1), countRecords(t, db))
}

func TestRecordReplayReturnsFirstWrite(t *testing.T) {
	svc, db, _ := setupLedger(t)
	ctx := context.Background()

	first, err := svc.Record(ctx, recordRequest(1, 4, "X"))
	require.NoError(t, err)

	second, err := svc.Record(ctx, recordRequest(1, 7, "  X  "))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int64(4), second.Quantity)
	assert.Equal(t, first.Metadata, second.Metadata, "replay carries the same metadata types")

	// An invalid payload is not re-validated once the key exists.
	invalid := recordRequest(1, 0, "X")
	invalid.Currency = ""
	third, err := svc.Record(ctx, invalid)
	require.NoError(t, err)
	assert.Equal(t, first.ID, third.ID)

	assert.Equal(t, int64(1), countRecords(t, db))
}

func TestRecordWithoutKeyAlwaysCreates(t *testing.T) {
	svc, db, _ := setupLedger(t)
	ctx := context.Background()

	a, err := svc.Record(ctx, recordRequest(1, 2, ""))
	require.NoError(t, err)
	b, err := svc.Record(ctx, recordRequest(1, 2, "   "))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Nil(t, a.IdempotencyKey)
	assert.Nil(t, b.IdempotencyKey)
	assert.Equal(t, int64(2), countRecords(t, db))
}

func TestRecordKeysAreScopedPerTenant(t *testing.T) {
	svc, db, _ := setupLedger(t)
	ctx := context.Background()

	a, err := svc.Record(ctx, recordRequest(1, 2, "shared"))
	require.NoError(t, err)
	b, err := svc.Record(ctx, recordRequest(2, 2, "shared"))
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, int64(2), countRecords(t, db))
}

func TestRecordValidation(t *testing.T) {
	svc, db, _ := setupLedger(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*overagedomain.RecordRequest)
		want   error
	}{
		{name: "tenant", mutate: func(r *overagedomain.RecordRequest) { r.TenantID = 0 }, want: overagedomain.ErrInvalidTenant},
		{name: "subscription", mutate: func(r *overagedomain.RecordRequest) { r.SubscriptionID = 0 }, want: overagedomain.ErrInvalidSubscription},
		{name: "feature", mutate: func(r *overagedomain.RecordRequest) { r.FeatureKey = " " }, want: overagedomain.ErrInvalidFeatureKey},
		{name: "zero quantity", mutate: func(r *overagedomain.RecordRequest) { r.Quantity = 0 }, want: overagedomain.ErrInvalidQuantity},
		{name: "negative price", mutate: func(r *overagedomain.RecordRequest) { r.UnitPriceMinor = -1 }, want: overagedomain.ErrInvalidUnitPrice},
		{name: "currency", mutate: func(r *overagedomain.RecordRequest) { r.Currency = "dollars" }, want: overagedomain.ErrInvalidCurrency},
		{name: "empty period", mutate: func(r *overagedomain.RecordRequest) { r.PeriodEnd = r.PeriodStart }, want: overagedomain.ErrInvalidPeriod},
		{name: "zero period", mutate: func(r *overagedomain.RecordRequest) { r.PeriodStart = time.Time{} }, want: overagedomain.ErrInvalidPeriod},
		{name: "metadata", mutate: func(r *overagedomain.RecordRequest) { r.Metadata = map[string]any{"ch": make(chan int)} }, want: overagedomain.ErrInvalidMetadata},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := recordRequest(1, 3, "v-"+tt.name)
			tt.mutate(&req)
			_, err := svc.Record(ctx, req)
			require.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, int64(0), countRecords(t, db))
}

func TestRecordConcurrentSameKeyConvergesToOneRow(t *testing.T) {
	svc, db, _ := setupLedger(t)
	ctx := context.Background()

	const workers = 20
	var wg sync.WaitGroup
	ids := make([]snowflake.ID, workers)
	errs := make([]error, workers)

	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			<-start
			record, err := svc.Record(ctx, recordRequest(1, 4, "X"))
			errs[idx] = err
			if record != nil {
				ids[idx] = record.ID
			}
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i], "worker %d", i)
		assert.Equal(t, ids[0], ids[i], "worker %d", i)
	}
	assert.NotZero(t, ids[0])
	assert.Equal(t, int64(1), countRecords(t, db))
}

func TestFindByIdempotencyKey(t *testing.T) {
	svc, _, _ := setupLedger(t)
	ctx := context.Background()

	got, err := svc.FindByIdempotencyKey(ctx, 1, "missing")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = svc.FindByIdempotencyKey(ctx, 1, "  ")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = svc.FindByIdempotencyKey(ctx, 0, "x")
	require.ErrorIs(t, err, overagedomain.ErrInvalidTenant)
}

func TestListPagesInOccurrenceOrder(t *testing.T) {
	svc, _, clk := setupLedger(t)
	ctx := context.Background()

	var want []snowflake.ID
	for i := 0; i < 5; i++ {
		clk.Advance(time.Minute)
		record, err := svc.Record(ctx, recordRequest(1, int64(i+1), fmt.Sprintf("k-%d", i)))
		require.NoError(t, err)
		want = append(want, record.ID)
	}
	other := recordRequest(1, 1, "")
	other.FeatureKey = "seats"
	_, err := svc.Record(ctx, other)
	require.NoError(t, err)
	_, err = svc.Record(ctx, recordRequest(2, 1, ""))
	require.NoError(t, err)

	var got []snowflake.ID
	req := overagedomain.ListRequest{
		Pagination: pagination.Pagination{PageSize: 2},
		TenantID:   1,
		FeatureKey: "api_calls",
	}
	for pages := 0; pages < 10; pages++ {
		resp, err := svc.List(ctx, req)
		require.NoError(t, err)
		for _, r := range resp.Records {
			got = append(got, r.ID)
		}
		if !resp.HasMore {
			break
		}
		require.NotEmpty(t, resp.NextPageToken)
		req.PageToken = resp.NextPageToken
	}
	assert.Equal(t, want, got)

	all, err := svc.List(ctx, overagedomain.ListRequest{TenantID: 1})
	require.NoError(t, err)
	assert.Len(t, all.Records, 6)
	assert.False(t, all.HasMore)
}

func TestListFiltersByOccurrenceWindow(t *testing.T) {
	svc, _, clk := setupLedger(t)
	ctx := context.Background()

	base := clk.Now(ctx)
	for i := 0; i < 3; i++ {
		_, err := svc.Record(ctx, recordRequest(1, 1, ""))
		require.NoError(t, err)
		clk.Advance(time.Hour)
	}

	from := base.Add(30 * time.Minute)
	to := base.Add(90 * time.Minute)
	resp, err := svc.List(ctx, overagedomain.ListRequest{TenantID: 1, OccurredFrom: &from, OccurredTo: &to})
	require.NoError(t, err)
	require.Len(t, resp.Records, 1)
	assert.True(t, resp.Records[0].OccurredAt.Equal(base.Add(time.Hour)))

	_, err = svc.List(ctx, overagedomain.ListRequest{TenantID: 1, OccurredFrom: &to, OccurredTo: &from})
	require.ErrorIs(t, err, overagedomain.ErrInvalidPeriod)

	_, err = svc.List(ctx, overagedomain.ListRequest{
		TenantID:   1,
		Pagination: pagination.Pagination{PageToken: "garbage!"},
	})
	require.ErrorIs(t, err, pagination.ErrInvalidPageToken)
}
