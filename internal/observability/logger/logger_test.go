package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/entitlement/internal/observability/context"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-7")
	ctx = obscontext.WithTenantID(ctx, "1001")

	WithContext(ctx, base).Info("consume")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	require.Equal(t, "req-7", fields["request_id"])
	require.Equal(t, "1001", fields["tenant_id"])
	require.Equal(t, "", fields["trace_id"])
}

func TestOperationFromSQL(t *testing.T) {
	cases := []struct {
		sql  string
		want string
	}{
		{sql: "SELECT * FROM overage_records", want: "SELECT"},
		{sql: "  insert into overage_records (id) values (1)", want: "INSERT"},
		{sql: "WITH x AS (SELECT 1) UPDATE t SET a = 1", want: "SELECT"},
		{sql: "", want: "UNKNOWN"},
		{sql: "VACUUM FULL;", want: "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := operationFromSQL(tc.sql); got != tc.want {
			t.Fatalf("operationFromSQL(%q) = %q, want %q", tc.sql, got, tc.want)
		}
	}
}

func TestParamsFilterHidesValuesByDefault(t *testing.T) {
	l := NewGormLogger(DefaultGormLoggerConfig())
	_, params := l.ParamsFilter(context.Background(), "SELECT ?", 1)
	require.Nil(t, params)

	verbose := NewGormLogger(GormLoggerConfig{LogParams: true})
	_, params = verbose.ParamsFilter(context.Background(), "SELECT ?", 1)
	require.Equal(t, []interface{}{1}, params)
}
