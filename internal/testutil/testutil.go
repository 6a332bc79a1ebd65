// Package testutil holds database fixtures shared by package tests.
package testutil

import (
	"database/sql"
	"fmt"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var dsnReplacer = strings.NewReplacer("/", "_", " ", "_", "#", "_")

// NewSQLiteDB opens an isolated in-memory database with the full schema.
// A single connection serialises writers the way a real pool would under
// row locks, while interleaving between statements remains possible.
func NewSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", dsnReplacer.Replace(t.Name()))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	_ = db.Exec("PRAGMA busy_timeout = 5000").Error
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range sqliteSchema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

// MockDB wraps a postgres-dialect gorm handle backed by sqlmock.
type MockDB struct {
	DB    *gorm.DB
	Mock  sqlmock.Sqlmock
	SqlDB *sql.DB
}

func NewMockDB(t *testing.T) *MockDB {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err, "create sqlmock")

	dialector := postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	})
	gormDB, err := gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err, "open gorm over sqlmock")

	t.Cleanup(func() { _ = mockDB.Close() })
	return &MockDB{DB: gormDB, Mock: mock, SqlDB: mockDB}
}

func (m *MockDB) ExpectationsWereMet(t *testing.T) {
	t.Helper()
	require.NoError(t, m.Mock.ExpectationsWereMet(), "unmet database expectations")
}

func MustNode(t *testing.T) *snowflake.Node {
	t.Helper()
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	return node
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		tier_id BIGINT NOT NULL,
		status TEXT NOT NULL,
		period_start DATETIME NOT NULL,
		period_end DATETIME NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tier_feature_limits (
		id BIGINT PRIMARY KEY,
		tier_id BIGINT NOT NULL,
		feature_key TEXT NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT 1,
		limit_value BIGINT,
		allow_overage BOOLEAN NOT NULL DEFAULT 0,
		overage_unit_price_minor BIGINT,
		overage_currency TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_tier_feature_limits_tier_feature ON tier_feature_limits (tier_id, feature_key)`,
	`CREATE TABLE IF NOT EXISTS tenant_feature_overrides (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		feature_key TEXT NOT NULL,
		enabled BOOLEAN,
		limit_value BIGINT,
		allow_overage BOOLEAN,
		overage_unit_price_minor BIGINT,
		overage_currency TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_tenant_feature_overrides_tenant_feature ON tenant_feature_overrides (tenant_id, feature_key)`,
	`CREATE TABLE IF NOT EXISTS tenant_overage_settings (
		tenant_id BIGINT PRIMARY KEY,
		overage_enabled BOOLEAN NOT NULL DEFAULT 0,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS overage_records (
		id BIGINT PRIMARY KEY,
		tenant_id BIGINT NOT NULL,
		subscription_id BIGINT NOT NULL,
		feature_key TEXT NOT NULL,
		quantity BIGINT NOT NULL,
		unit_price_minor BIGINT NOT NULL,
		currency TEXT NOT NULL,
		occurred_at DATETIME NOT NULL,
		period_start DATETIME NOT NULL,
		period_end DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'RECORDED',
		idempotency_key TEXT,
		metadata JSON,
		created_at DATETIME NOT NULL
	)`,
	// SQLite treats NULLs as distinct, so a plain unique index matches the
	// partial postgres index.
	`CREATE UNIQUE INDEX IF NOT EXISTS ux_overage_records_tenant_idempotency ON overage_records (tenant_id, idempotency_key)`,
}
