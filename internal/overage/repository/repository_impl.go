package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	overagedomain "github.com/smallbiznis/entitlement/internal/overage/domain"
	pkgdb "github.com/smallbiznis/entitlement/pkg/db"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type repo struct{}

func Provide() overagedomain.Repository {
	return &repo{}
}

func (r *repo) FindByIdempotencyKey(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, key string) (*overagedomain.OverageRecord, error) {
	var rows []overagedomain.OverageRecord
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, subscription_id, feature_key, quantity, unit_price_minor, currency,
		        occurred_at, period_start, period_end, status, idempotency_key, metadata, created_at
		 FROM overage_records
		 WHERE tenant_id = ? AND idempotency_key = ?
		 LIMIT 1`,
		tenantID,
		key,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Insert uses ON CONFLICT DO NOTHING against the partial unique index on
// postgres. Other dialects surface the uniqueness violation to the caller.
func (r *repo) Insert(ctx context.Context, db *gorm.DB, record *overagedomain.OverageRecord) (bool, error) {
	tx := db.WithContext(ctx)
	if record.IdempotencyKey != nil && pkgdb.IsPostgres(db) {
		tx = tx.Clauses(idempotencyConflictClause())
	}
	result := tx.Create(record)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter overagedomain.ListFilter) ([]overagedomain.OverageRecord, error) {
	query := db.WithContext(ctx).
		Model(&overagedomain.OverageRecord{}).
		Where("tenant_id = ?", filter.TenantID)

	if filter.FeatureKey != "" {
		query = query.Where("feature_key = ?", filter.FeatureKey)
	}
	if filter.From != nil {
		query = query.Where("occurred_at >= ?", *filter.From)
	}
	if filter.To != nil {
		query = query.Where("occurred_at < ?", *filter.To)
	}
	if filter.AfterAt != nil {
		query = query.Where("(occurred_at > ? OR (occurred_at = ? AND id > ?))",
			*filter.AfterAt, *filter.AfterAt, filter.AfterID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	var rows []overagedomain.OverageRecord
	if err := query.Order("occurred_at ASC").Order("id ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func idempotencyConflictClause() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "tenant_id"}, {Name: "idempotency_key"}},
		TargetWhere: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "idempotency_key IS NOT NULL"},
		}},
		DoNothing: true,
	}
}
