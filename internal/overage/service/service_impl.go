package service

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlement/internal/clock"
	obsmetrics "github.com/smallbiznis/entitlement/internal/observability/metrics"
	overagedomain "github.com/smallbiznis/entitlement/internal/overage/domain"
	pkgdb "github.com/smallbiznis/entitlement/pkg/db"
	"github.com/smallbiznis/entitlement/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	outcomeCreated  = "created"
	outcomeReplayed = "replayed"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID   *snowflake.Node
	clock   clock.Clock
	repo    overagedomain.Repository
	metrics *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Repo    overagedomain.Repository
	Metrics *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) overagedomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("overage.service"),

		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		metrics: p.Metrics,
	}
}

// Record implements domain.Ledger. With an idempotency key the first stored
// write wins: replays return it unchanged without re-validating the payload,
// and a concurrent insert that loses the race re-reads the winner. Storage
// uniqueness provides the guarantee across instances.
func (s *Service) Record(ctx context.Context, req overagedomain.RecordRequest) (*overagedomain.OverageRecord, error) {
	if req.TenantID == 0 {
		return nil, overagedomain.ErrInvalidTenant
	}
	key := normalizeIdempotencyKey(req.IdempotencyKey)

	if key != "" {
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, req.TenantID, key)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			s.replayed(ctx, existing)
			return existing, nil
		}
	}

	record, err := s.buildRecord(ctx, req, key)
	if err != nil {
		return nil, err
	}

	inserted, err := s.repo.Insert(ctx, s.db, record)
	if err != nil {
		if key == "" || !pkgdb.IsDuplicateKeyErr(err) {
			return nil, err
		}
		inserted = false
	}

	if !inserted {
		if key == "" {
			return nil, overagedomain.ErrIdempotencyConflict
		}
		existing, err := s.repo.FindByIdempotencyKey(ctx, s.db, req.TenantID, key)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, overagedomain.ErrIdempotencyConflict
		}
		s.replayed(ctx, existing)
		return existing, nil
	}

	s.metrics.RecordOverage(ctx, outcomeCreated, record.FeatureKey, record.Quantity)
	s.log.Info("overage recorded",
		zap.String("overage_id", record.ID.String()),
		zap.String("tenant_id", record.TenantID.String()),
		zap.String("feature_key", record.FeatureKey),
		zap.Int64("quantity", record.Quantity),
		zap.Int64("unit_price_minor", record.UnitPriceMinor),
		zap.String("currency", record.Currency),
	)
	return record, nil
}

func (s *Service) FindByIdempotencyKey(ctx context.Context, tenantID snowflake.ID, key string) (*overagedomain.OverageRecord, error) {
	if tenantID == 0 {
		return nil, overagedomain.ErrInvalidTenant
	}
	key = normalizeIdempotencyKey(key)
	if key == "" {
		return nil, nil
	}
	return s.repo.FindByIdempotencyKey(ctx, s.db, tenantID, key)
}

// List pages through a tenant's records in (occurred_at, id) order.
func (s *Service) List(ctx context.Context, req overagedomain.ListRequest) (overagedomain.ListResponse, error) {
	if req.TenantID == 0 {
		return overagedomain.ListResponse{}, overagedomain.ErrInvalidTenant
	}
	if req.OccurredFrom != nil && req.OccurredTo != nil && !req.OccurredFrom.Before(*req.OccurredTo) {
		return overagedomain.ListResponse{}, overagedomain.ErrInvalidPeriod
	}

	size := req.Size()
	filter := overagedomain.ListFilter{
		TenantID:   req.TenantID,
		FeatureKey: strings.TrimSpace(req.FeatureKey),
		From:       utcPtr(req.OccurredFrom),
		To:         utcPtr(req.OccurredTo),
		Limit:      size + 1,
	}

	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return overagedomain.ListResponse{}, err
		}
		afterID, err := snowflake.ParseString(cursor.ID)
		if err != nil {
			return overagedomain.ListResponse{}, pagination.ErrInvalidPageToken
		}
		afterAt, err := time.Parse(time.RFC3339Nano, cursor.At)
		if err != nil {
			return overagedomain.ListResponse{}, pagination.ErrInvalidPageToken
		}
		afterAt = afterAt.UTC()
		filter.AfterAt = &afterAt
		filter.AfterID = afterID
	}

	rows, err := s.repo.List(ctx, s.db, filter)
	if err != nil {
		return overagedomain.ListResponse{}, err
	}

	page, info, err := pagination.Trim(rows, size, func(r overagedomain.OverageRecord) (string, error) {
		return pagination.EncodeCursor(pagination.Cursor{
			ID: r.ID.String(),
			At: r.OccurredAt.UTC().Format(time.RFC3339Nano),
		})
	})
	if err != nil {
		return overagedomain.ListResponse{}, err
	}

	return overagedomain.ListResponse{PageInfo: info, Records: page}, nil
}

func (s *Service) buildRecord(ctx context.Context, req overagedomain.RecordRequest, key string) (*overagedomain.OverageRecord, error) {
	featureKey := strings.TrimSpace(req.FeatureKey)
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	start := req.PeriodStart.UTC()
	end := req.PeriodEnd.UTC()

	switch {
	case req.SubscriptionID == 0:
		return nil, overagedomain.ErrInvalidSubscription
	case featureKey == "":
		return nil, overagedomain.ErrInvalidFeatureKey
	case req.Quantity <= 0:
		return nil, overagedomain.ErrInvalidQuantity
	case req.UnitPriceMinor < 0:
		return nil, overagedomain.ErrInvalidUnitPrice
	case len(currency) != 3:
		return nil, overagedomain.ErrInvalidCurrency
	case start.IsZero() || !start.Before(end):
		return nil, overagedomain.ErrInvalidPeriod
	}

	metadata, err := normalizeMetadata(req.Metadata)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now(ctx)
	record := &overagedomain.OverageRecord{
		ID:             s.genID.Generate(),
		TenantID:       req.TenantID,
		SubscriptionID: req.SubscriptionID,
		FeatureKey:     featureKey,
		Quantity:       req.Quantity,
		UnitPriceMinor: req.UnitPriceMinor,
		Currency:       currency,
		OccurredAt:     now,
		PeriodStart:    start,
		PeriodEnd:      end,
		Status:         overagedomain.OverageStatusRecorded,
		Metadata:       metadata,
		CreatedAt:      now,
	}
	if key != "" {
		record.IdempotencyKey = &key
	}
	return record, nil
}

func (s *Service) replayed(ctx context.Context, record *overagedomain.OverageRecord) {
	s.metrics.RecordOverage(ctx, outcomeReplayed, record.FeatureKey, record.Quantity)
	s.log.Debug("overage replayed",
		zap.String("overage_id", record.ID.String()),
		zap.String("tenant_id", record.TenantID.String()),
	)
}

// normalizeMetadata round-trips metadata through JSON the way the jsonb
// column is read back, so numbers are json.Number on fresh and stored records.
func normalizeMetadata(in map[string]any) (datatypes.JSONMap, error) {
	metadata := datatypes.JSONMap{}
	if len(in) == 0 {
		return metadata, nil
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return nil, overagedomain.ErrInvalidMetadata
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&metadata); err != nil {
		return nil, overagedomain.ErrInvalidMetadata
	}
	return metadata, nil
}

func normalizeIdempotencyKey(key string) string {
	return strings.TrimSpace(key)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	value := t.UTC()
	return &value
}
