package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlement/internal/cache"
	"github.com/smallbiznis/entitlement/internal/clock"
	policydomain "github.com/smallbiznis/entitlement/internal/featurepolicy/domain"
	obsmetrics "github.com/smallbiznis/entitlement/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID       *snowflake.Node
	clock       clock.Clock
	repo        policydomain.Repository
	cache       cache.PolicyCache
	invalidator cache.Invalidator
	metrics     *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	DB          *gorm.DB
	Log         *zap.Logger
	GenID       *snowflake.Node
	Clock       clock.Clock
	Repo        policydomain.Repository
	Cache       cache.PolicyCache
	Invalidator cache.Invalidator   `optional:"true"`
	Metrics     *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) policydomain.Service {
	invalidator := p.Invalidator
	if invalidator == nil {
		invalidator = cache.NopInvalidator{}
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("featurepolicy.service"),

		genID:       p.GenID,
		clock:       p.Clock,
		repo:        p.Repo,
		cache:       p.Cache,
		invalidator: invalidator,
		metrics:     p.Metrics,
	}
}

// Effective implements domain.Resolver. Cached entries derived under a
// different tier are treated as misses.
func (s *Service) Effective(ctx context.Context, tierID, tenantID snowflake.ID, featureKey string) (policydomain.EffectiveFeaturePolicy, error) {
	featureKey = strings.TrimSpace(featureKey)
	switch {
	case tierID == 0:
		return policydomain.EffectiveFeaturePolicy{}, policydomain.ErrInvalidTier
	case tenantID == 0:
		return policydomain.EffectiveFeaturePolicy{}, policydomain.ErrInvalidTenant
	case featureKey == "":
		return policydomain.EffectiveFeaturePolicy{}, policydomain.ErrInvalidFeatureKey
	}

	if cached, ok := s.cache.Get(tenantID, featureKey); ok && cached.TierID == tierID {
		s.metrics.RecordCacheLookup(ctx, true)
		return cached, nil
	}
	s.metrics.RecordCacheLookup(ctx, false)

	tier, err := s.repo.FindTierLimit(ctx, s.db, tierID, featureKey)
	if err != nil {
		return policydomain.EffectiveFeaturePolicy{}, err
	}
	override, err := s.repo.FindOverride(ctx, s.db, tenantID, featureKey)
	if err != nil {
		return policydomain.EffectiveFeaturePolicy{}, err
	}

	policy := policydomain.Merge(tierID, tenantID, featureKey, tier, override)
	s.cache.Set(policy)
	return policy, nil
}

func (s *Service) UpsertTierLimit(ctx context.Context, req policydomain.UpsertTierLimitRequest) (policydomain.TierFeatureLimit, error) {
	featureKey := strings.TrimSpace(req.FeatureKey)
	if req.TierID == 0 {
		return policydomain.TierFeatureLimit{}, policydomain.ErrInvalidTier
	}
	if featureKey == "" {
		return policydomain.TierFeatureLimit{}, policydomain.ErrInvalidFeatureKey
	}
	if err := validateFields(req.LimitValue, req.OverageUnitPriceMinor); err != nil {
		return policydomain.TierFeatureLimit{}, err
	}
	currency, err := normalizeCurrency(req.OverageCurrency)
	if err != nil {
		return policydomain.TierFeatureLimit{}, err
	}

	now := s.clock.Now(ctx)
	row := policydomain.TierFeatureLimit{
		ID:                    s.genID.Generate(),
		TierID:                req.TierID,
		FeatureKey:            featureKey,
		Enabled:               req.Enabled,
		LimitValue:            req.LimitValue,
		AllowOverage:          req.AllowOverage,
		OverageUnitPriceMinor: req.OverageUnitPriceMinor,
		OverageCurrency:       currency,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.repo.UpsertTierLimit(ctx, s.db, &row); err != nil {
		return policydomain.TierFeatureLimit{}, err
	}
	stored, err := s.repo.FindTierLimit(ctx, s.db, req.TierID, featureKey)
	if err != nil {
		return policydomain.TierFeatureLimit{}, err
	}
	if stored == nil {
		stored = &row
	}

	s.cache.InvalidateTierFeature(req.TierID, featureKey)
	s.broadcast(ctx, cache.Message{
		Action:     cache.ActionTierFeature,
		TierID:     req.TierID,
		FeatureKey: featureKey,
	})

	s.log.Info("tier feature limit saved",
		zap.String("tier_id", req.TierID.String()),
		zap.String("feature_key", featureKey),
	)
	return *stored, nil
}

func (s *Service) UpsertOverride(ctx context.Context, req policydomain.UpsertOverrideRequest) (policydomain.TenantFeatureOverride, error) {
	featureKey := strings.TrimSpace(req.FeatureKey)
	if req.TenantID == 0 {
		return policydomain.TenantFeatureOverride{}, policydomain.ErrInvalidTenant
	}
	if featureKey == "" {
		return policydomain.TenantFeatureOverride{}, policydomain.ErrInvalidFeatureKey
	}
	if err := validateFields(req.LimitValue, req.OverageUnitPriceMinor); err != nil {
		return policydomain.TenantFeatureOverride{}, err
	}
	currency, err := normalizeCurrency(req.OverageCurrency)
	if err != nil {
		return policydomain.TenantFeatureOverride{}, err
	}

	now := s.clock.Now(ctx)
	row := policydomain.TenantFeatureOverride{
		ID:                    s.genID.Generate(),
		TenantID:              req.TenantID,
		FeatureKey:            featureKey,
		Enabled:               req.Enabled,
		LimitValue:            req.LimitValue,
		AllowOverage:          req.AllowOverage,
		OverageUnitPriceMinor: req.OverageUnitPriceMinor,
		OverageCurrency:       currency,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := s.repo.UpsertOverride(ctx, s.db, &row); err != nil {
		return policydomain.TenantFeatureOverride{}, err
	}
	stored, err := s.repo.FindOverride(ctx, s.db, req.TenantID, featureKey)
	if err != nil {
		return policydomain.TenantFeatureOverride{}, err
	}
	if stored == nil {
		stored = &row
	}

	s.invalidateTenantFeature(ctx, req.TenantID, featureKey)
	s.log.Info("tenant feature override saved",
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("feature_key", featureKey),
	)
	return *stored, nil
}

func (s *Service) DeleteOverride(ctx context.Context, tenantID snowflake.ID, featureKey string) error {
	featureKey = strings.TrimSpace(featureKey)
	if tenantID == 0 {
		return policydomain.ErrInvalidTenant
	}
	if featureKey == "" {
		return policydomain.ErrInvalidFeatureKey
	}

	deleted, err := s.repo.DeleteOverride(ctx, s.db, tenantID, featureKey)
	if err != nil {
		return err
	}
	if !deleted {
		return policydomain.ErrOverrideNotFound
	}

	s.invalidateTenantFeature(ctx, tenantID, featureKey)
	s.log.Info("tenant feature override removed",
		zap.String("tenant_id", tenantID.String()),
		zap.String("feature_key", featureKey),
	)
	return nil
}

func (s *Service) invalidateTenantFeature(ctx context.Context, tenantID snowflake.ID, featureKey string) {
	s.cache.Invalidate(tenantID, featureKey)
	s.broadcast(ctx, cache.Message{
		Action:     cache.ActionTenantFeature,
		TenantID:   tenantID,
		FeatureKey: featureKey,
	})
}

// broadcast is best effort: the write is committed and the local cache is
// already clean, peers fall back to the cache TTL.
func (s *Service) broadcast(ctx context.Context, msg cache.Message) {
	if err := s.invalidator.Publish(ctx, msg); err != nil {
		s.log.Warn("policy invalidation broadcast failed",
			zap.String("action", string(msg.Action)),
			zap.String("feature_key", msg.FeatureKey),
			zap.Error(err),
		)
	}
}

func validateFields(limit, price *int64) error {
	if limit != nil && *limit < 0 {
		return policydomain.ErrInvalidLimit
	}
	if price != nil && *price < 0 {
		return policydomain.ErrInvalidPrice
	}
	return nil
}

func normalizeCurrency(currency *string) (*string, error) {
	if currency == nil {
		return nil, nil
	}
	value := strings.ToUpper(strings.TrimSpace(*currency))
	if len(value) != 3 {
		return nil, policydomain.ErrInvalidCurrency
	}
	for _, r := range value {
		if r < 'A' || r > 'Z' {
			return nil, policydomain.ErrInvalidCurrency
		}
	}
	return &value, nil
}
