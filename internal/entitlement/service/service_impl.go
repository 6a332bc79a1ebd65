package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/smallbiznis/entitlement/internal/config"
	entitlementdomain "github.com/smallbiznis/entitlement/internal/entitlement/domain"
	policydomain "github.com/smallbiznis/entitlement/internal/featurepolicy/domain"
	obscontext "github.com/smallbiznis/entitlement/internal/observability/context"
	"github.com/smallbiznis/entitlement/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/entitlement/internal/observability/metrics"
	overagedomain "github.com/smallbiznis/entitlement/internal/overage/domain"
	subscriptiondomain "github.com/smallbiznis/entitlement/internal/subscription/domain"
	settingdomain "github.com/smallbiznis/entitlement/internal/tenantsetting/domain"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const tracerName = "github.com/smallbiznis/entitlement/internal/entitlement"

// Service is stateless; concurrent calls for the same tenant and feature
// may each observe the same usage and both pass within the limit.
type Service struct {
	log    *zap.Logger
	tracer trace.Tracer

	subscriptions subscriptiondomain.Lookup
	policies      policydomain.Resolver
	overage       settingdomain.OverageSetting
	ledger        overagedomain.Ledger
	settings      *config.SettingsHolder
	metrics       *obsmetrics.Metrics
}

type ServiceParam struct {
	fx.In

	Log           *zap.Logger
	Tracer        trace.Tracer `optional:"true"`
	Subscriptions subscriptiondomain.Lookup
	Policies      policydomain.Resolver
	Overage       settingdomain.OverageSetting
	Ledger        overagedomain.Ledger
	Settings      *config.SettingsHolder
	Metrics       *obsmetrics.Metrics `optional:"true"`
}

func NewService(p ServiceParam) entitlementdomain.Enforcer {
	tracer := p.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	settings := p.Settings
	if settings == nil {
		settings = config.NewStaticSettingsHolder(config.DefaultEnforcementSettings())
	}
	return &Service{
		log:    p.Log.Named("entitlement.service"),
		tracer: tracer,

		subscriptions: p.Subscriptions,
		policies:      p.Policies,
		overage:       p.Overage,
		ledger:        p.Ledger,
		settings:      settings,
		metrics:       p.Metrics,
	}
}

func (s *Service) ConsumeOrOverage(ctx context.Context, req entitlementdomain.ConsumeRequest) (entitlementdomain.EnforcementResult, error) {
	req.FeatureKey = strings.TrimSpace(req.FeatureKey)
	ctx = obscontext.WithTenantID(ctx, req.TenantID.String())

	ctx, span := s.tracer.Start(ctx, "entitlement.ConsumeOrOverage", trace.WithAttributes(
		attribute.String("tenant_id", req.TenantID.String()),
		attribute.String("feature_key", req.FeatureKey),
		attribute.Int64("delta", req.Delta),
	))
	defer span.End()

	result, err := s.consume(ctx, req)
	s.observe(ctx, span, req, result, err)
	return result, err
}

func (s *Service) consume(ctx context.Context, req entitlementdomain.ConsumeRequest) (entitlementdomain.EnforcementResult, error) {
	tenantID, featureKey := req.TenantID, req.FeatureKey

	switch {
	case req.Delta <= 0:
		return entitlementdomain.EnforcementResult{}, entitlementdomain.NewValidationError(entitlementdomain.ErrInvalidDelta, tenantID, featureKey)
	case tenantID == 0:
		return entitlementdomain.EnforcementResult{}, entitlementdomain.NewValidationError(entitlementdomain.ErrInvalidTenant, tenantID, featureKey)
	case featureKey == "":
		return entitlementdomain.EnforcementResult{}, entitlementdomain.NewValidationError(entitlementdomain.ErrInvalidFeatureKey, tenantID, featureKey)
	case req.UsageBefore == nil:
		return entitlementdomain.EnforcementResult{}, entitlementdomain.NewValidationError(entitlementdomain.ErrMissingUsageSupplier, tenantID, featureKey)
	case req.PeriodStart != nil && req.PeriodEnd != nil && !req.PeriodStart.Before(*req.PeriodEnd):
		return entitlementdomain.EnforcementResult{}, entitlementdomain.NewValidationError(entitlementdomain.ErrInvalidPeriod, tenantID, featureKey)
	}

	sub, err := s.subscriptions.Active(ctx, tenantID)
	if err != nil {
		if errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound) {
			return entitlementdomain.EnforcementResult{}, entitlementdomain.NewNotFoundError(entitlementdomain.ErrNoActiveSubscription, tenantID, featureKey)
		}
		return entitlementdomain.EnforcementResult{}, err
	}

	policy, err := s.policies.Effective(ctx, sub.TierID, tenantID, featureKey)
	if err != nil {
		return entitlementdomain.EnforcementResult{}, err
	}
	if !policy.Enabled {
		return entitlementdomain.EnforcementResult{}, entitlementdomain.NewPolicyViolation(entitlementdomain.ErrFeatureDisabled, tenantID, featureKey, "")
	}
	if policy.Unlimited() {
		return entitlementdomain.Unlimited(featureKey, req.Delta), nil
	}
	limit := *policy.Limit

	usedBefore, err := req.UsageBefore(ctx)
	if err != nil {
		return entitlementdomain.EnforcementResult{}, err
	}
	if usedBefore < 0 {
		return entitlementdomain.EnforcementResult{}, entitlementdomain.NewValidationError(entitlementdomain.ErrInvalidUsage, tenantID, featureKey)
	}

	// usedBefore and limit are both non-negative, so the headroom cannot overflow.
	if usedBefore <= limit && req.Delta <= limit-usedBefore {
		return entitlementdomain.WithinLimit(featureKey, limit, usedBefore, req.Delta), nil
	}

	if !policy.AllowOverage {
		return entitlementdomain.EnforcementResult{}, entitlementdomain.NewPolicyViolation(entitlementdomain.ErrOverageDisabled, tenantID, featureKey, entitlementdomain.ScopeFeature)
	}
	tenantEnabled, err := s.overage.IsEnabled(ctx, tenantID)
	if err != nil {
		return entitlementdomain.EnforcementResult{}, err
	}
	if !tenantEnabled {
		return entitlementdomain.EnforcementResult{}, entitlementdomain.NewPolicyViolation(entitlementdomain.ErrOverageDisabled, tenantID, featureKey, entitlementdomain.ScopeTenant)
	}
	if policy.OverageUnitPriceMinor == nil {
		return entitlementdomain.EnforcementResult{}, entitlementdomain.NewPolicyViolation(entitlementdomain.ErrOveragePriceNotConfigured, tenantID, featureKey, entitlementdomain.ScopeFeature)
	}

	chargeable := chargeableQuantity(usedBefore, req.Delta, limit)
	periodStart, periodEnd := resolvePeriod(sub, req.PeriodStart, req.PeriodEnd)
	if !periodStart.Before(periodEnd) {
		return entitlementdomain.EnforcementResult{}, entitlementdomain.NewValidationError(entitlementdomain.ErrInvalidPeriod, tenantID, featureKey)
	}

	settings := s.settings.Get()
	currency := policy.OverageCurrency
	if strings.TrimSpace(currency) == "" {
		currency = settings.DefaultCurrency
	}

	record, err := s.ledger.Record(ctx, overagedomain.RecordRequest{
		TenantID:       tenantID,
		SubscriptionID: sub.ID,
		FeatureKey:     featureKey,
		Quantity:       chargeable,
		UnitPriceMinor: *policy.OverageUnitPriceMinor,
		Currency:       currency,
		PeriodStart:    periodStart,
		PeriodEnd:      periodEnd,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       recordMetadata(settings.RecordTags, usedBefore, req.Delta, limit),
	})
	if err != nil {
		return entitlementdomain.EnforcementResult{}, err
	}

	return entitlementdomain.WithOverage(featureKey, limit, usedBefore, req.Delta, record), nil
}

func (s *Service) observe(ctx context.Context, span trace.Span, req entitlementdomain.ConsumeRequest, result entitlementdomain.EnforcementResult, err error) {
	log := logger.WithContext(ctx, s.log).With(zap.String("feature_key", req.FeatureKey))

	if err != nil {
		if rejection, ok := entitlementdomain.AsError(err); ok {
			s.metrics.RecordRejection(ctx, rejection.Kind.Error(), rejection.Reason.Error())
			span.SetAttributes(
				attribute.String("rejection.kind", rejection.Kind.Error()),
				attribute.String("rejection.reason", rejection.Reason.Error()),
			)
			log.Info("enforcement rejected",
				zap.String("kind", rejection.Kind.Error()),
				zap.String("reason", rejection.Reason.Error()),
				zap.String("scope", string(rejection.Scope)),
			)
			return
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("enforcement failed", zap.Error(err))
		return
	}

	s.metrics.RecordDecision(ctx, string(result.Decision))
	span.SetAttributes(attribute.String("decision", string(result.Decision)))

	if result.Decision == entitlementdomain.DecisionAllowedWithOverage {
		log.Info("overage charged",
			zap.Int64("used_before", result.UsedBefore),
			zap.Int64("delta", result.RequestedDelta),
			zap.Int64("overage_recorded", result.OverageRecorded),
			zap.String("overage_id", result.Overage.ID.String()),
		)
		return
	}
	log.Debug("enforcement allowed", zap.String("decision", string(result.Decision)))
}

// chargeableQuantity bills only the part of delta past the limit.
func chargeableQuantity(usedBefore, delta, limit int64) int64 {
	if usedBefore >= limit {
		return delta
	}
	return delta - (limit - usedBefore)
}

func resolvePeriod(sub subscriptiondomain.Subscription, start, end *time.Time) (time.Time, time.Time) {
	periodStart, periodEnd := sub.PeriodStart, sub.PeriodEnd
	if start != nil {
		periodStart = *start
	}
	if end != nil {
		periodEnd = *end
	}
	return periodStart.UTC(), periodEnd.UTC()
}

func recordMetadata(tags map[string]string, usedBefore, delta, limit int64) map[string]any {
	metadata := make(map[string]any, len(tags)+3)
	for k, v := range tags {
		metadata[k] = v
	}
	metadata["used_before"] = usedBefore
	metadata["requested_delta"] = delta
	metadata["limit"] = limit
	return metadata
}
