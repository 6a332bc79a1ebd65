package service

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlement/internal/clock"
	subscriptiondomain "github.com/smallbiznis/entitlement/internal/subscription/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID *snowflake.Node
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

type ServiceParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Repo  subscriptiondomain.Repository
}

func NewService(p ServiceParam) subscriptiondomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("subscription.service"),

		genID: p.GenID,
		clock: p.Clock,
		repo:  p.Repo,
	}
}

// Active implements domain.Lookup.
func (s *Service) Active(ctx context.Context, tenantID snowflake.ID) (subscriptiondomain.Subscription, error) {
	if tenantID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTenant
	}

	item, err := s.repo.FindActiveAt(ctx, s.db, tenantID, s.clock.Now(ctx))
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}
	if item == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	return *item, nil
}

// Create implements domain.Service. It seeds subscriptions for local
// environments and tests; lifecycle transitions belong to billing.
func (s *Service) Create(ctx context.Context, req subscriptiondomain.CreateRequest) (subscriptiondomain.Subscription, error) {
	if req.TenantID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTenant
	}
	if req.TierID == 0 {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidTier
	}
	status := req.Status
	if status == "" {
		status = subscriptiondomain.SubscriptionStatusActive
	}
	if !validStatus(status) {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidStatus
	}
	start := req.PeriodStart.UTC()
	end := req.PeriodEnd.UTC()
	if start.IsZero() || !start.Before(end) {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrInvalidPeriod
	}

	now := s.clock.Now(ctx)
	subscription := subscriptiondomain.Subscription{
		ID:          s.genID.Generate(),
		TenantID:    req.TenantID,
		TierID:      req.TierID,
		Status:      status,
		PeriodStart: start,
		PeriodEnd:   end,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.Insert(ctx, s.db, &subscription); err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	s.log.Info("subscription created",
		zap.String("subscription_id", subscription.ID.String()),
		zap.String("tenant_id", subscription.TenantID.String()),
		zap.String("tier_id", subscription.TierID.String()),
	)
	return subscription, nil
}

func validStatus(status subscriptiondomain.SubscriptionStatus) bool {
	switch status {
	case subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.SubscriptionStatusTrialing,
		subscriptiondomain.SubscriptionStatusPastDue,
		subscriptiondomain.SubscriptionStatusCanceled,
		subscriptiondomain.SubscriptionStatusEnded:
		return true
	default:
		return false
	}
}
