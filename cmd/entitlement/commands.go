package main

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	entitlementdomain "github.com/smallbiznis/entitlement/internal/entitlement/domain"
	policydomain "github.com/smallbiznis/entitlement/internal/featurepolicy/domain"
	overagedomain "github.com/smallbiznis/entitlement/internal/overage/domain"
	subscriptiondomain "github.com/smallbiznis/entitlement/internal/subscription/domain"
	settingdomain "github.com/smallbiznis/entitlement/internal/tenantsetting/domain"
	"github.com/smallbiznis/entitlement/pkg/db/pagination"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newConsumeCmd() *cobra.Command {
	var (
		tenantID       int64
		featureKey     string
		delta          int64
		used           int64
		idempotencyKey string
		periodStart    string
		periodEnd      string
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Enforce one metered action and print the decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseOptionalTime(periodStart)
			if err != nil {
				return err
			}
			end, err := parseOptionalTime(periodEnd)
			if err != nil {
				return err
			}

			var enforcer entitlementdomain.Enforcer
			return withServices(func(ctx context.Context) error {
				result, err := enforcer.ConsumeOrOverage(ctx, entitlementdomain.ConsumeRequest{
					TenantID:   snowflake.ID(tenantID),
					FeatureKey: featureKey,
					Delta:      delta,
					UsageBefore: func(context.Context) (int64, error) {
						return used, nil
					},
					PeriodStart:    start,
					PeriodEnd:      end,
					IdempotencyKey: idempotencyKey,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			}, &enforcer)
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&tenantID, "tenant", 0, "tenant id")
	flags.StringVar(&featureKey, "feature", "", "feature key")
	flags.Int64Var(&delta, "delta", 1, "units requested")
	flags.Int64Var(&used, "used", 0, "usage already consumed this period")
	flags.StringVar(&idempotencyKey, "idempotency-key", "", "deduplicates overage records")
	flags.StringVar(&periodStart, "period-start", "", "RFC3339 period start override")
	flags.StringVar(&periodEnd, "period-end", "", "RFC3339 period end override")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}

func newSubscriptionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "subscription",
		Short: "Manage tenant subscriptions",
	}

	var (
		tenantID    int64
		tierID      int64
		status      string
		periodStart string
		periodEnd   string
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a subscription for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			start, err := parseOptionalTime(periodStart)
			if err != nil {
				return err
			}
			end, err := parseOptionalTime(periodEnd)
			if err != nil {
				return err
			}
			if start == nil || end == nil {
				return subscriptiondomain.ErrInvalidPeriod
			}

			var svc subscriptiondomain.Service
			return withServices(func(ctx context.Context) error {
				sub, err := svc.Create(ctx, subscriptiondomain.CreateRequest{
					TenantID:    snowflake.ID(tenantID),
					TierID:      snowflake.ID(tierID),
					Status:      subscriptiondomain.SubscriptionStatus(strings.ToUpper(strings.TrimSpace(status))),
					PeriodStart: *start,
					PeriodEnd:   *end,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, sub)
			}, &svc)
		},
	}
	flags := create.Flags()
	flags.Int64Var(&tenantID, "tenant", 0, "tenant id")
	flags.Int64Var(&tierID, "tier", 0, "tier id")
	flags.StringVar(&status, "status", string(subscriptiondomain.SubscriptionStatusActive), "subscription status")
	flags.StringVar(&periodStart, "period-start", "", "RFC3339 period start")
	flags.StringVar(&periodEnd, "period-end", "", "RFC3339 period end")
	_ = create.MarkFlagRequired("tenant")
	_ = create.MarkFlagRequired("tier")

	cmd.AddCommand(create)
	return cmd
}

func newPolicyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage tier limits and tenant overrides",
	}
	cmd.AddCommand(newSetTierCmd(), newSetOverrideCmd(), newClearOverrideCmd())
	return cmd
}

type policyFlags struct {
	featureKey   string
	enabled      bool
	limit        int64
	allowOverage bool
	price        int64
	currency     string
}

func (f *policyFlags) bind(flags *pflag.FlagSet) {
	flags.StringVar(&f.featureKey, "feature", "", "feature key")
	flags.BoolVar(&f.enabled, "enabled", true, "feature enabled")
	flags.Int64Var(&f.limit, "limit", 0, "usage limit; omit for unlimited")
	flags.BoolVar(&f.allowOverage, "allow-overage", false, "bill usage beyond the limit")
	flags.Int64Var(&f.price, "price", 0, "overage unit price in minor units")
	flags.StringVar(&f.currency, "currency", "", "ISO 4217 overage currency")
}

func int64Flag(flags *pflag.FlagSet, name string, value int64) *int64 {
	if !flags.Changed(name) {
		return nil
	}
	return &value
}

func boolFlag(flags *pflag.FlagSet, name string, value bool) *bool {
	if !flags.Changed(name) {
		return nil
	}
	return &value
}

func stringFlag(flags *pflag.FlagSet, name, value string) *string {
	if !flags.Changed(name) {
		return nil
	}
	return &value
}

func newSetTierCmd() *cobra.Command {
	var (
		tierID int64
		pf     policyFlags
	)
	cmd := &cobra.Command{
		Use:   "set-tier",
		Short: "Upsert the limit a tier grants for a feature",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			var svc policydomain.Service
			return withServices(func(ctx context.Context) error {
				limit, err := svc.UpsertTierLimit(ctx, policydomain.UpsertTierLimitRequest{
					TierID:                snowflake.ID(tierID),
					FeatureKey:            pf.featureKey,
					Enabled:               pf.enabled,
					LimitValue:            int64Flag(flags, "limit", pf.limit),
					AllowOverage:          pf.allowOverage,
					OverageUnitPriceMinor: int64Flag(flags, "price", pf.price),
					OverageCurrency:       stringFlag(flags, "currency", pf.currency),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, limit)
			}, &svc)
		},
	}
	cmd.Flags().Int64Var(&tierID, "tier", 0, "tier id")
	pf.bind(cmd.Flags())
	_ = cmd.MarkFlagRequired("tier")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}

func newSetOverrideCmd() *cobra.Command {
	var (
		tenantID int64
		pf       policyFlags
	)
	cmd := &cobra.Command{
		Use:   "set-override",
		Short: "Upsert a tenant override; unset flags inherit from the tier",
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			var svc policydomain.Service
			return withServices(func(ctx context.Context) error {
				override, err := svc.UpsertOverride(ctx, policydomain.UpsertOverrideRequest{
					TenantID:              snowflake.ID(tenantID),
					FeatureKey:            pf.featureKey,
					Enabled:               boolFlag(flags, "enabled", pf.enabled),
					LimitValue:            int64Flag(flags, "limit", pf.limit),
					AllowOverage:          boolFlag(flags, "allow-overage", pf.allowOverage),
					OverageUnitPriceMinor: int64Flag(flags, "price", pf.price),
					OverageCurrency:       stringFlag(flags, "currency", pf.currency),
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, override)
			}, &svc)
		},
	}
	cmd.Flags().Int64Var(&tenantID, "tenant", 0, "tenant id")
	pf.bind(cmd.Flags())
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}

func newClearOverrideCmd() *cobra.Command {
	var (
		tenantID   int64
		featureKey string
	)
	cmd := &cobra.Command{
		Use:   "clear-override",
		Short: "Remove a tenant override",
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc policydomain.Service
			return withServices(func(ctx context.Context) error {
				return svc.DeleteOverride(ctx, snowflake.ID(tenantID), featureKey)
			}, &svc)
		},
	}
	cmd.Flags().Int64Var(&tenantID, "tenant", 0, "tenant id")
	cmd.Flags().StringVar(&featureKey, "feature", "", "feature key")
	_ = cmd.MarkFlagRequired("tenant")
	_ = cmd.MarkFlagRequired("feature")
	return cmd
}

func newOverageCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "overage",
		Short: "Tenant overage settings and recorded overage",
	}
	cmd.AddCommand(
		newOverageToggleCmd("enable", true),
		newOverageToggleCmd("disable", false),
		newOverageListCmd(),
	)
	return cmd
}

func newOverageToggleCmd(use string, enabled bool) *cobra.Command {
	var tenantID int64
	cmd := &cobra.Command{
		Use:   use,
		Short: use + " overage billing for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			var svc settingdomain.Service
			return withServices(func(ctx context.Context) error {
				return svc.SetEnabled(ctx, snowflake.ID(tenantID), enabled)
			}, &svc)
		},
	}
	cmd.Flags().Int64Var(&tenantID, "tenant", 0, "tenant id")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newOverageListCmd() *cobra.Command {
	var (
		tenantID   int64
		featureKey string
		from       string
		to         string
		pageToken  string
		pageSize   int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded overage for a tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			occurredFrom, err := parseOptionalTime(from)
			if err != nil {
				return err
			}
			occurredTo, err := parseOptionalTime(to)
			if err != nil {
				return err
			}

			var svc overagedomain.Service
			return withServices(func(ctx context.Context) error {
				resp, err := svc.List(ctx, overagedomain.ListRequest{
					Pagination: pagination.Pagination{
						PageToken: pageToken,
						PageSize:  pageSize,
					},
					TenantID:     snowflake.ID(tenantID),
					FeatureKey:   featureKey,
					OccurredFrom: occurredFrom,
					OccurredTo:   occurredTo,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd, resp)
			}, &svc)
		},
	}
	flags := cmd.Flags()
	flags.Int64Var(&tenantID, "tenant", 0, "tenant id")
	flags.StringVar(&featureKey, "feature", "", "filter by feature key")
	flags.StringVar(&from, "from", "", "RFC3339 lower bound on occurred_at")
	flags.StringVar(&to, "to", "", "RFC3339 exclusive upper bound on occurred_at")
	flags.StringVar(&pageToken, "page-token", "", "cursor from a previous page")
	flags.IntVar(&pageSize, "page-size", pagination.DefaultPageSize, "records per page")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
