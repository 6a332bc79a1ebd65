package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitlement/internal/cache"
	"github.com/smallbiznis/entitlement/internal/clock"
	"github.com/smallbiznis/entitlement/internal/config"
	"github.com/smallbiznis/entitlement/internal/entitlement"
	"github.com/smallbiznis/entitlement/internal/featurepolicy"
	"github.com/smallbiznis/entitlement/internal/migration"
	"github.com/smallbiznis/entitlement/internal/observability"
	"github.com/smallbiznis/entitlement/internal/overage"
	"github.com/smallbiznis/entitlement/internal/subscription"
	"github.com/smallbiznis/entitlement/internal/tenantsetting"
	"github.com/smallbiznis/entitlement/pkg/db"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

const commandTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "entitlement",
		Short:         "Feature entitlement enforcement and overage accounting",
		Version:       readVersionFromEnv(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newMigrateCmd(),
		newServeCmd(),
		newConsumeCmd(),
		newSubscriptionCmd(),
		newPolicyCmd(),
		newOverageCmd(),
	)
	return root
}

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate()
		},
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the policy cache invalidation listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func runMigrate() error {
	app := fx.New(
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		migration.Module,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("migrate failed: %w", err)
	}
	_ = app.Stop(context.Background())
	return nil
}

func runServe() {
	app := fx.New(
		append(coreOptions(),
			migration.Module,
			fx.Invoke(startInvalidationListener),
		)...,
	)
	app.Run()
}

// coreOptions wires every domain module a command may need.
func coreOptions() []fx.Option {
	return []fx.Option{
		config.Module,
		observability.Module,
		fx.Provide(registerSnowflake),
		db.Module,
		clock.Module,
		cache.Module,
		subscription.Module,
		featurepolicy.Module,
		tenantsetting.Module,
		overage.Module,
		entitlement.Module,
	}
}

// withServices starts a short-lived app, fills targets and runs fn.
func withServices(fn func(ctx context.Context) error, targets ...any) error {
	app := fx.New(
		append(coreOptions(), fx.NopLogger, fx.Populate(targets...))...,
	)
	if err := app.Err(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := app.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), commandTimeout)
		defer stopCancel()
		_ = app.Stop(stopCtx)
	}()

	return fn(ctx)
}

func registerSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

func readVersionFromEnv() string {
	if v := strings.TrimSpace(os.Getenv("APP_VERSION")); v != "" {
		return v
	}
	return "dev"
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseOptionalTime(value string) (*time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", value, err)
	}
	parsed = parsed.UTC()
	return &parsed, nil
}
