package migration

import (
	"context"

	"github.com/smallbiznis/entitlement/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(lc fx.Lifecycle, conn *gorm.DB, log *zap.Logger) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				if !db.IsPostgres(conn) {
					log.Warn("skipping migrations on non-postgres database",
						zap.String("dialect", conn.Dialector.Name()))
					return nil
				}
				sqlDB, err := conn.DB()
				if err != nil {
					return err
				}
				if err := RunMigrations(ctx, sqlDB); err != nil {
					return err
				}
				log.Info("migrations applied")
				return nil
			},
		})
	}),
)
