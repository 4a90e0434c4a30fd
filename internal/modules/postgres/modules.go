package postgres

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"

	"signal_trader/internal/modules/config"
	"signal_trader/pkg/db"
	"signal_trader/pkg/logger"
)

// Module provides *db.PgTxManager, nil when journal.dsn is empty.
func Module() fx.Option {
	return fx.Module("postgres",
		fx.Provide(
			func(lc fx.Lifecycle, cfg *config.Config) (*db.PgTxManager, error) {
				if cfg.Journal.DSN == "" {
					logger.Info("[PG] no dsn, postgres journal disabled")
					return nil, nil
				}
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()

				poolMaster, err := db.NewPool(ctx, db.PoolConfig{DSN: cfg.Journal.DSN, MaxConns: 4})
				if err != nil {
					return nil, fmt.Errorf("failed to create poolMaster: %w", err)
				}
				if err = poolMaster.Ping(ctx); err != nil {
					poolMaster.Close()
					return nil, fmt.Errorf("ping postgres: %w", err)
				}

				m := db.NewPgTxManager(poolMaster)
				lc.Append(fx.Hook{
					OnStop: func(context.Context) error {
						m.Close()
						return nil
					},
				})
				return m, nil
			},
		),
	)
}
