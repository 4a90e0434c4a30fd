package journal

import (
	"context"

	"go.uber.org/fx"

	"signal_trader/internal/modules/config"
	"signal_trader/internal/modules/journal/service"
	"signal_trader/pkg/db"
	"signal_trader/pkg/logger"
)

func Module() fx.Option {
	return fx.Module("journal",
		fx.Provide(func(lc fx.Lifecycle, cfg *config.Config, pg *db.PgTxManager) service.Journal {
			var out service.Multi
			if cfg.Journal.Path != "" {
				out = append(out, service.NewFileJournal(cfg.Journal.Path))
			}
			if pg != nil {
				pj := service.NewPgJournal(pg)
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						return pj.EnsureSchema(ctx)
					},
				})
				out = append(out, pj)
			}
			logger.Info("[JOURNAL] %d sink(s)", len(out))
			return out
		}),
	)
}
