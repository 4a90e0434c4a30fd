package state

import (
	"signal_trader/internal/modules/config"
	"signal_trader/internal/modules/state/service"

	"go.uber.org/fx"
)

func Module() fx.Option {
	return fx.Module("state",
		fx.Provide(
			func(cfg *config.Config) service.Store {
				return service.NewFileStore(cfg.State.Path, cfg.State.BackupPath)
			},
			service.NewHolder,       // *service.Holder
			service.NewDeduplicator, // *service.Deduplicator
		),
	)
}
