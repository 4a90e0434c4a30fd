package alerts

import (
	"go.uber.org/fx"

	"signal_trader/internal/market"
	"signal_trader/internal/models"
	"signal_trader/internal/modules/alerts/service"
	"signal_trader/internal/modules/config"
)

func Module() fx.Option {
	return fx.Module("alerts",
		fx.Provide(func(cfg *config.Config, cal *market.Calendar) models.AlertSource {
			a := cfg.Alerts
			cols := service.Columns{
				Timestamp:   a.Columns.Timestamp,
				Symbol:      a.Columns.Symbol,
				Price:       a.Columns.Price,
				Description: a.Columns.Description,
			}
			return service.NewCSVSource(a.Dir, a.FilePrefix, a.StrategyName, cols, cal.Location())
		}),
	)
}
