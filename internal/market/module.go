package market

import (
	"go.uber.org/fx"

	"signal_trader/internal/modules/config"
)

func Module() fx.Option {
	return fx.Module("market",
		fx.Provide(func(cfg *config.Config) (*Calendar, error) {
			m := cfg.Market
			return NewCalendar(m.Timezone, m.Open, m.Close, m.DayCutoffHour, m.WeekdaysOnly)
		}),
	)
}
