package broker

import (
	"context"

	"go.uber.org/fx"

	"signal_trader/internal/market"
	"signal_trader/internal/models"
	"signal_trader/internal/modules/broker/service"
	"signal_trader/internal/modules/config"
	"signal_trader/pkg/logger"
)

// New picks the gateway by broker.kind.
func New(cfg *config.Config, cal *market.Calendar) models.BrokerGateway {
	b := cfg.Broker
	if b.Kind == "bridge" {
		return service.NewBridge(b.BridgeURL, b.ReconnectAttempts, b.ReconnectBackoff, cal)
	}
	logger.Info("[BROKER] paper trading, account value %.2f", b.PaperAccountValue)
	return service.NewPaper(b.PaperAccountValue, cal)
}

func Module() fx.Option {
	return fx.Module("broker",
		fx.Provide(New),
		fx.Invoke(func(lc fx.Lifecycle, gw models.BrokerGateway) {
			lc.Append(fx.Hook{
				OnStop: func(ctx context.Context) error {
					return gw.Close()
				},
			})
		}),
	)
}
