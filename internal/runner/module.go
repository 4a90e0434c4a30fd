package runner

import (
	"context"

	"github.com/opentracing/opentracing-go"
	"go.uber.org/fx"

	"signal_trader/internal/market"
	"signal_trader/internal/models"
	"signal_trader/internal/modules/config"
	hservice "signal_trader/internal/modules/health/service"
	jservice "signal_trader/internal/modules/journal/service"
	"signal_trader/internal/modules/state/service"
	"signal_trader/internal/notify"
	"signal_trader/internal/portfolio"
	"signal_trader/internal/risk"
)

func newGate(cfg *config.Config, h *service.Holder, cal *market.Calendar) *risk.Gate {
	return risk.NewGate(h, cal, risk.Limits{
		MaxDailyTrades:         cfg.Risk.MaxDailyTrades,
		MaxConcurrentPositions: cfg.Risk.MaxConcurrentPositions,
		PositionSizePct:        cfg.Risk.PositionSizePct,
		StopLossPct:            cfg.Risk.StopLossPct,
	})
}

func newTracker(cfg *config.Config, h *service.Holder) *portfolio.Tracker {
	return portfolio.NewTracker(h, cfg.Risk.HoldDuration, cfg.Risk.StopLossPct)
}

type engineIn struct {
	fx.In

	Cfg       *config.Config
	Holder    *service.Holder
	Dedup     *service.Deduplicator
	Gate      *risk.Gate
	Tracker   *portfolio.Tracker
	Scheduler *portfolio.Scheduler
	Calendar  *market.Calendar
	Gateway   models.BrokerGateway
	Source    models.AlertSource
	Journal   jservice.Journal
	Notifier  notify.Notifier
	Health    *hservice.State
}

func newEngine(in engineIn) *Engine {
	return NewEngine(SettingsFrom(in.Cfg), Deps{
		Holder:    in.Holder,
		Dedup:     in.Dedup,
		Gate:      in.Gate,
		Tracker:   in.Tracker,
		Scheduler: in.Scheduler,
		Calendar:  in.Calendar,
		Gateway:   in.Gateway,
		Source:    in.Source,
		Journal:   in.Journal,
		Notifier:  in.Notifier,
		Health:    in.Health,
	})
}

func Module() fx.Option {
	return fx.Module("runner",
		fx.Provide(
			newGate,
			newTracker,
			portfolio.NewScheduler,
			newEngine,
			func(e *Engine) hservice.Reporter { return e },
		),
		fx.Invoke(func(
			lc fx.Lifecycle,
			e *Engine,
			n notify.Notifier,
			_ opentracing.Tracer,
		) {
			lc.Append(fx.Hook{
				OnStart: func(ctx context.Context) error {
					if err := e.Start(ctx); err != nil {
						return err
					}
					if tg, ok := n.(*notify.Telegram); ok {
						return tg.Start(context.Background(), e)
					}
					return nil
				},
				OnStop: func(ctx context.Context) error {
					if tg, ok := n.(*notify.Telegram); ok {
						tg.Stop()
					}
					return e.Stop(ctx)
				},
			})
		}),
	)
}
