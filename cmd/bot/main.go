package main

import (
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"signal_trader/internal/market"
	"signal_trader/internal/modules/alerts"
	"signal_trader/internal/modules/broker"
	"signal_trader/internal/modules/config"
	"signal_trader/internal/modules/health"
	"signal_trader/internal/modules/journal"
	"signal_trader/internal/modules/postgres"
	"signal_trader/internal/modules/state"
	"signal_trader/internal/notify"
	"signal_trader/internal/runner"
	"signal_trader/pkg/logger"
	"signal_trader/pkg/tracing"
)

const serviceName = "signal_trader"

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger.SetServiceName(serviceName)
	zl, err := logger.Init(logger.Config{Level: cfg.Log.Level, Encoding: cfg.Log.Encoding, File: cfg.Log.File})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("effective config:\n%s", cfg.Dump())

	tracing.SetServiceName(serviceName)

	app := fx.New(
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: zl.With(zap.String("service", serviceName))}
		}),
		fx.StartTimeout(cfg.Engine.BrokerTimeout*3),
		fx.StopTimeout(cfg.Engine.ShutdownTimeout*2+cfg.Engine.BrokerTimeout),
		config.Module(cfg),
		fx.Provide(func(c *config.Config) tracing.Config {
			return tracing.Config{Enabled: c.Tracing.Enabled, Host: c.Tracing.Host, Port: c.Tracing.Port}
		}),
		tracing.Module(),
		market.Module(),
		state.Module(),
		postgres.Module(),
		journal.Module(),
		notify.Module(),
		broker.Module(),
		alerts.Module(),
		health.Module(),
		runner.Module(),
	)
	app.Run()
}
