package notify

import (
	"go.uber.org/fx"

	"signal_trader/internal/modules/config"
	"signal_trader/pkg/logger"
)

// New returns Telegram when token and chat are configured, Stdout otherwise.
func New(cfg *config.Config) Notifier {
	if cfg.Telegram.Token != "" && cfg.Telegram.ChatID != 0 {
		tg, err := NewTelegram(cfg.Telegram.Token, cfg.Telegram.ChatID)
		if err == nil {
			return tg
		}
		logger.Error("[TG] init failed, falling back to stdout: %v", err)
	}
	return NewStdout()
}

func Module() fx.Option {
	return fx.Module("notify", fx.Provide(New))
}
