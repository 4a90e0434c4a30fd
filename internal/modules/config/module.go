package config

import "go.uber.org/fx"

// Module supplies an already loaded config, main needs it before fx to set up logging.
func Module(cfg *Config) fx.Option {
	return fx.Module("config",
		fx.Supply(cfg),
	)
}
