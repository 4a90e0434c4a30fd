package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v2"
)

const (
	configFilePathENV = "CONFIG_FILE"
	configDirENV      = "CONFIG_DIR"
	envPrefix         = "SIGNAL_TRADER"
	telegramTokenENV  = "TELEGRAM_TOKEN"
	databaseDSNENV    = "DATABASE_DSN"
)

// Config is validated once at startup and never re-read.
type Config struct {
	Risk     Risk     `mapstructure:"risk" yaml:"risk"`
	Alerts   Alerts   `mapstructure:"alerts" yaml:"alerts"`
	Engine   Engine   `mapstructure:"engine" yaml:"engine"`
	Market   Market   `mapstructure:"market" yaml:"market"`
	State    State    `mapstructure:"state" yaml:"state"`
	Broker   Broker   `mapstructure:"broker" yaml:"broker"`
	Journal  Journal  `mapstructure:"journal" yaml:"journal"`
	Telegram Telegram `mapstructure:"telegram" yaml:"telegram"`
	Health   Health   `mapstructure:"health" yaml:"health"`
	Tracing  Tracing  `mapstructure:"tracing" yaml:"tracing"`
	Log      Log      `mapstructure:"log" yaml:"log"`
}

type Risk struct {
	MaxDailyTrades         int           `mapstructure:"max_daily_trades" yaml:"max_daily_trades" validate:"gt=0"`
	MaxConcurrentPositions int           `mapstructure:"max_concurrent_positions" yaml:"max_concurrent_positions" validate:"gt=0"`
	PositionSizePct        float64       `mapstructure:"position_size_pct" yaml:"position_size_pct" validate:"gt=0,lte=100"`
	StopLossPct            float64       `mapstructure:"stop_loss_pct" yaml:"stop_loss_pct" validate:"gt=0,lt=100"`
	HoldDuration           time.Duration `mapstructure:"hold_duration" yaml:"hold_duration" validate:"gt=0"`
}

type Alerts struct {
	Dir                  string        `mapstructure:"dir" yaml:"dir" validate:"required"`
	FilePrefix           string        `mapstructure:"file_prefix" yaml:"file_prefix" validate:"required"`
	StrategyName         string        `mapstructure:"strategy_name" yaml:"strategy_name" validate:"required"`
	Columns              Columns       `mapstructure:"columns" yaml:"columns"`
	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
	ClosedMarketInterval time.Duration `mapstructure:"closed_market_interval" yaml:"closed_market_interval" validate:"gt=0"`
}

// Columns maps CSV header names to signal fields.
type Columns struct {
	Timestamp   string `mapstructure:"timestamp" yaml:"timestamp" validate:"required"`
	Symbol      string `mapstructure:"symbol" yaml:"symbol" validate:"required"`
	Price       string `mapstructure:"price" yaml:"price" validate:"required"`
	Description string `mapstructure:"description" yaml:"description" validate:"required"`
}

type Engine struct {
	ExitInterval      time.Duration `mapstructure:"exit_interval" yaml:"exit_interval" validate:"gt=0"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval" yaml:"reconcile_interval" validate:"gt=0"`
	BrokerTimeout     time.Duration `mapstructure:"broker_timeout" yaml:"broker_timeout" validate:"gt=0"`
	ErrorBackoff      time.Duration `mapstructure:"error_backoff" yaml:"error_backoff" validate:"gt=0"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
}

type Market struct {
	Timezone      string `mapstructure:"timezone" yaml:"timezone" validate:"required"`
	Open          string `mapstructure:"open" yaml:"open" validate:"required"`
	Close         string `mapstructure:"close" yaml:"close" validate:"required"`
	DayCutoffHour int    `mapstructure:"day_cutoff_hour" yaml:"day_cutoff_hour" validate:"gte=0,lte=24"`
	WeekdaysOnly  bool   `mapstructure:"weekdays_only" yaml:"weekdays_only"`
}

type State struct {
	Path          string `mapstructure:"path" yaml:"path" validate:"required"`
	BackupPath    string `mapstructure:"backup_path" yaml:"backup_path" validate:"required"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days" validate:"gt=0"`
}

type Broker struct {
	Kind              string        `mapstructure:"kind" yaml:"kind" validate:"oneof=paper bridge"`
	BridgeURL         string        `mapstructure:"bridge_url" yaml:"bridge_url" validate:"required_if=Kind bridge"`
	PaperAccountValue float64       `mapstructure:"paper_account_value" yaml:"paper_account_value" validate:"gte=0"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts" yaml:"reconnect_attempts" validate:"gte=0"`
	ReconnectBackoff  time.Duration `mapstructure:"reconnect_backoff" yaml:"reconnect_backoff" validate:"gt=0"`
}

type Journal struct {
	Path string `mapstructure:"path" yaml:"path"`
	DSN  string `mapstructure:"dsn" yaml:"-"`
}

type Telegram struct {
	Token  string `mapstructure:"token" yaml:"-"`
	ChatID int64  `mapstructure:"chat_id" yaml:"chat_id"`
}

type Health struct {
	Addr           string        `mapstructure:"addr" yaml:"addr" validate:"required"`
	WSPushInterval time.Duration `mapstructure:"ws_push_interval" yaml:"ws_push_interval" validate:"gt=0"`
}

type Tracing struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Host    string `mapstructure:"host" yaml:"host"`
	Port    int    `mapstructure:"port" yaml:"port"`
}

type Log struct {
	Level    string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Encoding string `mapstructure:"encoding" yaml:"encoding" validate:"oneof=json console"`
	File     string `mapstructure:"file" yaml:"file"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("risk.max_daily_trades", 30)
	v.SetDefault("risk.max_concurrent_positions", 3)
	v.SetDefault("risk.position_size_pct", 3.0)
	v.SetDefault("risk.stop_loss_pct", 1.0)
	v.SetDefault("risk.hold_duration", "10m")

	v.SetDefault("alerts.dir", "data/alerts")
	v.SetDefault("alerts.file_prefix", "alertlogging")
	v.SetDefault("alerts.strategy_name", "Breaking out on Volume")
	v.SetDefault("alerts.columns.timestamp", "TimeStamp")
	v.SetDefault("alerts.columns.symbol", "Symbol")
	v.SetDefault("alerts.columns.price", "Price")
	v.SetDefault("alerts.columns.description", "Description")
	v.SetDefault("alerts.poll_interval", "5s")
	v.SetDefault("alerts.closed_market_interval", "60s")

	v.SetDefault("engine.exit_interval", "5s")
	v.SetDefault("engine.reconcile_interval", "5m")
	v.SetDefault("engine.broker_timeout", "20s")
	v.SetDefault("engine.error_backoff", "5s")
	v.SetDefault("engine.shutdown_timeout", "15s")

	v.SetDefault("market.timezone", "America/New_York")
	v.SetDefault("market.open", "09:30")
	v.SetDefault("market.close", "16:00")
	v.SetDefault("market.day_cutoff_hour", 16)
	v.SetDefault("market.weekdays_only", true)

	v.SetDefault("state.path", "data/state/trading_state.json")
	v.SetDefault("state.backup_path", "data/state/trading_state.backup.json")
	v.SetDefault("state.retention_days", 7)

	v.SetDefault("broker.kind", "paper")
	v.SetDefault("broker.paper_account_value", 50000.0)
	v.SetDefault("broker.reconnect_attempts", 5)
	v.SetDefault("broker.reconnect_backoff", "2s")

	v.SetDefault("journal.path", "data/trades.jsonl")

	v.SetDefault("health.addr", ":8080")
	v.SetDefault("health.ws_push_interval", "2s")

	v.SetDefault("tracing.host", "localhost")
	v.SetDefault("tracing.port", 6831)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "json")
}

// NewConfig reads configs/<CONFIG_FILE> (values_local.yaml by default) and applies env overrides.
func NewConfig() (*Config, error) {
	configFileName := os.Getenv(configFilePathENV)
	if configFileName == "" {
		configFileName = "values_local.yaml"
	}
	dir := os.Getenv(configDirENV)
	if dir == "" {
		dir = "configs"
	}
	return Load(dir + "/" + configFileName)
}

// Load builds the config from a yaml file. A missing file is fine, defaults and env still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, statErr := os.Stat(path); statErr == nil {
				return nil, errors.Wrapf(err, "read config %s", path)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}

	// secrets stay outside the file
	if token := os.Getenv(telegramTokenENV); token != "" {
		cfg.Telegram.Token = token
	}
	if dsn := os.Getenv(databaseDSNENV); dsn != "" {
		cfg.Journal.DSN = dsn
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects incomplete configs with every violation listed.
func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return c.validateMarketHours()
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return errors.Wrap(err, "validate config")
	}
	var all error
	for _, fe := range verrs {
		all = multierr.Append(all, fmt.Errorf("config %s: failed %q", fe.Namespace(), fe.Tag()))
	}
	return multierr.Append(all, c.validateMarketHours())
}

func (c *Config) validateMarketHours() error {
	var errs error
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		errs = multierr.Append(errs, errors.Wrapf(err, "config market.timezone %q", c.Market.Timezone))
	}
	if _, err := time.Parse("15:04", c.Market.Open); err != nil {
		errs = multierr.Append(errs, errors.Wrapf(err, "config market.open %q", c.Market.Open))
	}
	if _, err := time.Parse("15:04", c.Market.Close); err != nil {
		errs = multierr.Append(errs, errors.Wrapf(err, "config market.close %q", c.Market.Close))
	}
	return errs
}

// Dump renders the effective config for the startup log. Secrets carry yaml:"-".
func (c *Config) Dump() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<config dump failed: %v>", err)
	}
	return string(b)
}
