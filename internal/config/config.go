package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log       LoggingConfig   `yaml:"log"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	State     StateConfig     `yaml:"state"`
	Strategy  StrategyConfig  `yaml:"strategy"`
	Risk      RiskConfig      `yaml:"risk"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Telegram  TelegramConfig  `yaml:"telegram"`
	Warehouse WarehouseConfig `yaml:"warehouse"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ExchangeConfig struct {
	BaseURL        string        `yaml:"base_url"`
	StreamURL      string        `yaml:"stream_url"`
	Timeout        time.Duration `yaml:"timeout"`
	RecvWindow     time.Duration `yaml:"recv_window"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay"`
	// Credentials come only from the environment, never from YAML.
	APIKey    string `yaml:"-"`
	APISecret string `yaml:"-"`
}

type StateConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
}

type StrategyConfig struct {
	Symbol             string        `yaml:"symbol"`
	CapitalUSDT        float64       `yaml:"capital_usdt"`
	Leverage           int           `yaml:"leverage"`
	MaxPositionSizePct float64       `yaml:"max_position_size_pct"`
	MinHoldMinutes     int           `yaml:"min_hold_minutes"`
	CycleInterval      time.Duration `yaml:"cycle_interval"`
	RetryBackoff       time.Duration `yaml:"retry_backoff"`
	DailyVolumeTarget  float64       `yaml:"daily_volume_target"`
}

type RiskConfig struct {
	StopLossPct float64 `yaml:"stop_loss_pct"`
	MaxDriftPct float64 `yaml:"max_drift_pct"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

type TelegramConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Token                  string        `yaml:"token"`
	ChatID                 string        `yaml:"chat_id"`
	OperatorEnabled        bool          `yaml:"operator_enabled"`
	OperatorPollInterval   time.Duration `yaml:"operator_poll_interval"`
	OperatorAllowedUserIDs []int64       `yaml:"operator_allowed_user_ids"`
}

type WarehouseConfig struct {
	Enabled   bool   `yaml:"enabled"`
	DSN       string `yaml:"dsn"`
	Schema    string `yaml:"schema"`
	QueueSize int    `yaml:"queue_size"`
}

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, validate(&cfg)
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Exchange.BaseURL == "" {
		cfg.Exchange.BaseURL = "https://fapi.asterdex.com"
	}
	if cfg.Exchange.StreamURL == "" {
		cfg.Exchange.StreamURL = "wss://fstream.asterdex.com"
	}
	if cfg.Exchange.Timeout == 0 {
		cfg.Exchange.Timeout = 10 * time.Second
	}
	if cfg.Exchange.RecvWindow == 0 {
		cfg.Exchange.RecvWindow = 5 * time.Second
	}
	if cfg.Exchange.ReconnectDelay == 0 {
		cfg.Exchange.ReconnectDelay = 3 * time.Second
	}
	if cfg.State.SQLitePath == "" {
		cfg.State.SQLitePath = "data/aster-rotator.db"
	}
	if cfg.Strategy.Symbol == "" {
		cfg.Strategy.Symbol = "BTCUSDT"
	}
	if cfg.Strategy.CapitalUSDT == 0 {
		cfg.Strategy.CapitalUSDT = 100
	}
	if cfg.Strategy.Leverage == 0 {
		cfg.Strategy.Leverage = 15
	}
	if cfg.Strategy.MaxPositionSizePct == 0 {
		cfg.Strategy.MaxPositionSizePct = 1.5
	}
	if cfg.Strategy.MinHoldMinutes == 0 {
		cfg.Strategy.MinHoldMinutes = 90
	}
	if cfg.Strategy.CycleInterval == 0 {
		cfg.Strategy.CycleInterval = 10 * time.Minute
	}
	if cfg.Strategy.RetryBackoff == 0 {
		cfg.Strategy.RetryBackoff = time.Minute
	}
	if cfg.Strategy.DailyVolumeTarget == 0 {
		cfg.Strategy.DailyVolumeTarget = 15000
	}
	if cfg.Risk.StopLossPct == 0 {
		cfg.Risk.StopLossPct = 1.0
	}
	if cfg.Risk.MaxDriftPct == 0 {
		cfg.Risk.MaxDriftPct = 0.8
	}
	if cfg.Metrics.Address == "" {
		cfg.Metrics.Address = "127.0.0.1:9002"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Telegram.OperatorPollInterval == 0 {
		cfg.Telegram.OperatorPollInterval = 3 * time.Second
	}
	if cfg.Warehouse.Schema == "" {
		cfg.Warehouse.Schema = "public"
	}
	if cfg.Warehouse.QueueSize == 0 {
		cfg.Warehouse.QueueSize = 256
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("ASTER_API_KEY")); v != "" {
		cfg.Exchange.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("ASTER_API_SECRET")); v != "" {
		cfg.Exchange.APISecret = v
	}
	if v := strings.TrimSpace(os.Getenv("ROTATOR_TELEGRAM_TOKEN")); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("ROTATOR_TELEGRAM_CHAT_ID")); v != "" {
		cfg.Telegram.ChatID = v
	}
	if v := strings.TrimSpace(os.Getenv("ROTATOR_WAREHOUSE_DSN")); v != "" {
		cfg.Warehouse.DSN = v
	}
}

func validate(cfg *Config) error {
	if cfg.Strategy.Symbol == "" {
		return errors.New("strategy.symbol is required")
	}
	if cfg.Strategy.CapitalUSDT <= 0 {
		return errors.New("strategy.capital_usdt must be > 0")
	}
	if cfg.Strategy.Leverage <= 0 {
		return errors.New("strategy.leverage must be > 0")
	}
	if cfg.Strategy.MaxPositionSizePct <= 0 || cfg.Strategy.MaxPositionSizePct > 100 {
		return errors.New("strategy.max_position_size_pct must be in (0, 100]")
	}
	if cfg.Strategy.MinHoldMinutes < 0 {
		return errors.New("strategy.min_hold_minutes must be >= 0")
	}
	if cfg.Risk.StopLossPct <= 0 {
		return errors.New("risk.stop_loss_pct must be > 0")
	}
	if cfg.Risk.MaxDriftPct <= 0 {
		return errors.New("risk.max_drift_pct must be > 0")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}
	if cfg.Telegram.Enabled && (cfg.Telegram.Token == "" || cfg.Telegram.ChatID == "") {
		return errors.New("telegram.token and telegram.chat_id are required when telegram is enabled")
	}
	if cfg.Warehouse.Enabled && strings.TrimSpace(cfg.Warehouse.DSN) == "" {
		return errors.New("warehouse.dsn is required when warehouse is enabled")
	}
	return nil
}
