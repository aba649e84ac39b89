package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Exchange   ExchangeConfig   `mapstructure:"exchange"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Scanner    ScannerConfig    `mapstructure:"scanner"`
	ML         MLConfig         `mapstructure:"ml"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// ExchangeConfig contains exchange connectivity settings.
type ExchangeConfig struct {
	APIKey            string `mapstructure:"api_key"`
	SecretKey         string `mapstructure:"secret_key"`
	Passphrase        string `mapstructure:"passphrase"`
	RESTEndpoint      string `mapstructure:"rest_endpoint"`
	WSEndpoint        string `mapstructure:"ws_endpoint"`
	EnableWebsocket   bool   `mapstructure:"enable_websocket"`
	Testnet           bool   `mapstructure:"testnet"`
	Paper             bool   `mapstructure:"paper"` // in-memory transport, no network
	RequestTimeoutSec int    `mapstructure:"request_timeout_sec"`
	ConnectTimeoutSec int    `mapstructure:"ws_connect_timeout_sec"`
	Collateral        string `mapstructure:"collateral"` // quote/settlement asset, e.g. "USDT"
}

// TradingConfig contains trading loop settings.
type TradingConfig struct {
	LeverageDefault          int     `mapstructure:"leverage_default"`
	MaxOpenPositions         int     `mapstructure:"max_open_positions"`
	CheckIntervalSec         int     `mapstructure:"check_interval_sec"`
	PositionUpdateIntervalMS int     `mapstructure:"position_update_interval_ms"`
	LiveLoopIntervalMS       int     `mapstructure:"live_loop_interval_ms"`
	TrailingStopPct          float64 `mapstructure:"trailing_stop_pct"`
	MaxHoldHours             int     `mapstructure:"max_hold_hours"`
	CloseOnShutdown          bool    `mapstructure:"close_positions_on_shutdown"`
	TakerFeeRate             float64 `mapstructure:"taker_fee_rate"`
}

// RiskConfig contains risk management settings.
type RiskConfig struct {
	RiskPerTrade      float64 `mapstructure:"risk_per_trade"`       // 0 = auto by balance tier
	MaxPositionUSD    float64 `mapstructure:"max_position_usd"`     // 0 = auto by balance
	DailyLossLimit    float64 `mapstructure:"daily_loss_limit"`     // fraction of daily start balance
	KillSwitch        bool    `mapstructure:"kill_switch"`          // armed at startup
	MinProfitPct      float64 `mapstructure:"min_profit_threshold"` // 0 = auto
	OutcomeRingSize   int     `mapstructure:"outcome_ring_size"`
	MaxGroupPositions int     `mapstructure:"max_group_positions"` // non-major group cap
}

// ScannerConfig contains market scanner settings.
type ScannerConfig struct {
	MaxWorkers       int     `mapstructure:"max_workers"`
	CacheDurationSec int     `mapstructure:"cache_duration_sec"`
	TopN             int     `mapstructure:"top_n"`
	MinVolumeUSD     float64 `mapstructure:"min_volume_usd"`
	SymbolTimeoutSec int     `mapstructure:"symbol_timeout_sec"`
	BatchTimeoutSec  int     `mapstructure:"batch_timeout_sec"`
}

// MLConfig contains the optional model-confirmation settings.
type MLConfig struct {
	RequireModel  bool    `mapstructure:"require_ml_model"`
	Endpoint      string  `mapstructure:"endpoint"`
	MinConfidence float64 `mapstructure:"min_ml_confidence"`
	TimeoutMS     int     `mapstructure:"timeout_ms"`
}

// MonitoringConfig contains metrics settings.
type MonitoringConfig struct {
	PrometheusPort int  `mapstructure:"prometheus_port"`
	EnableMetrics  bool `mapstructure:"enable_metrics"`
}

// Load loads configuration from file and environment variables.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("PERPBOT")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; defaults and environment variables apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "perpbot")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// Exchange defaults
	v.SetDefault("exchange.enable_websocket", true)
	v.SetDefault("exchange.testnet", false)
	v.SetDefault("exchange.paper", false)
	v.SetDefault("exchange.request_timeout_sec", 10)
	v.SetDefault("exchange.ws_connect_timeout_sec", 30)
	v.SetDefault("exchange.collateral", "USDT")

	// Trading defaults
	v.SetDefault("trading.leverage_default", 5)
	v.SetDefault("trading.max_open_positions", 3)
	v.SetDefault("trading.check_interval_sec", 60)
	v.SetDefault("trading.position_update_interval_ms", 1000)
	v.SetDefault("trading.live_loop_interval_ms", 50)
	v.SetDefault("trading.trailing_stop_pct", 0.02)
	v.SetDefault("trading.max_hold_hours", 48)
	v.SetDefault("trading.close_positions_on_shutdown", false)
	v.SetDefault("trading.taker_fee_rate", 0.0006)

	// Risk defaults (0 means auto-tier by balance)
	v.SetDefault("risk.risk_per_trade", 0.0)
	v.SetDefault("risk.max_position_usd", 0.0)
	v.SetDefault("risk.daily_loss_limit", 0.10)
	v.SetDefault("risk.kill_switch", false)
	v.SetDefault("risk.min_profit_threshold", 0.0)
	v.SetDefault("risk.outcome_ring_size", 100)
	v.SetDefault("risk.max_group_positions", 3)

	// Scanner defaults
	v.SetDefault("scanner.max_workers", 8)
	v.SetDefault("scanner.cache_duration_sec", 300)
	v.SetDefault("scanner.top_n", 5)
	v.SetDefault("scanner.min_volume_usd", 1_000_000)
	v.SetDefault("scanner.symbol_timeout_sec", 30)
	v.SetDefault("scanner.batch_timeout_sec", 120)

	// ML defaults
	v.SetDefault("ml.require_ml_model", false)
	v.SetDefault("ml.min_ml_confidence", 0.65)
	v.SetDefault("ml.timeout_ms", 2000)

	// Monitoring defaults
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.enable_metrics", true)
}

// CheckInterval returns the main-cycle interval as a duration.
func (c *TradingConfig) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalSec) * time.Second
}

// PositionUpdateInterval returns the per-position monitor throttle.
func (c *TradingConfig) PositionUpdateInterval() time.Duration {
	return time.Duration(c.PositionUpdateIntervalMS) * time.Millisecond
}

// LiveLoopInterval returns the tick interval shared by main and monitor loops.
func (c *TradingConfig) LiveLoopInterval() time.Duration {
	return time.Duration(c.LiveLoopIntervalMS) * time.Millisecond
}

// MaxHold returns the stagnant-position exit horizon.
func (c *TradingConfig) MaxHold() time.Duration {
	return time.Duration(c.MaxHoldHours) * time.Hour
}

// CacheDuration returns the scanner snapshot TTL.
func (c *ScannerConfig) CacheDuration() time.Duration {
	return time.Duration(c.CacheDurationSec) * time.Second
}

// RequestTimeout returns the REST call timeout.
func (c *ExchangeConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// ConnectTimeout returns the websocket connect timeout.
func (c *ExchangeConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSec) * time.Second
}

// Timeout returns the ML predictor call timeout.
func (c *MLConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}
