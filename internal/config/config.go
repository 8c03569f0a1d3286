package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"curtailment-reconciler/internal/logging"
	"curtailment-reconciler/internal/yield"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Reconcile  ReconcileConfig  `mapstructure:"reconcile"`
	Hardware   HardwareConfig   `mapstructure:"hardware"`
	Rewards    RewardsConfig    `mapstructure:"rewards"`
	Difficulty DifficultyConfig `mapstructure:"difficulty"`
	Audit      AuditConfig      `mapstructure:"audit"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Export     ExportConfig     `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// SchedulerConfig governs the reconcile loop cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	LookbackDays    int           `mapstructure:"lookback_days"`
}

// ReconcileConfig sizes the worker pool and the settlement day.
type ReconcileConfig struct {
	Workers         int   `mapstructure:"workers"`
	IntervalsPerDay int   `mapstructure:"intervals_per_day"`
	IntervalSeconds int64 `mapstructure:"interval_seconds"`
}

// HardwareConfig lists the active mining hardware models.
type HardwareConfig struct {
	Models []HardwareModel `mapstructure:"models"`
}

// HardwareModel is one profile as printed on its spec sheet.
type HardwareModel struct {
	Name        string  `mapstructure:"name"`
	HashrateTHs float64 `mapstructure:"hashrate_ths"`
	PowerWatts  float64 `mapstructure:"power_watts"`
}

// RewardsConfig overrides the built-in halving schedule when non-empty.
type RewardsConfig struct {
	Epochs []RewardEpoch `mapstructure:"epochs"`
}

// RewardEpoch is a block subsidy effective from a calendar date.
type RewardEpoch struct {
	Effective string `mapstructure:"effective"`
	Reward    string `mapstructure:"reward"`
}

// DifficultyConfig covers the network difficulty sources.
type DifficultyConfig struct {
	Node     NodeConfig     `mapstructure:"node"`
	Explorer ExplorerConfig `mapstructure:"explorer"`
}

// NodeConfig is a Bitcoin node JSON-RPC endpoint.
type NodeConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ExplorerConfig is a block explorer REST API.
type ExplorerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// AuditConfig tunes the completeness auditor.
type AuditConfig struct {
	Epsilon string `mapstructure:"epsilon"`
}

// AlertingConfig defines alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CURTAILRECON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "curtailrecon")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stderr")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63727263))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.lookback_days", 7)

	v.SetDefault("reconcile.workers", 4)
	v.SetDefault("reconcile.intervals_per_day", 48)
	v.SetDefault("reconcile.interval_seconds", 1800)

	v.SetDefault("hardware.models", []map[string]any{
		{"name": "S19J_PRO", "hashrate_ths": 100.0, "power_watts": 3050.0},
		{"name": "S9", "hashrate_ths": 13.5, "power_watts": 1323.0},
		{"name": "M20S", "hashrate_ths": 68.0, "power_watts": 3360.0},
	})

	v.SetDefault("difficulty.node.request_timeout", "10s")
	v.SetDefault("difficulty.explorer.base_url", "https://mempool.space")
	v.SetDefault("difficulty.explorer.request_timeout", "15s")
	v.SetDefault("difficulty.explorer.user_agent", "curtailrecon/1.0")

	v.SetDefault("audit.epsilon", "0.00000001")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "6h")
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Scheduler.LookbackDays <= 0 {
		return fmt.Errorf("scheduler.lookback_days must be greater than zero")
	}
	if c.Reconcile.Workers <= 0 {
		return fmt.Errorf("reconcile.workers must be greater than zero")
	}
	if c.Reconcile.IntervalsPerDay <= 0 {
		return fmt.Errorf("reconcile.intervals_per_day must be greater than zero")
	}
	if c.Reconcile.IntervalSeconds <= 0 {
		return fmt.Errorf("reconcile.interval_seconds must be greater than zero")
	}
	if len(c.Hardware.Models) == 0 {
		return fmt.Errorf("hardware.models must list at least one model")
	}
	seen := make(map[string]bool, len(c.Hardware.Models))
	for _, hw := range c.HardwareProfiles() {
		if hw.Model == "" {
			return fmt.Errorf("hardware.models[].name must be set")
		}
		if seen[hw.Model] {
			return fmt.Errorf("hardware model %q listed twice", hw.Model)
		}
		seen[hw.Model] = true
		if err := hw.Validate(); err != nil {
			return fmt.Errorf("hardware.models: %w", err)
		}
	}
	for i, e := range c.Rewards.Epochs {
		if _, err := time.Parse("2006-01-02", e.Effective); err != nil {
			return fmt.Errorf("rewards.epochs[%d].effective: %w", i, err)
		}
		if _, err := decimal.NewFromString(e.Reward); err != nil {
			return fmt.Errorf("rewards.epochs[%d].reward: %w", i, err)
		}
	}
	eps, err := decimal.NewFromString(c.Audit.Epsilon)
	if err != nil {
		return fmt.Errorf("audit.epsilon: %w", err)
	}
	if eps.IsNegative() {
		return fmt.Errorf("audit.epsilon cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// HardwareProfiles converts the configured models into calculator profiles.
func (c *Config) HardwareProfiles() []yield.Hardware {
	out := make([]yield.Hardware, 0, len(c.Hardware.Models))
	for _, m := range c.Hardware.Models {
		out = append(out, yield.NewHardware(m.Name, m.HashrateTHs, m.PowerWatts))
	}
	return out
}

// ModelNames lists the configured model names in order.
func (c *Config) ModelNames() []string {
	out := make([]string, 0, len(c.Hardware.Models))
	for _, m := range c.Hardware.Models {
		out = append(out, m.Name)
	}
	return out
}

// AuditEpsilon is the parsed audit tolerance. Validate has already checked it.
func (c *Config) AuditEpsilon() decimal.Decimal {
	eps, err := decimal.NewFromString(c.Audit.Epsilon)
	if err != nil {
		return decimal.Zero
	}
	return eps
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
