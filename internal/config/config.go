package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// global configuration structure
type Config struct {
	Bot          BotConfig          `mapstructure:"bot"`
	Logger       LoggerConfig       `mapstructure:"logger"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`
}

// Telegram bot configuration
type BotConfig struct {
	Token   string        `mapstructure:"token"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// webhook server configuration, long polling is used when Endpoint is empty
type WebhookConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	ListenPort string `mapstructure:"listen_port"`
	DebugPath  string `mapstructure:"debug_path"`
	CertFile   string `mapstructure:"cert_file"`
	KeyFile    string `mapstructure:"key_file"`
}

// logging configuration
type LoggerConfig struct {
	Directory  string            `mapstructure:"directory"`
	Rotation   LogRotationConfig `mapstructure:"rotation"`
	Timezone   string            `mapstructure:"timezone"`
	Format     string            `mapstructure:"format"`
	TimeFormat string            `mapstructure:"time_format"`
	Level      string            `mapstructure:"level"`
}

// log rotation settings
type LogRotationConfig struct {
	MaxSize    int  `mapstructure:"max_size"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAge     int  `mapstructure:"max_age"`
	Compress   bool `mapstructure:"compress"`
}

// DatabaseConfig selects the gorm dialect and its connection settings.
// Driver is one of mysql, postgres or sqlite; Path is only read for sqlite.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	Charset         string        `mapstructure:"charset"`
	SSLMode         string        `mapstructure:"sslmode"`
	Path            string        `mapstructure:"path"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	LogLevel        string        `mapstructure:"log_level"`
}

// SchedulerConfig tunes the expiration engine.
type SchedulerConfig struct {
	// SweepInterval is how often overdue pending messages are reconciled.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// SweepBatchLimit caps how many overdue messages one sweep handles.
	SweepBatchLimit int `mapstructure:"sweep_batch_limit"`
	// SweepConcurrency is the number of deletions a sweep runs in parallel.
	SweepConcurrency int `mapstructure:"sweep_concurrency"`

	PurgeInterval time.Duration `mapstructure:"purge_interval"`
	// Retention is how long deleted records are kept before being purged.
	Retention time.Duration `mapstructure:"retention"`

	StatsInterval time.Duration `mapstructure:"stats_interval"`

	GatewayTimeout   time.Duration `mapstructure:"gateway_timeout"`
	GatewayRateLimit float64       `mapstructure:"gateway_rate_limit"`
	GatewayBurst     int           `mapstructure:"gateway_burst"`

	// RestoreHorizon bounds which pending messages get an in-memory timer at startup.
	// Zero disables restoration and leaves everything to the sweep.
	RestoreHorizon time.Duration `mapstructure:"restore_horizon"`
	TimerShards    int           `mapstructure:"timer_shards"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// metrics endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// subscription tier limits
type SubscriptionConfig struct {
	// FreeChannelLimit is how many channels a free community may put under a rule.
	// Zero lifts the limit.
	FreeChannelLimit int `mapstructure:"free_channel_limit"`
	// RuleCacheTTL is how long resolved channel rules are kept in memory.
	RuleCacheTTL time.Duration `mapstructure:"rule_cache_ttl"`
}

var cfg *Config

func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config file path is required")
	}

	v := newViper()

	v.SetConfigFile(configPath)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	log.Printf("Using config file: %s", v.ConfigFileUsed())

	loaded, err := decode(v)
	if err != nil {
		return nil, err
	}
	cfg = loaded
	return cfg, nil
}

// Default returns the configuration built from defaults and environment only.
func Default() (*Config, error) {
	return decode(newViper())
}

func Get() *Config {
	if cfg == nil {
		log.Fatal("Configuration not initialized, call Load() first")
	}
	return cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)

	// EPHEMERAL_DATABASE_PASSWORD overrides database.password and so on
	v.SetEnvPrefix("EPHEMERAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	c := &Config{}
	if err := v.Unmarshal(c); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return c, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.Driver == "sqlite" && c.Database.Path == "" {
		return fmt.Errorf("database.path is required for sqlite")
	}

	s := c.Scheduler
	if s.SweepInterval <= 0 {
		return fmt.Errorf("scheduler.sweep_interval must be positive")
	}
	if s.SweepBatchLimit <= 0 {
		return fmt.Errorf("scheduler.sweep_batch_limit must be positive")
	}
	if s.SweepConcurrency <= 0 {
		return fmt.Errorf("scheduler.sweep_concurrency must be positive")
	}
	if s.PurgeInterval <= 0 || s.StatsInterval <= 0 {
		return fmt.Errorf("scheduler purge and stats intervals must be positive")
	}
	if s.Retention < 24*time.Hour {
		return fmt.Errorf("scheduler.retention must be at least 24h, got %v", s.Retention)
	}
	if s.GatewayTimeout <= 0 {
		return fmt.Errorf("scheduler.gateway_timeout must be positive")
	}
	if s.TimerShards <= 0 {
		return fmt.Errorf("scheduler.timer_shards must be positive")
	}
	if c.Subscription.FreeChannelLimit < 0 {
		return fmt.Errorf("subscription.free_channel_limit must not be negative")
	}
	if c.Subscription.RuleCacheTTL <= 0 {
		return fmt.Errorf("subscription.rule_cache_ttl must be positive")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("bot.token", "")
	v.SetDefault("bot.webhook.endpoint", "")
	v.SetDefault("bot.webhook.listen_port", "8443")
	v.SetDefault("bot.webhook.debug_path", "/debug")
	v.SetDefault("bot.webhook.cert_file", "")
	v.SetDefault("bot.webhook.key_file", "")

	v.SetDefault("logger.directory", "logs")
	v.SetDefault("logger.rotation.max_size", 10)
	v.SetDefault("logger.rotation.max_backups", 30)
	v.SetDefault("logger.rotation.max_age", 90)
	v.SetDefault("logger.rotation.compress", true)
	v.SetDefault("logger.timezone", "Local")
	v.SetDefault("logger.format", "[%{level}] %{time} %{file}:%{line}: %{message}")
	v.SetDefault("logger.time_format", "2006/01/02 15:04:05")
	v.SetDefault("logger.level", "INFO")

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.host", "127.0.0.1")
	v.SetDefault("database.port", 3306)
	v.SetDefault("database.username", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "ephemeral")
	v.SetDefault("database.charset", "utf8mb4")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "data/ephemeral.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.log_level", "WARNING")

	v.SetDefault("scheduler.sweep_interval", "1m")
	v.SetDefault("scheduler.sweep_batch_limit", 100)
	v.SetDefault("scheduler.sweep_concurrency", 4)
	v.SetDefault("scheduler.purge_interval", "24h")
	v.SetDefault("scheduler.retention", "720h")
	v.SetDefault("scheduler.stats_interval", "30s")
	v.SetDefault("scheduler.gateway_timeout", "10s")
	v.SetDefault("scheduler.gateway_rate_limit", 25.0)
	v.SetDefault("scheduler.gateway_burst", 5)
	v.SetDefault("scheduler.restore_horizon", "1h")
	v.SetDefault("scheduler.timer_shards", 32)
	v.SetDefault("scheduler.shutdown_timeout", "30s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")

	v.SetDefault("subscription.free_channel_limit", 1)
	v.SetDefault("subscription.rule_cache_ttl", "5m")
}
