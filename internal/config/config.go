package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"yield-alerts/internal/fetcher"
	"yield-alerts/internal/logging"
	"yield-alerts/internal/version"
)

// Config materialises application configuration.
type Config struct {
	App         AppConfig         `mapstructure:"app"`
	Logging     logging.Config    `mapstructure:"logging"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Persistence PersistenceConfig `mapstructure:"persistence"`
	Poller      PollerConfig      `mapstructure:"poller"`
	Source      SourceConfig      `mapstructure:"source"`
	Alerting    AlertingConfig    `mapstructure:"alerting"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Server      ServerConfig      `mapstructure:"server"`
	Export      ExportConfig      `mapstructure:"export"`
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
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// Persistence drivers.
const (
	DriverPostgres = "postgres"
	DriverFile     = "file"
	DriverNone     = "none"
)

// PersistenceConfig selects where engine state survives restarts.
type PersistenceConfig struct {
	Driver          string        `mapstructure:"driver"`
	Dir             string        `mapstructure:"dir"`
	FlushDelay      time.Duration `mapstructure:"flush_delay"`
	AdvisoryLock    bool          `mapstructure:"advisory_lock"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// PollerConfig governs the fetch and evaluate cadence.
type PollerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MaxCycles      int           `mapstructure:"max_cycles"`
	Immediate      bool          `mapstructure:"immediate"`
	StartupDelay   time.Duration `mapstructure:"startup_delay"`
	HealthEvery    int           `mapstructure:"health_every"`
	HeartbeatEvery int           `mapstructure:"heartbeat_every"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
}

// SourceConfig lists the upstream yield sources.
type SourceConfig struct {
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Vaults     VaultsConfig     `mapstructure:"vaults"`
}

// AggregatorConfig captures the HTTP pools endpoint.
type AggregatorConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	MinTVL         float64       `mapstructure:"min_tvl"`
	Protocols      []string      `mapstructure:"protocols"`
	Chains         []string      `mapstructure:"chains"`
}

// VaultsConfig covers on-chain ERC-4626 vault reads.
type VaultsConfig struct {
	Enabled        bool                `mapstructure:"enabled"`
	RPCURL         string              `mapstructure:"rpc_url"`
	Chain          string              `mapstructure:"chain"`
	RequestTimeout time.Duration       `mapstructure:"request_timeout"`
	APYWindow      time.Duration       `mapstructure:"apy_window"`
	Vaults         []fetcher.VaultSpec `mapstructure:"vaults"`
}

// AlertingConfig defines condition defaults and delivery routing.
type AlertingConfig struct {
	DefaultCooldown time.Duration       `mapstructure:"default_cooldown"`
	AlertPerEntity  bool                `mapstructure:"alert_per_entity"`
	AlertLimit      int                 `mapstructure:"alert_limit"`
	Presets         []string            `mapstructure:"presets"`
	Webhooks        WebhookConfig       `mapstructure:"webhooks"`
	Telegram        TelegramConfig      `mapstructure:"telegram"`
	Kafka           KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch   ElasticsearchConfig `mapstructure:"elasticsearch"`
	Dispatcher      DispatcherConfig    `mapstructure:"dispatcher"`
}

// WebhookConfig lists global webhook targets; per-condition URLs are added
// at delivery time.
type WebhookConfig struct {
	Targets   []string      `mapstructure:"targets"`
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// KafkaConfig publishes alerts to a topic.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// ElasticsearchConfig archives alerts into an index.
type ElasticsearchConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Index     string   `mapstructure:"index"`
}

// DispatcherConfig sizes the delivery worker pool.
type DispatcherConfig struct {
	Workers   int           `mapstructure:"workers"`
	QueueSize int           `mapstructure:"queue_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// StreamConfig tunes live subscribers.
type StreamConfig struct {
	Buffer         int      `mapstructure:"buffer"`
	RecentAlerts   int      `mapstructure:"recent_alerts"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from .env, file, environment, and defaults.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("YIELDWATCH")
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
	v.SetDefault("app.name", "yieldwatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("persistence.driver", DriverNone)
	v.SetDefault("persistence.dir", "data")
	v.SetDefault("persistence.flush_delay", "250ms")
	v.SetDefault("persistence.advisory_lock", false)
	v.SetDefault("persistence.advisory_lock_key", int64(0x79696c64))

	v.SetDefault("poller.interval", "10s")
	v.SetDefault("poller.max_cycles", 0)
	v.SetDefault("poller.immediate", true)
	v.SetDefault("poller.startup_delay", "0s")
	v.SetDefault("poller.health_every", 6)
	v.SetDefault("poller.heartbeat_every", 3)
	v.SetDefault("poller.fetch_timeout", "15s")

	v.SetDefault("source.aggregator.enabled", true)
	v.SetDefault("source.aggregator.base_url", "https://yields.llama.fi")
	v.SetDefault("source.aggregator.request_timeout", "10s")
	v.SetDefault("source.aggregator.user_agent", version.UserAgent())
	v.SetDefault("source.aggregator.min_tvl", 1_000_000.0)
	v.SetDefault("source.vaults.enabled", false)
	v.SetDefault("source.vaults.chain", "Ethereum")
	v.SetDefault("source.vaults.request_timeout", "10s")
	v.SetDefault("source.vaults.apy_window", "24h")

	v.SetDefault("alerting.default_cooldown", "1h")
	v.SetDefault("alerting.alert_per_entity", false)
	v.SetDefault("alerting.alert_limit", 1000)
	v.SetDefault("alerting.webhooks.timeout", "5s")
	v.SetDefault("alerting.webhooks.user_agent", version.UserAgent())
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.kafka.enabled", false)
	v.SetDefault("alerting.kafka.topic", "yieldwatch.alerts")
	v.SetDefault("alerting.elasticsearch.enabled", false)
	v.SetDefault("alerting.elasticsearch.index", "yieldwatch-alerts")
	v.SetDefault("alerting.dispatcher.workers", 4)
	v.SetDefault("alerting.dispatcher.queue_size", 256)
	v.SetDefault("alerting.dispatcher.timeout", "10s")

	v.SetDefault("stream.buffer", 64)
	v.SetDefault("stream.recent_alerts", 20)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("export.max_data_points", 1000)
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
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than zero")
	}
	if c.Poller.MaxCycles < 0 {
		return fmt.Errorf("poller.max_cycles cannot be negative")
	}
	if c.Poller.HealthEvery < 0 || c.Poller.HeartbeatEvery < 0 {
		return fmt.Errorf("poller.health_every and poller.heartbeat_every cannot be negative")
	}
	if c.Alerting.DefaultCooldown < 0 {
		return fmt.Errorf("alerting.default_cooldown cannot be negative")
	}
	if c.Alerting.AlertLimit <= 0 {
		return fmt.Errorf("alerting.alert_limit must be greater than zero")
	}

	switch c.Persistence.Driver {
	case DriverNone, DriverFile:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("persistence.driver must be one of %s, %s, %s", DriverPostgres, DriverFile, DriverNone)
	}
	if c.Persistence.Driver == DriverFile && c.Persistence.Dir == "" {
		return fmt.Errorf("persistence.dir is required for the file driver")
	}
	if c.Persistence.AdvisoryLock && c.Persistence.Driver != DriverPostgres {
		return fmt.Errorf("persistence.advisory_lock requires the postgres driver")
	}

	if !c.Source.Aggregator.Enabled && !c.Source.Vaults.Enabled {
		return fmt.Errorf("at least one of source.aggregator or source.vaults must be enabled")
	}
	if c.Source.Vaults.Enabled {
		if c.Source.Vaults.RPCURL == "" {
			return fmt.Errorf("source.vaults.rpc_url is required")
		}
		if len(c.Source.Vaults.Vaults) == 0 {
			return fmt.Errorf("source.vaults.vaults must list at least one vault")
		}
	}

	for _, target := range c.Alerting.Webhooks.Targets {
		u, err := url.Parse(target)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("alerting.webhooks.targets: %q is not an http(s) url", target)
		}
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Alerting.Kafka.Enabled && (len(c.Alerting.Kafka.Brokers) == 0 || c.Alerting.Kafka.Topic == "") {
		return fmt.Errorf("alerting.kafka needs brokers and a topic")
	}
	if c.Alerting.Elasticsearch.Enabled && len(c.Alerting.Elasticsearch.Addresses) == 0 {
		return fmt.Errorf("alerting.elasticsearch.addresses is required")
	}
	if slices.Contains(c.Alerting.Presets, "") {
		return fmt.Errorf("alerting.presets contains an empty name")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
