package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the weddingdesk backend.
type Config struct {
	Server       ServerConfig      `mapstructure:"server"`
	Database     DatabaseConfig    `mapstructure:"database"`
	Cache        CacheConfig       `mapstructure:"cache"`
	Queue        QueueConfig       `mapstructure:"queue"`
	Messaging    MessagingConfig   `mapstructure:"messaging"`
	Ledger       LedgerConfig      `mapstructure:"ledger"`
	Entitlements EntitlementConfig `mapstructure:"entitlements"`
	Maintenance  MaintenanceConfig `mapstructure:"maintenance"`
	Monitoring   MonitoringConfig  `mapstructure:"monitoring"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int             `mapstructure:"port"`
	LogLevel        string          `mapstructure:"log_level"`
	LogEncoding     string          `mapstructure:"log_encoding"`
	ShutdownTimeout time.Duration   `mapstructure:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig bounds API requests per client address.
type RateLimitConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Requests int           `mapstructure:"requests"`
	Window   time.Duration `mapstructure:"window"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	Postgres        DBAuthConfig  `mapstructure:"postgres"`
	MySQL           DBAuthConfig  `mapstructure:"mysql"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Host     string            `mapstructure:"host"`
	Port     int               `mapstructure:"port"`
	Database string            `mapstructure:"database"`
	Username string            `mapstructure:"username"`
	Password string            `mapstructure:"password"`
	Options  map[string]string `mapstructure:"options"`
}

// CacheConfig describes cache backends.
type CacheConfig struct {
	Redis RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig holds Redis connection options.
type RedisCacheConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Address  string        `mapstructure:"address"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TLS      bool          `mapstructure:"tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// QueueConfig selects and tunes the dispatch queue.
type QueueConfig struct {
	Driver       string        `mapstructure:"driver"`
	Stream       string        `mapstructure:"stream"`
	Group        string        `mapstructure:"group"`
	Consumer     string        `mapstructure:"consumer"`
	ScheduleKey  string        `mapstructure:"schedule_key"`
	Block        time.Duration `mapstructure:"block"`
	ClaimIdle    time.Duration `mapstructure:"claim_idle"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	RetryDelay   time.Duration `mapstructure:"retry_delay"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
}

// MessagingConfig configures the outbound provider and dispatch pacing.
type MessagingConfig struct {
	Provider             string        `mapstructure:"provider"`
	Twilio               TwilioConfig  `mapstructure:"twilio"`
	VerifyWebhooks       bool          `mapstructure:"verify_webhooks"`
	BatchSize            int           `mapstructure:"batch_size"`
	StaggerDelay         time.Duration `mapstructure:"stagger_delay"`
	PerBatchEstimate     time.Duration `mapstructure:"per_batch_estimate"`
	Workers              int           `mapstructure:"workers"`
	SendConcurrency      int           `mapstructure:"send_concurrency"`
	MaxSendAttempts      int           `mapstructure:"max_send_attempts"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	RetryMaxInterval     time.Duration `mapstructure:"retry_max_interval"`
	ClaimTTL             time.Duration `mapstructure:"claim_ttl"`
	CallbackRetries      int           `mapstructure:"callback_retries"`
	CallbackRetryDelay   time.Duration `mapstructure:"callback_retry_delay"`
	CallbackDrainTimeout time.Duration `mapstructure:"callback_drain_timeout"`
}

// TwilioConfig carries Twilio WhatsApp credentials.
type TwilioConfig struct {
	AccountSID          string        `mapstructure:"account_sid"`
	AuthToken           string        `mapstructure:"auth_token"`
	From                string        `mapstructure:"from"`
	MessagingServiceSID string        `mapstructure:"messaging_service_sid"`
	BaseURL             string        `mapstructure:"base_url"`
	StatusCallbackURL   string        `mapstructure:"status_callback_url"`
	Timeout             time.Duration `mapstructure:"timeout"`
}

// LedgerConfig tunes the credit ledger.
type LedgerConfig struct {
	CycleStartDay int `mapstructure:"cycle_start_day"`
}

// EntitlementConfig tunes the entitlement resolver.
type EntitlementConfig struct {
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// MaintenanceConfig schedules the reconciliation sweep.
type MaintenanceConfig struct {
	ReconcileSchedule   string        `mapstructure:"reconcile_schedule"`
	PendingTimeout      time.Duration `mapstructure:"pending_timeout"`
	MaxDispatchAttempts int           `mapstructure:"max_dispatch_attempts"`
	SentExpiry          time.Duration `mapstructure:"sent_expiry"`
	AuditRetentionDays  int           `mapstructure:"audit_retention_days"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("WEDDINGDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations the dispatch engine cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Queue.Driver) {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: unsupported queue driver %q", c.Queue.Driver)
	}
	if strings.EqualFold(c.Queue.Driver, "redis") && !c.Cache.Redis.Enabled {
		return errors.New("config: queue driver redis requires cache.redis.enabled")
	}

	switch strings.ToLower(c.Messaging.Provider) {
	case "log":
	case "twilio":
		if c.Messaging.Twilio.AccountSID == "" || c.Messaging.Twilio.AuthToken == "" {
			return errors.New("config: twilio provider requires account_sid and auth_token")
		}
		if c.Messaging.Twilio.From == "" && c.Messaging.Twilio.MessagingServiceSID == "" {
			return errors.New("config: twilio provider requires from or messaging_service_sid")
		}
	default:
		return fmt.Errorf("config: unsupported messaging provider %q", c.Messaging.Provider)
	}

	if c.Messaging.BatchSize <= 0 {
		return errors.New("config: messaging.batch_size must be positive")
	}
	if c.Ledger.CycleStartDay < 1 || c.Ledger.CycleStartDay > 28 {
		return errors.New("config: ledger.cycle_start_day must be between 1 and 28")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_encoding", "json")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.rate_limit.enabled", true)
	v.SetDefault("server.rate_limit.requests", 300)
	v.SetDefault("server.rate_limit.window", "1m")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/weddingdesk.sqlite")

	v.SetDefault("cache.redis.enabled", false)
	v.SetDefault("cache.redis.address", "127.0.0.1:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.tls", false)
	v.SetDefault("cache.redis.timeout", "5s")

	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.stream", "weddingdesk:dispatch")
	v.SetDefault("queue.group", "dispatchers")
	v.SetDefault("queue.consumer", "")
	v.SetDefault("queue.schedule_key", "weddingdesk:dispatch:scheduled")
	v.SetDefault("queue.block", "2s")
	v.SetDefault("queue.claim_idle", "2m")
	v.SetDefault("queue.poll_interval", "250ms")
	v.SetDefault("queue.retry_delay", "10s")
	v.SetDefault("queue.max_attempts", 5)

	v.SetDefault("messaging.provider", "log")
	v.SetDefault("messaging.twilio.base_url", "https://api.twilio.com")
	v.SetDefault("messaging.twilio.timeout", "10s")
	v.SetDefault("messaging.verify_webhooks", true)
	v.SetDefault("messaging.batch_size", 20)
	v.SetDefault("messaging.stagger_delay", "1s")
	v.SetDefault("messaging.per_batch_estimate", "2s")
	v.SetDefault("messaging.workers", 4)
	v.SetDefault("messaging.send_concurrency", 5)
	v.SetDefault("messaging.max_send_attempts", 3)
	v.SetDefault("messaging.retry_initial_interval", "500ms")
	v.SetDefault("messaging.retry_max_interval", "5s")
	v.SetDefault("messaging.claim_ttl", "5m")
	v.SetDefault("messaging.callback_retries", 5)
	v.SetDefault("messaging.callback_retry_delay", "2s")
	v.SetDefault("messaging.callback_drain_timeout", "10s")

	v.SetDefault("ledger.cycle_start_day", 1)

	v.SetDefault("entitlements.cache_ttl", "5s")

	v.SetDefault("maintenance.reconcile_schedule", "@every 1m")
	v.SetDefault("maintenance.pending_timeout", "10m")
	v.SetDefault("maintenance.max_dispatch_attempts", 3)
	v.SetDefault("maintenance.sent_expiry", "72h")
	v.SetDefault("maintenance.audit_retention_days", 90)

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)
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
