// Package config loads daemon configuration from defaults, an optional YAML
// file and environment variables, in that order of precedence.
//
// Nested keys map to environment variables by upper-casing and replacing dots
// with underscores: mqtt.broker is MQTT_BROKER.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/sweeney/power-monitor/internal/logging"
	"github.com/sweeney/power-monitor/internal/notifier"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds all daemon configuration.
type Config struct {
	PollIntervalSeconds       int `mapstructure:"poll_interval_seconds"`
	StalenessThresholdSeconds int `mapstructure:"staleness_threshold_seconds"`

	Detector DetectorConfig `mapstructure:"detector"`
	Store    StoreConfig    `mapstructure:"store"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// DetectorConfig tunes the detection loop.
type DetectorConfig struct {
	Workers     int           `mapstructure:"workers"`
	CacheMode   string        `mapstructure:"cache_mode"`
	TickTimeout time.Duration `mapstructure:"tick_timeout"`
}

// StoreConfig selects storage backends.
type StoreConfig struct {
	// Ledger is memory or postgres.
	Ledger string `mapstructure:"ledger"`
	// Heartbeats is memory, postgres or redis.
	Heartbeats string `mapstructure:"heartbeats"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Name     string `mapstructure:"name"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
	MaxConns int    `mapstructure:"max_conns"`
	MinConns int    `mapstructure:"min_conns"`
}

// RedisConfig holds Redis settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// MQTTConfig holds broker settings. An empty broker disables MQTT.
type MQTTConfig struct {
	Broker              string        `mapstructure:"broker"`
	ClientID            string        `mapstructure:"client_id"`
	Username            string        `mapstructure:"username"`
	Password            string        `mapstructure:"password"`
	TopicPrefix         string        `mapstructure:"topic_prefix"`
	SubscribeHeartbeats bool          `mapstructure:"subscribe_heartbeats"`
	BufferSize          int           `mapstructure:"buffer_size"`
	SystemHeartbeat     time.Duration `mapstructure:"system_heartbeat"`
}

// IngestConfig configures heartbeat ingestion.
type IngestConfig struct {
	Path          string        `mapstructure:"path"`
	Token         string        `mapstructure:"token"`
	MaxFutureSkew time.Duration `mapstructure:"max_future_skew"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	Burst         int           `mapstructure:"burst"`
}

// NotifierConfig configures notification dispatch.
type NotifierConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	ReplayOnStart bool          `mapstructure:"replay_on_start"`
	QuietStart    int           `mapstructure:"quiet_start"`
	QuietEnd      int           `mapstructure:"quiet_end"`
	Timezone      string        `mapstructure:"timezone"`
	RateLimit     float64       `mapstructure:"rate_limit"`
	Burst         int           `mapstructure:"burst"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PollInterval returns the detector poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Threshold returns the staleness threshold.
func (c *Config) Threshold() time.Duration {
	return time.Duration(c.StalenessThresholdSeconds) * time.Second
}

// HeartbeatBackend returns the heartbeat store backend, defaulting to the
// ledger backend.
func (c *Config) HeartbeatBackend() string {
	if c.Store.Heartbeats == "" {
		return c.Store.Ledger
	}
	return c.Store.Heartbeats
}

// NeedsPostgres reports whether any store uses PostgreSQL.
func (c *Config) NeedsPostgres() bool {
	return c.Store.Ledger == BackendPostgres || c.HeartbeatBackend() == BackendPostgres
}

// QuietHours returns the notifier's silent window.
func (c *Config) QuietHours() notifier.QuietHours {
	return notifier.QuietHours{Start: c.Notifier.QuietStart, End: c.Notifier.QuietEnd}
}

// Location returns the notifier timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Notifier.Timezone == "" || c.Notifier.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Notifier.Timezone)
}

// Load reads configuration. path may be empty to use only defaults and the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names used by the device-side client and older deployments.
	aliases := map[string][]string{
		"ingest.path":  {"INGEST_PATH", "HEARTBEAT_PATH"},
		"ingest.token": {"INGEST_TOKEN", "HEARTBEAT_TOKEN"},
		"log.level":    {"LOG_LEVEL"},
		"log.format":   {"LOG_FORMAT"},
	}
	for key, envs := range aliases {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("poll_interval_seconds", 10)
	v.SetDefault("staleness_threshold_seconds", 30)

	v.SetDefault("detector.workers", 1)
	v.SetDefault("detector.cache_mode", "validate")
	v.SetDefault("detector.tick_timeout", "0s")

	v.SetDefault("store.ledger", BackendMemory)
	v.SetDefault("store.heartbeats", "")

	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "power")
	v.SetDefault("database.user", "power")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key", "power:heartbeats")

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.topic_prefix", "power")
	v.SetDefault("mqtt.subscribe_heartbeats", false)
	v.SetDefault("mqtt.buffer_size", 1000)
	v.SetDefault("mqtt.system_heartbeat", "15m")

	v.SetDefault("ingest.path", "/heartbeat")
	v.SetDefault("ingest.token", "")
	v.SetDefault("ingest.max_future_skew", "1m")
	v.SetDefault("ingest.rate_limit", 0.0)
	v.SetDefault("ingest.burst", 20)

	v.SetDefault("notifier.enabled", true)
	v.SetDefault("notifier.poll_interval", "5s")
	v.SetDefault("notifier.batch_size", 100)
	v.SetDefault("notifier.replay_on_start", false)
	v.SetDefault("notifier.quiet_start", 0)
	v.SetDefault("notifier.quiet_end", 0)
	v.SetDefault("notifier.timezone", "Local")
	v.SetDefault("notifier.rate_limit", 1.0)
	v.SetDefault("notifier.burst", 5)

	v.SetDefault("http.addr", ":5566")
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "10s")
	v.SetDefault("http.shutdown_timeout", "10s")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.PollIntervalSeconds <= 0 {
		add("poll_interval_seconds must be > 0, got %d", c.PollIntervalSeconds)
	}
	if c.StalenessThresholdSeconds <= c.PollIntervalSeconds {
		add("staleness_threshold_seconds (%d) must be greater than poll_interval_seconds (%d)",
			c.StalenessThresholdSeconds, c.PollIntervalSeconds)
	}
	if c.Detector.Workers < 1 {
		add("detector.workers must be >= 1, got %d", c.Detector.Workers)
	}
	switch c.Detector.CacheMode {
	case "validate", "trust":
	default:
		add("detector.cache_mode must be validate or trust, got %q", c.Detector.CacheMode)
	}

	switch c.Store.Ledger {
	case BackendMemory, BackendPostgres:
	default:
		add("store.ledger must be memory or postgres, got %q", c.Store.Ledger)
	}
	switch c.HeartbeatBackend() {
	case BackendMemory, BackendPostgres, BackendRedis:
	default:
		add("store.heartbeats must be memory, postgres or redis, got %q", c.Store.Heartbeats)
	}
	if c.NeedsPostgres() && c.Database.Host == "" {
		add("database.host is required for the postgres backend")
	}
	if c.HeartbeatBackend() == BackendRedis && c.Redis.Addr == "" {
		add("redis.addr is required for the redis heartbeat backend")
	}

	if c.Ingest.MaxFutureSkew < 0 {
		add("ingest.max_future_skew must be >= 0")
	}
	if c.Ingest.RateLimit < 0 {
		add("ingest.rate_limit must be >= 0")
	}

	if err := c.QuietHours().Validate(); err != nil {
		add("notifier: %v", err)
	}
	if _, err := c.Location(); err != nil {
		add("notifier.timezone: %v", err)
	}
	if c.Notifier.RateLimit < 0 {
		add("notifier.rate_limit must be >= 0")
	}

	if c.HTTP.Addr == "" {
		add("http.addr is required")
	}
	if c.MQTT.SubscribeHeartbeats && c.MQTT.Broker == "" {
		add("mqtt.subscribe_heartbeats requires mqtt.broker")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %v", err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
