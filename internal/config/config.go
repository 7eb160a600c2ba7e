package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/foxzi/pacer/internal/dkim"
	"github.com/foxzi/pacer/internal/holiday"
)

// EnvPrefix is the prefix of environment overrides, e.g. PACER_POSTGRES_DSN
const EnvPrefix = "PACER"

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Progress  ProgressConfig  `yaml:"progress"`
	Redis     RedisConfig     `yaml:"redis"`
	Batch     BatchConfig     `yaml:"batch"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Mailbox   MailboxConfig   `yaml:"mailbox"`
	Holidays  HolidaysConfig  `yaml:"holidays"`
	Provider  ProviderConfig  `yaml:"provider"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Transport TransportConfig `yaml:"transport"`
}

// ServerConfig contains process-wide settings
type ServerConfig struct {
	Hostname        string        `yaml:"hostname"`         // FQDN used in HELO and Message-ID
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Default: 30s
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
}

// StorageConfig points at the local bbolt database
type StorageConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// ProgressConfig selects and tunes the progress store
type ProgressConfig struct {
	Backend    string        `yaml:"backend"`     // memory, redis
	Retention  time.Duration `yaml:"retention"`   // How long finished jobs stay readable (default: 10m)
	StaleAfter time.Duration `yaml:"stale_after"` // Evict running jobs without updates (default: 2h)
	MaxDetails int           `yaml:"max_details"` // Cap of error and skip lists
	KeyPrefix  string        `yaml:"key_prefix"`  // Redis key prefix (default: pacer:progress:)
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// BatchConfig tunes the batch runner
type BatchConfig struct {
	FlushEvery int           `yaml:"flush_every"` // Push counters every N items (default: 5)
	RetryDelay time.Duration `yaml:"retry_delay"` // Pause before the retry pass (default: 5s)
}

// DispatchConfig tunes campaign dispatch loops
type DispatchConfig struct {
	Timezone        string        `yaml:"timezone"`         // Fallback for campaigns without a timezone (default: UTC)
	RecheckInterval time.Duration `yaml:"recheck_interval"` // Upper bound of a quota wait (default: 5m)
	LockTTL         time.Duration `yaml:"lock_ttl"`         // Redis lease of a running campaign (default: 10m)
	Lock            bool          `yaml:"lock"`             // Take a Redis lease per campaign; requires redis.addr
}

// MailboxConfig tunes the quota allocator
type MailboxConfig struct {
	Backend   string `yaml:"backend"`    // bolt, redis (default: redis with dispatch.lock, bolt otherwise)
	Timezone  string `yaml:"timezone"`   // Day boundary of the daily counters (default: UTC)
	KeyPrefix string `yaml:"key_prefix"` // Redis key prefix (default: pacer:quota:)
}

// HolidaysConfig configures the holiday calendar
type HolidaysConfig struct {
	ProviderURL string           `yaml:"provider_url"` // Nager.Date compatible API; empty disables lookups
	Timeout     time.Duration    `yaml:"timeout"`      // Default: 10s
	Static      []holiday.Static `yaml:"static"`
}

// ProviderConfig configures the classification provider
type ProviderConfig struct {
	BaseURL           string        `yaml:"base_url"` // Empty disables classify and verify batches
	APIKey            string        `yaml:"api_key"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"` // Default: 30s
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

// TransportConfig configures SMTP submission
type TransportConfig struct {
	Timeout            time.Duration    `yaml:"timeout"` // Default: 60s
	InsecureSkipVerify bool             `yaml:"insecure_skip_verify"`
	DKIM               []dkim.KeyConfig `yaml:"dkim"`
}

// Env holds the environment overrides applied after the YAML file
type Env struct {
	APIListenAddr   string `envconfig:"API_LISTEN_ADDR"`
	PostgresDSN     string `envconfig:"POSTGRES_DSN"`
	RedisAddr       string `envconfig:"REDIS_ADDR"`
	RedisPassword   string `envconfig:"REDIS_PASSWORD"`
	ProviderURL     string `envconfig:"PROVIDER_URL"`
	ProviderAPIKey  string `envconfig:"PROVIDER_API_KEY"`
	ProgressBackend string `envconfig:"PROGRESS_BACKEND"`
	LogLevel        string `envconfig:"LOG_LEVEL"`
}

// Load reads configuration from a YAML file and applies environment overrides
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) applyEnv() error {
	var env Env
	if err := envconfig.Process(EnvPrefix, &env); err != nil {
		return err
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&c.API.ListenAddr, env.APIListenAddr)
	set(&c.Postgres.DSN, env.PostgresDSN)
	set(&c.Redis.Addr, env.RedisAddr)
	set(&c.Redis.Password, env.RedisPassword)
	set(&c.Provider.BaseURL, env.ProviderURL)
	set(&c.Provider.APIKey, env.ProviderAPIKey)
	set(&c.Progress.Backend, env.ProgressBackend)
	set(&c.Logging.Level, env.LogLevel)
	return nil
}

func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/pacer/pacer.db"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Progress.Backend == "" {
		c.Progress.Backend = "memory"
	}
	if c.Progress.Retention == 0 {
		c.Progress.Retention = 10 * time.Minute
	}
	if c.Progress.StaleAfter == 0 {
		c.Progress.StaleAfter = 2 * time.Hour
	}
	if c.Progress.KeyPrefix == "" {
		c.Progress.KeyPrefix = "pacer:progress:"
	}

	if c.Batch.FlushEvery == 0 {
		c.Batch.FlushEvery = 5
	}
	if c.Batch.RetryDelay == 0 {
		c.Batch.RetryDelay = 5 * time.Second
	}

	if c.Dispatch.Timezone == "" {
		c.Dispatch.Timezone = "UTC"
	}
	if c.Dispatch.RecheckInterval == 0 {
		c.Dispatch.RecheckInterval = 5 * time.Minute
	}
	if c.Dispatch.LockTTL == 0 {
		c.Dispatch.LockTTL = 10 * time.Minute
	}

	if c.Mailbox.Backend == "" {
		c.Mailbox.Backend = "bolt"
		if c.Dispatch.Lock {
			c.Mailbox.Backend = "redis"
		}
	}
	if c.Mailbox.Timezone == "" {
		c.Mailbox.Timezone = "UTC"
	}
	if c.Mailbox.KeyPrefix == "" {
		c.Mailbox.KeyPrefix = "pacer:quota:"
	}

	if c.Holidays.Timeout == 0 {
		c.Holidays.Timeout = 10 * time.Second
	}

	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 30 * time.Second
	}

	if c.Transport.Timeout == 0 {
		c.Transport.Timeout = 60 * time.Second
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	validBackends := map[string]bool{"memory": true, "redis": true}
	if !validBackends[c.Progress.Backend] {
		return fmt.Errorf("invalid progress.backend: %s (must be memory or redis)", c.Progress.Backend)
	}
	if c.Progress.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the redis progress backend")
	}
	if c.Dispatch.Lock && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when dispatch.lock is enabled")
	}

	validQuotaBackends := map[string]bool{"bolt": true, "redis": true}
	if !validQuotaBackends[c.Mailbox.Backend] {
		return fmt.Errorf("invalid mailbox.backend: %s (must be bolt or redis)", c.Mailbox.Backend)
	}
	if c.Mailbox.Backend == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required for the redis mailbox backend")
	}
	// several dispatch processes must draw from one set of counters
	if c.Dispatch.Lock && c.Mailbox.Backend != "redis" {
		return fmt.Errorf("mailbox.backend must be redis when dispatch.lock is enabled")
	}
	if c.Dispatch.RecheckInterval >= c.Progress.StaleAfter {
		return fmt.Errorf("dispatch.recheck_interval must be shorter than progress.stale_after")
	}

	if _, err := c.DispatchLocation(); err != nil {
		return err
	}
	if _, err := c.MailboxLocation(); err != nil {
		return err
	}

	if c.Provider.RequestsPerSecond < 0 {
		return fmt.Errorf("provider.requests_per_second must not be negative")
	}

	for _, h := range c.Holidays.Static {
		if _, err := time.Parse("2006-01-02", h.Date); err != nil {
			return fmt.Errorf("invalid holidays.static date %q: must be YYYY-MM-DD", h.Date)
		}
	}

	for i, k := range c.Transport.DKIM {
		if k.Domain == "" || k.Selector == "" || k.KeyFile == "" {
			return fmt.Errorf("transport.dkim[%d]: domain, selector and key_file are required", i)
		}
	}

	return nil
}

// DispatchLocation returns the fallback timezone of campaign schedules
func (c *Config) DispatchLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Dispatch.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid dispatch.timezone %q: %w", c.Dispatch.Timezone, err)
	}
	return loc, nil
}

// MailboxLocation returns the timezone of the daily quota boundary
func (c *Config) MailboxLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Mailbox.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox.timezone %q: %w", c.Mailbox.Timezone, err)
	}
	return loc, nil
}
