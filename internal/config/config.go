// Package config loads scheduler settings from a YAML file and ENCODEFLEET_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// ENCODEFLEET_STORE_TYPE or ENCODEFLEET_LEASING_DURATION.
const EnvPrefix = "ENCODEFLEET"

// Config is the full scheduler configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Leasing   LeasingConfig   `mapstructure:"leasing" yaml:"leasing"`
	Reaper    ReaperConfig    `mapstructure:"reaper" yaml:"reaper"`
	SweepLock SweepLockConfig `mapstructure:"sweeplock" yaml:"sweeplock"`
	Webhook   WebhookConfig   `mapstructure:"webhook" yaml:"webhook"`
	Health    HealthConfig    `mapstructure:"health" yaml:"health"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit" yaml:"ratelimit"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Metrics   MetricsConfig   `mapstructure:"metrics" yaml:"metrics"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	HostStats       bool          `mapstructure:"host_stats" yaml:"host_stats"`
}

type StoreConfig struct {
	Type            string        `mapstructure:"type" yaml:"type"` // memory, sqlite or postgres
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Path            string        `mapstructure:"path" yaml:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
	ConnectRetries  int           `mapstructure:"connect_retries" yaml:"connect_retries"`
}

type LeasingConfig struct {
	Duration           time.Duration `mapstructure:"duration" yaml:"duration"`
	RetryBase          time.Duration `mapstructure:"retry_base" yaml:"retry_base"`
	DefaultMaxAttempts int           `mapstructure:"default_max_attempts" yaml:"default_max_attempts"`
	ShortThreshold     int64         `mapstructure:"short_threshold" yaml:"short_threshold"`
	DefaultJobDuration time.Duration `mapstructure:"default_job_duration" yaml:"default_job_duration"`
}

type ReaperConfig struct {
	Interval  time.Duration `mapstructure:"interval" yaml:"interval"`
	BatchSize int           `mapstructure:"batch_size" yaml:"batch_size"`
}

// SweepLockConfig selects how concurrent schedulers share the reaper.
// Backend is "none", "local" or "redis".
type SweepLockConfig struct {
	Backend  string `mapstructure:"backend" yaml:"backend"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"-" json:"-"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Key      string `mapstructure:"key" yaml:"key"`
}

type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type HealthConfig struct {
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
	File  bool   `mapstructure:"file" yaml:"file"` // also write /var/log/encodefleet/server/server.log
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

type RateLimitConfig struct {
	ClaimRPS        float64       `mapstructure:"claim_rps" yaml:"claim_rps"` // 0 disables
	ClaimBurst      int           `mapstructure:"claim_burst" yaml:"claim_burst"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	MaxAge          time.Duration `mapstructure:"max_age" yaml:"max_age"`
}

type AuthConfig struct {
	APIKeys []string `mapstructure:"api_keys" yaml:"-" json:"-"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"` // empty disables the metrics listener
}

// SetDefaults registers every key with its default. Keys without a default
// are invisible to environment overrides during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.host_stats", true)

	v.SetDefault("store.type", "sqlite")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.path", "encodefleet.db")
	v.SetDefault("store.max_open_conns", 25)
	v.SetDefault("store.max_idle_conns", 5)
	v.SetDefault("store.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("store.connect_retries", 5)

	v.SetDefault("leasing.duration", 5*time.Minute)
	v.SetDefault("leasing.retry_base", 30*time.Second)
	v.SetDefault("leasing.default_max_attempts", 3)
	v.SetDefault("leasing.short_threshold", int64(50*1024*1024))
	v.SetDefault("leasing.default_job_duration", 10*time.Minute)

	v.SetDefault("reaper.interval", 60*time.Second)
	v.SetDefault("reaper.batch_size", 0)

	v.SetDefault("sweeplock.backend", "local")
	v.SetDefault("sweeplock.addr", "localhost:6379")
	v.SetDefault("sweeplock.password", "")
	v.SetDefault("sweeplock.db", 0)
	v.SetDefault("sweeplock.key", "encodefleet:reaper:lock")

	v.SetDefault("webhook.timeout", 5*time.Second)
	v.SetDefault("health.timeout", 2*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.json", false)
	v.SetDefault("logging.file", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.service_name", "encodefleet-scheduler")
	v.SetDefault("tracing.environment", "development")

	v.SetDefault("ratelimit.claim_rps", 5.0)
	v.SetDefault("ratelimit.claim_burst", 10)
	v.SetDefault("ratelimit.cleanup_interval", 5*time.Minute)
	v.SetDefault("ratelimit.max_age", 10*time.Minute)

	v.SetDefault("auth.api_keys", []string{})

	v.SetDefault("metrics.addr", ":9090")
}

// DefaultPath returns $HOME/.encodefleet/config.yaml
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".encodefleet", "config.yaml"), nil
}

// NewViper returns a viper instance with defaults and environment binding.
// When path is empty the default location is searched; a missing default
// file is not an error, a missing explicit one is.
func NewViper(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		return v, nil
	}

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".encodefleet"))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return v, nil
}

// Load reads configuration from path (or the default location) and the environment
func Load(path string) (*Config, error) {
	v, err := NewViper(path)
	if err != nil {
		return nil, err
	}
	return FromViper(v)
}

// FromViper decodes and validates v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Store.Type = strings.ToLower(strings.TrimSpace(cfg.Store.Type))
	cfg.SweepLock.Backend = strings.ToLower(strings.TrimSpace(cfg.SweepLock.Backend))
	cfg.Auth.APIKeys = compact(cfg.Auth.APIKeys)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the scheduler cannot run with
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "sqlite":
	case "postgres", "postgresql":
		if c.Store.DSN == "" {
			return errors.New("store.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("store.type %q is not one of memory, sqlite, postgres", c.Store.Type)
	}

	switch c.SweepLock.Backend {
	case "none", "local":
	case "redis":
		if c.SweepLock.Addr == "" {
			return errors.New("sweeplock.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("sweeplock.backend %q is not one of none, local, redis", c.SweepLock.Backend)
	}

	if c.Leasing.Duration <= 0 {
		return errors.New("leasing.duration must be positive")
	}
	if c.Leasing.RetryBase <= 0 {
		return errors.New("leasing.retry_base must be positive")
	}
	if c.Leasing.DefaultMaxAttempts < 1 || c.Leasing.DefaultMaxAttempts > 10 {
		return errors.New("leasing.default_max_attempts must be between 1 and 10")
	}
	if c.Leasing.ShortThreshold <= 0 {
		return errors.New("leasing.short_threshold must be positive")
	}
	if c.Reaper.Interval <= 0 {
		return errors.New("reaper.interval must be positive")
	}
	if c.Reaper.BatchSize < 0 {
		return errors.New("reaper.batch_size must not be negative")
	}
	if c.RateLimit.ClaimRPS < 0 {
		return errors.New("ratelimit.claim_rps must not be negative")
	}
	if c.RateLimit.ClaimRPS > 0 && c.RateLimit.ClaimBurst < 1 {
		return errors.New("ratelimit.claim_burst must be at least 1")
	}
	return nil
}

func compact(keys []string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			out = append(out, k)
		}
	}
	return out
}
