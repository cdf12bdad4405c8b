// Package config loads and validates the registry configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the GEMREG_ prefix (e.g.,
// GEMREG_DATABASE_HOST overrides database.host in the YAML). This layering
// allows the same binary to run with a config.yaml in local development and
// with pure environment variables in containerized deployments.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	BaseURL      string        `mapstructure:"base_url"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GetAddress returns the host:port listen address
func (s *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds database connection configuration
type DatabaseConfig struct {
	Host               string `mapstructure:"host"`
	Port               int    `mapstructure:"port"`
	Name               string `mapstructure:"name"`
	User               string `mapstructure:"user"`
	Password           string `mapstructure:"password"`
	SSLMode            string `mapstructure:"ssl_mode"`
	MaxConnections     int    `mapstructure:"max_connections"`
	MinIdleConnections int    `mapstructure:"min_idle_connections"`
}

// GetDSN builds the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
}

// StorageConfig holds resource store configuration. Gems, gemspecs, the
// specs-collection artifacts, and mirrored upstream gems all live under
// BasePath, segmented by namespace (private/gems, private/specs_collection,
// {upstream_host_id}).
type StorageConfig struct {
	BasePath string `mapstructure:"base_path"`
}

// CacheConfig holds cache backend configuration.
//
// Backend "memory" is a bounded in-process LRU with per-entry TTL; it is not
// shared across processes. Backend "redis" is shared and consistent across
// all registry instances pointing at the same server.
type CacheConfig struct {
	Backend    string      `mapstructure:"backend"`
	MaxEntries int         `mapstructure:"max_entries"`
	Redis      RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds redis connection configuration for the shared cache backend
type RedisConfig struct {
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// UpstreamConfig holds upstream registry configuration
type UpstreamConfig struct {
	// DefaultURL is the upstream used for requests that carry no source
	// prefix and no X-Gemfile-Source header (e.g. https://rubygems.org)
	DefaultURL     string        `mapstructure:"default_url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig holds authorization configuration
type AuthConfig struct {
	// ProtectedFetch requires a key with the fetch permission for the
	// specs-collection and private dependency endpoints
	ProtectedFetch bool `mapstructure:"protected_fetch"`
	// RateLimitPerMinute bounds push/yank/unyank calls per key per minute
	// when the redis cache backend is active; 0 disables limiting
	RateLimitPerMinute int `mapstructure:"rate_limit_per_minute"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested
// structs during Unmarshal. viper.BindEnv only errors when called with zero
// keys; since every key here is a non-empty hardcoded string, any error
// indicates a programming bug and is surfaced to the caller.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		"server.host",
		"server.port",
		"server.base_url",
		"server.read_timeout",
		"server.write_timeout",

		"database.host",
		"database.port",
		"database.name",
		"database.user",
		"database.password",
		"database.ssl_mode",
		"database.max_connections",
		"database.min_idle_connections",

		"storage.base_path",

		"cache.backend",
		"cache.max_entries",
		"cache.redis.address",
		"cache.redis.password",
		"cache.redis.db",

		"upstream.default_url",
		"upstream.connect_timeout",
		"upstream.request_timeout",

		"auth.protected_fetch",
		"auth.rate_limit_per_minute",

		"logging.level",
		"logging.format",

		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}

	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var for %s: %w", key, err)
		}
	}
	return nil
}

// Load reads configuration from the optional YAML file at configPath and the
// environment, applying defaults for anything unset.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("GEMREG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		return nil, err
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/gem-registry")
	}

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; env vars and defaults still apply
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 9292)
	v.SetDefault("server.base_url", "http://localhost:9292")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "gem_registry")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.min_idle_connections", 5)

	v.SetDefault("storage.base_path", "/var/lib/gem-registry")

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.max_entries", 500)
	v.SetDefault("cache.redis.address", "localhost:6379")
	v.SetDefault("cache.redis.db", 0)

	v.SetDefault("upstream.default_url", "https://rubygems.org")
	v.SetDefault("upstream.connect_timeout", "2s")
	v.SetDefault("upstream.request_timeout", "30s")

	v.SetDefault("auth.protected_fetch", false)
	v.SetDefault("auth.rate_limit_per_minute", 0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("telemetry.metrics.enabled", false)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// Validate checks the configuration for unusable combinations
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Storage.BasePath == "" {
		return fmt.Errorf("storage.base_path must be set")
	}

	switch c.Cache.Backend {
	case "memory":
		if c.Cache.MaxEntries <= 0 {
			return fmt.Errorf("cache.max_entries must be positive for the memory backend")
		}
	case "redis":
		if c.Cache.Redis.Address == "" {
			return fmt.Errorf("cache.redis.address must be set for the redis backend")
		}
	default:
		return fmt.Errorf("unknown cache backend: %q (must be \"memory\" or \"redis\")", c.Cache.Backend)
	}

	if c.Upstream.DefaultURL == "" {
		return fmt.Errorf("upstream.default_url must be set")
	}
	parsed, err := url.Parse(c.Upstream.DefaultURL)
	if err != nil {
		return fmt.Errorf("invalid upstream.default_url: %w", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return fmt.Errorf("upstream.default_url must use http or https scheme")
	}
	if parsed.Host == "" {
		return fmt.Errorf("upstream.default_url must have a host")
	}

	if c.Auth.RateLimitPerMinute > 0 && c.Cache.Backend != "redis" {
		return fmt.Errorf("auth.rate_limit_per_minute requires the redis cache backend")
	}

	return nil
}
