package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes environment overrides, e.g. EPIDATA_CACHE_MAX_AGE.
const EnvPrefix = "EPIDATA"

// Cache backends.
const (
	BackendMemory   = "memory"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Config holds all configuration for the client and the proxy server
type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Planner PlannerConfig `mapstructure:"planner"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

type ClientConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RateBurst      int           `mapstructure:"rate_burst"`
	MaxConcurrency int           `mapstructure:"max_concurrency"`
}

type CacheConfig struct {
	UseCache   bool          `mapstructure:"use_cache"`
	MaxAge     time.Duration `mapstructure:"max_age"`
	MaxEntries int           `mapstructure:"max_entries"`
	Backend    string        `mapstructure:"backend"`
	Path       string        `mapstructure:"path"`
	DSN        string        `mapstructure:"dsn"`
}

type FetchConfig struct {
	MaxRetries       int           `mapstructure:"max_retries"`
	RetryBackoffBase time.Duration `mapstructure:"retry_backoff_base"`
	MaxPages         int           `mapstructure:"max_pages"`
}

type PlannerConfig struct {
	MaxValuesPerCall int  `mapstructure:"max_values_per_call"`
	MultiSignal      bool `mapstructure:"multi_signal"`
}

type ServerConfig struct {
	Host      string  `mapstructure:"host"`
	Port      int     `mapstructure:"port"`
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from defaults, the optional file at path and
// EPIDATA_* environment variables, in increasing priority. ${VAR}
// references inside the file are expanded first.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		var raw map[string]interface{}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &raw); err != nil {
			return nil, fmt.Errorf("failed to unmarshal raw config: %w", err)
		}
		if err := v.MergeConfigMap(raw); err != nil {
			return nil, fmt.Errorf("failed to merge config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values no component can run with.
func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Cache.Path == "" {
			return fmt.Errorf("cache.path is required for the %s backend", BackendBolt)
		}
	case BackendPostgres:
		if c.Cache.DSN == "" {
			return fmt.Errorf("cache.dsn is required for the %s backend", BackendPostgres)
		}
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}

	if c.Cache.MaxAge <= 0 {
		return fmt.Errorf("cache.max_age must be positive, got %s", c.Cache.MaxAge)
	}
	if c.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be positive, got %s", c.Client.Timeout)
	}
	if c.Fetch.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must not be negative")
	}
	if c.Fetch.MaxPages <= 0 {
		return fmt.Errorf("fetch.max_pages must be positive")
	}
	if c.Planner.MaxValuesPerCall <= 0 {
		return fmt.Errorf("planner.max_values_per_call must be positive")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

// NewLogger builds a logrus logger for the configured level and format.
func (l LoggingConfig) NewLogger() (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(l.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid logging.level: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	switch l.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("invalid logging.format %q", l.Format)
	}
	return logger, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("client.base_url", "https://api.delphi.cmu.edu/epidata/covidcast/")
	v.SetDefault("client.api_key", "")
	v.SetDefault("client.timeout", 30*time.Second)
	v.SetDefault("client.rate_limit", 0.0)
	v.SetDefault("client.rate_burst", 1)
	v.SetDefault("client.max_concurrency", 4)

	v.SetDefault("cache.use_cache", true)
	v.SetDefault("cache.max_age", 24*time.Hour)
	v.SetDefault("cache.max_entries", 1000)
	v.SetDefault("cache.backend", BackendMemory)
	v.SetDefault("cache.path", "")
	v.SetDefault("cache.dsn", "")

	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.retry_backoff_base", 500*time.Millisecond)
	v.SetDefault("fetch.max_pages", 100)

	v.SetDefault("planner.max_values_per_call", 100)
	v.SetDefault("planner.multi_signal", true)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 50051)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
