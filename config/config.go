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

// Config holds all configuration for the knowledge service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address        string        `mapstructure:"address"`
	CORSOrigins    []string      `mapstructure:"cors_origins"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	BodyLimit      string        `mapstructure:"body_limit"`
}

func (s ServerConfig) Normalize() ServerConfig {
	s.Address = strings.TrimSpace(s.Address)
	if s.Address == "" {
		s.Address = ":8080"
	}
	if s.RequestTimeout <= 0 {
		s.RequestTimeout = 15 * time.Second
	}
	if strings.TrimSpace(s.BodyLimit) == "" {
		s.BodyLimit = "1M"
	}
	var origins []string
	for _, o := range s.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	s.CORSOrigins = origins
	return s
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	MetricsPort  int    `mapstructure:"metrics_port"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.MetricsPort < 0 || t.MetricsPort > 65535 {
		return fmt.Errorf("telemetry.metrics_port out of range: %d", t.MetricsPort)
	}
	return nil
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL          string        `mapstructure:"url"`
	Host         string        `mapstructure:"host"`
	Port         string        `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	DBName       string        `mapstructure:"dbname"`
	SSLMode      string        `mapstructure:"sslmode"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.Port) == "" {
		return fmt.Errorf("storage.postgres.port required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// KnowledgeConfig controls the knowledge engine and its collaborators.
type KnowledgeConfig struct {
	Driver        string        `mapstructure:"driver"`
	CacheEnabled  bool          `mapstructure:"cache_enabled"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	EventsEnabled bool          `mapstructure:"events_enabled"`
	EventsStream  string        `mapstructure:"events_stream"`
	EventsMaxLen  int64         `mapstructure:"events_max_len"`
	RevisionLimit int           `mapstructure:"revision_limit"`
}

// Normalize applies defaults for unset knowledge values.
func (k KnowledgeConfig) Normalize() KnowledgeConfig {
	k.Driver = strings.ToLower(strings.TrimSpace(k.Driver))
	if k.Driver == "" {
		k.Driver = DriverPostgres
	}
	if k.CacheTTL <= 0 {
		k.CacheTTL = 5 * time.Minute
	}
	if strings.TrimSpace(k.EventsStream) == "" {
		k.EventsStream = "knowledge.changes"
	}
	if k.RevisionLimit <= 0 {
		k.RevisionLimit = 20
	}
	return k
}

func (k KnowledgeConfig) Validate() error {
	switch k.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("knowledge.driver must be %q or %q, got %q", DriverPostgres, DriverMemory, k.Driver)
	}
	if k.EventsMaxLen < 0 {
		return fmt.Errorf("knowledge.events_max_len cannot be negative")
	}
	return nil
}

// NeedsRedis reports whether any enabled feature talks to Redis.
func (k KnowledgeConfig) NeedsRedis() bool {
	return k.CacheEnabled || k.EventsEnabled
}

// Validate checks every section that the enabled features depend on.
func (c *Config) Validate() error {
	if err := c.Telemetry.Validate(); err != nil {
		return err
	}
	if err := c.Knowledge.Validate(); err != nil {
		return err
	}
	if c.Knowledge.Driver == DriverPostgres {
		if err := c.Storage.Postgres.Validate(); err != nil {
			return err
		}
	}
	if c.Knowledge.NeedsRedis() {
		if err := c.Storage.Redis.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Load reads the configuration from path, or from the default search paths
// when path is empty. Environment variables prefixed with AGENTDESK_
// override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("json")   // REQUIRED if the config file does not have the extension in the name
	// Every key needs a default so AutomaticEnv can override it on Unmarshal.
	v.SetDefault("general.debug", false)
	v.SetDefault("general.default_timeout", "10s")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.request_timeout", "15s")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.body_limit", "1M")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "agentdesk")
	v.SetDefault("telemetry.metrics_port", 0)
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("storage.postgres.url", "")
	v.SetDefault("storage.postgres.host", "")
	v.SetDefault("storage.postgres.port", "5432")
	v.SetDefault("storage.postgres.user", "")
	v.SetDefault("storage.postgres.password", "")
	v.SetDefault("storage.postgres.dbname", "")
	v.SetDefault("storage.postgres.sslmode", "disable")
	v.SetDefault("storage.postgres.timeout", "5s")
	v.SetDefault("storage.postgres.max_open_conns", 20)
	v.SetDefault("storage.redis.host", "")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.timeout", "3s")
	v.SetDefault("knowledge.driver", DriverPostgres)
	v.SetDefault("knowledge.cache_enabled", false)
	v.SetDefault("knowledge.cache_ttl", "5m")
	v.SetDefault("knowledge.events_enabled", false)
	v.SetDefault("knowledge.events_stream", "knowledge.changes")
	v.SetDefault("knowledge.events_max_len", 10000)
	v.SetDefault("knowledge.revision_limit", 20)

	if path == "" {
		v.AddConfigPath("./config") // path to look for the config file in
		v.AddConfigPath(".")        // optionally look for config in the working directory
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)                                // bin/
		v.AddConfigPath(filepath.Join(exeDir, ".."))           // repo root
		v.AddConfigPath(filepath.Join(exeDir, "..", "config")) // repo root/config
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("AGENTDESK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv() // read in environment variables that match (AGENTDESK_*)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Server = cfg.Server.Normalize()
	cfg.Knowledge = cfg.Knowledge.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadConfig loads config from file and panics on failure
func LoadConfig(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	return cfg
}
