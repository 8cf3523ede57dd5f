// Package config provides configuration management for the agent broker.
// It supports loading configuration from environment variables, config
// files, and defaults, following the same layering the rest of the pack
// uses via github.com/spf13/viper.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the broker.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	EventBus EventBusConfig `mapstructure:"eventBus"`
	Pool     PoolConfig     `mapstructure:"pool"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	ReadTimeoutSec    int    `mapstructure:"readTimeout"`
	WriteTimeoutSec   int    `mapstructure:"writeTimeout"`
	MaxConcurrentRuns int    `mapstructure:"maxConcurrentRuns"`
}

// StorageConfig controls where durable state lives on disk.
type StorageConfig struct {
	DataDir          string `mapstructure:"dataDir"`
	EventLogBackend  string `mapstructure:"eventLogBackend"` // "file" or "postgres"
	PostgresDSN      string `mapstructure:"postgresDSN"`
	ArchiveEnabled   bool   `mapstructure:"archiveEnabled"`
	ArchiveDBPath    string `mapstructure:"archiveDBPath"`
	CredentialsPath  string `mapstructure:"credentialsPath"`
}

// EventBusConfig selects the fan-out transport for broadcast events.
type EventBusConfig struct {
	NATSURL   string `mapstructure:"natsUrl"` // empty = in-memory bus
	Namespace string `mapstructure:"namespace"`
}

// PoolConfig controls the runner pool's sizing and maintenance cadence.
type PoolConfig struct {
	MaxSize                int `mapstructure:"maxSize"`
	MinGeneric             int `mapstructure:"minGeneric"`
	TTLSeconds             int `mapstructure:"ttlSeconds"`
	MaintenanceIntervalSec int `mapstructure:"maintenanceInterval"`
}

// AuthConfig holds bearer-token authentication configuration.
type AuthConfig struct {
	BearerToken string `mapstructure:"bearerToken"`
	Environment string `mapstructure:"environment"` // "production" enforces the token
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 0) // streaming responses: no write deadline
	v.SetDefault("server.maxConcurrentRuns", 8)

	v.SetDefault("storage.dataDir", "./data")
	v.SetDefault("storage.eventLogBackend", "file")
	v.SetDefault("storage.postgresDSN", "")
	v.SetDefault("storage.archiveEnabled", true)
	v.SetDefault("storage.archiveDBPath", "./data/archive.db")
	v.SetDefault("storage.credentialsPath", "./data/credentials.json")

	v.SetDefault("eventBus.natsUrl", "")
	v.SetDefault("eventBus.namespace", "agentbroker")

	v.SetDefault("pool.maxSize", 16)
	v.SetDefault("pool.minGeneric", 2)
	v.SetDefault("pool.ttlSeconds", 600)
	v.SetDefault("pool.maintenanceInterval", 30)

	v.SetDefault("auth.bearerToken", "")
	v.SetDefault("auth.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, an optional
// config.yaml, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath behaves like Load but adds configPath to the search path for
// config.yaml.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("AGENTBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentbroker/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxConcurrentRuns <= 0 {
		errs = append(errs, "server.maxConcurrentRuns must be positive")
	}
	if cfg.Pool.MaxSize <= 0 {
		errs = append(errs, "pool.maxSize must be positive")
	}
	if cfg.Pool.MinGeneric < 0 || cfg.Pool.MinGeneric > cfg.Pool.MaxSize {
		errs = append(errs, "pool.minGeneric must be between 0 and pool.maxSize")
	}
	switch cfg.Storage.EventLogBackend {
	case "file", "postgres":
	default:
		errs = append(errs, "storage.eventLogBackend must be one of: file, postgres")
	}
	if cfg.Storage.EventLogBackend == "postgres" && cfg.Storage.PostgresDSN == "" {
		errs = append(errs, "storage.postgresDSN is required when storage.eventLogBackend is postgres")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
