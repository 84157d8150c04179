package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Blobstore BlobstoreConfig `yaml:"blobstore"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Redis     RedisConfig     `yaml:"redis"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type BlobstoreConfig struct {
	Path string `yaml:"path"`
}

type GatewayConfig struct {
	BaseURL string        `yaml:"base_url"`
	Origin  string        `yaml:"origin"`
	Timeout time.Duration `yaml:"timeout"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

type DispatchConfig struct {
	TickInterval time.Duration `yaml:"tick_interval"`
	MinDelay     time.Duration `yaml:"min_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	ClaimTTL     time.Duration `yaml:"claim_ttl"`
	PromptTTL    time.Duration `yaml:"prompt_ttl"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8090"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "/var/lib/blastline/app.db"
	}
	if cfg.Blobstore.Path == "" {
		cfg.Blobstore.Path = "/var/lib/blastline/blobs.db"
	}
	if cfg.Gateway.Timeout == 0 {
		cfg.Gateway.Timeout = 30 * time.Second
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "blastline:gateway:events"
	}
	if cfg.Dispatch.TickInterval == 0 {
		cfg.Dispatch.TickInterval = time.Minute
	}
	if cfg.Dispatch.MinDelay == 0 {
		cfg.Dispatch.MinDelay = time.Minute
	}
	if cfg.Dispatch.MaxDelay == 0 {
		cfg.Dispatch.MaxDelay = 2 * time.Minute
	}
	if cfg.Dispatch.ClaimTTL == 0 {
		cfg.Dispatch.ClaimTTL = 5 * time.Minute
	}
	if cfg.Dispatch.PromptTTL == 0 {
		cfg.Dispatch.PromptTTL = 2 * time.Minute
	}
	if cfg.Metrics.ListenAddr == "" {
		cfg.Metrics.ListenAddr = ":9090"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

func validate(cfg *Config) error {
	if cfg.Gateway.BaseURL == "" {
		return fmt.Errorf("gateway.base_url is required")
	}
	if cfg.Dispatch.MinDelay <= 0 {
		return fmt.Errorf("dispatch.min_delay must be positive")
	}
	if cfg.Dispatch.MaxDelay <= cfg.Dispatch.MinDelay {
		return fmt.Errorf("dispatch.max_delay must be greater than dispatch.min_delay")
	}
	return nil
}
