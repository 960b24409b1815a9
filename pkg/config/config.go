// Package config loads the YAML configuration for both farm roles.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/kiln/pkg/backplane"
	"github.com/cuemby/kiln/pkg/instance"
	"github.com/cuemby/kiln/pkg/log"
	"github.com/cuemby/kiln/pkg/pipeline"
)

// Config is the root document. One file can carry both roles; each binary
// reads its own section.
type Config struct {
	Redis    RedisConfig      `yaml:"redis"`
	Log      LogConfig        `yaml:"log"`
	Frontend FrontendConfig   `yaml:"frontend"`
	Worker   WorkerConfig     `yaml:"worker"`
	Queue    backplane.Config `yaml:"queue"`
}

// RedisConfig locates the backplane store
type RedisConfig struct {
	URL string `yaml:"url"`
}

// LogConfig mirrors pkg/log options
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// FrontendConfig holds the shard role settings
type FrontendConfig struct {
	// Listen is the gRPC address, host:port
	Listen string `yaml:"listen"`
	// MetricsListen serves /metrics; empty disables it
	MetricsListen string          `yaml:"metrics_listen"`
	Instance      instance.Config `yaml:"instance"`
}

// WorkerConfig holds the worker role settings
type WorkerConfig struct {
	// Listen is the gRPC address serving the worker's CAS
	Listen string `yaml:"listen"`
	// PublicName is how other nodes reach this worker; defaults to Listen
	PublicName string `yaml:"public_name"`
	// MetricsListen serves /metrics; empty disables it
	MetricsListen string `yaml:"metrics_listen"`
	// Root holds the CAS cache and exec directories
	Root string `yaml:"root"`
	// MaxCacheSize bounds the CAS cache, humanized ("10GB") or bytes
	MaxCacheSize string `yaml:"max_cache_size"`
	// LinkInputDirectories symlinks cached directory trees into exec dirs
	LinkInputDirectories bool `yaml:"link_input_directories"`
	// AnnounceInterval paces worker set re-registration
	AnnounceInterval time.Duration   `yaml:"announce_interval"`
	Pipeline         pipeline.Config `yaml:"pipeline"`
}

// Load reads and validates a config file
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Redis.URL == "" {
		cfg.Redis.URL = "redis://127.0.0.1:6379/0"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Frontend.Listen == "" {
		cfg.Frontend.Listen = ":8980"
	}
	if cfg.Worker.Listen == "" {
		cfg.Worker.Listen = ":8981"
	}
	if cfg.Worker.PublicName == "" {
		cfg.Worker.PublicName = cfg.Worker.Listen
	}
	if cfg.Worker.Root == "" {
		cfg.Worker.Root = "/var/lib/kiln"
	}
	if cfg.Worker.MaxCacheSize == "" {
		cfg.Worker.MaxCacheSize = "10GB"
	}
	if cfg.Worker.AnnounceInterval <= 0 {
		cfg.Worker.AnnounceInterval = 10 * time.Second
	}
	return cfg, nil
}

// MaxCacheSizeBytes parses the humanized cache bound
func (c *WorkerConfig) MaxCacheSizeBytes() (int64, error) {
	n, err := humanize.ParseBytes(c.MaxCacheSize)
	if err != nil {
		return 0, fmt.Errorf("failed to parse max_cache_size %q: %w", c.MaxCacheSize, err)
	}
	return int64(n), nil
}

// LogOptions converts to pkg/log options
func (c *LogConfig) LogOptions() log.Options {
	return log.Options{
		Level: c.Level,
		JSON:  c.JSON,
	}
}
