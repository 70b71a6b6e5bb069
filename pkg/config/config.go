// Package config holds application configuration: engine tuning knobs plus
// logging setup, loadable from a YAML file with sane defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/srg/blecon/internal/engine"
)

// TimeoutConfig holds the per-operation timeouts in milliseconds.
type TimeoutConfig struct {
	ConnectMs    int `yaml:"connect_ms" default:"10000"`
	DisconnectMs int `yaml:"disconnect_ms" default:"5000"`
	DiscoverMs   int `yaml:"discover_ms" default:"10000"`
	ReadMs       int `yaml:"read_ms" default:"5000"`
	WriteMs      int `yaml:"write_ms" default:"5000"`
	SubscribeMs  int `yaml:"subscribe_ms" default:"5000"`
	MTUMs        int `yaml:"mtu_ms" default:"5000"`
}

// Config holds application configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	MaxRetryAttempts   int `yaml:"max_retry_attempts" default:"5"`
	BaseBackoffMs      int `yaml:"base_backoff_ms" default:"500"`
	MaxBackoffMs       int `yaml:"max_backoff_ms" default:"30000"`
	MaxBackoffWindowMs int `yaml:"max_backoff_window_ms" default:"300000"`
	QueueDepthLimit    int `yaml:"queue_depth_limit" default:"32"`
	PreferredMTU       int `yaml:"preferred_mtu" default:"517"`
	EventBufferSize    int `yaml:"event_buffer_size" default:"256"`

	Timeouts TimeoutConfig `yaml:"timeouts"`
}

// DefaultConfig returns the configuration with every field at its default.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML configuration file. Missing fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %q: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// EngineOptions maps the configuration onto engine tuning options.
func (c *Config) EngineOptions(logger *logrus.Logger) engine.Options {
	opts := engine.DefaultOptions()
	opts.MaxRetryAttempts = c.MaxRetryAttempts
	opts.BaseBackoff = time.Duration(c.BaseBackoffMs) * time.Millisecond
	opts.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	opts.MaxBackoffWindow = time.Duration(c.MaxBackoffWindowMs) * time.Millisecond
	opts.QueueDepthLimit = c.QueueDepthLimit
	opts.PreferredMTU = c.PreferredMTU
	opts.EventBufferSize = c.EventBufferSize
	opts.Timeouts = engine.Timeouts{
		Connect:    time.Duration(c.Timeouts.ConnectMs) * time.Millisecond,
		Disconnect: time.Duration(c.Timeouts.DisconnectMs) * time.Millisecond,
		Discover:   time.Duration(c.Timeouts.DiscoverMs) * time.Millisecond,
		Read:       time.Duration(c.Timeouts.ReadMs) * time.Millisecond,
		Write:      time.Duration(c.Timeouts.WriteMs) * time.Millisecond,
		Subscribe:  time.Duration(c.Timeouts.SubscribeMs) * time.Millisecond,
		RequestMTU: time.Duration(c.Timeouts.MTUMs) * time.Millisecond,
		RequestPHY: time.Duration(c.Timeouts.MTUMs) * time.Millisecond,
	}
	opts.Logger = logger
	return opts
}
