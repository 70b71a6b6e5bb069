package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 5, cfg.MaxRetryAttempts)
	assert.Equal(t, 500, cfg.BaseBackoffMs)
	assert.Equal(t, 30000, cfg.MaxBackoffMs)
	assert.Equal(t, 32, cfg.QueueDepthLimit)
	assert.Equal(t, 517, cfg.PreferredMTU)
	assert.Equal(t, 10000, cfg.Timeouts.ConnectMs)
	assert.Equal(t, 5000, cfg.Timeouts.WriteMs)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte("log_level: debug\nmax_retry_attempts: 3\ntimeouts:\n  connect_ms: 20000\n")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.MaxRetryAttempts)
	assert.Equal(t, 20000, cfg.Timeouts.ConnectMs)
	// Unspecified fields keep their defaults
	assert.Equal(t, 517, cfg.PreferredMTU)
	assert.Equal(t, 5000, cfg.Timeouts.ReadMs)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogLevel = "debug"

	logger := cfg.NewLogger()
	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())

	cfg.LogLevel = "not-a-level"
	logger = cfg.NewLogger()
	assert.Equal(t, logrus.InfoLevel, logger.GetLevel(), "invalid level falls back to info")
}

func TestEngineOptions(t *testing.T) {
	cfg := DefaultConfig()
	logger := logrus.New()

	opts := cfg.EngineOptions(logger)
	assert.Equal(t, 5, opts.MaxRetryAttempts)
	assert.Equal(t, 500*time.Millisecond, opts.BaseBackoff)
	assert.Equal(t, 30*time.Second, opts.MaxBackoff)
	assert.Equal(t, 517, opts.PreferredMTU)
	assert.Equal(t, 10*time.Second, opts.Timeouts.Connect)
	assert.Same(t, logger, opts.Logger)
}
