package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFromEnv_Defaults(t *testing.T) {
	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 50*time.Millisecond, cfg.Loader.BatchWindow)
	assert.Equal(t, 3, cfg.Loader.MaxConcurrent)
	assert.Equal(t, 3, cfg.Loader.MaxRetries)
	assert.Equal(t, time.Second, cfg.Loader.BackoffBase)
	assert.Equal(t, 5, cfg.Loader.CooldownThreshold)
	assert.Equal(t, 5*time.Minute, cfg.Loader.CooldownWindow)
	assert.Equal(t, time.Hour, cfg.Loader.CompletedTTL)
	assert.Equal(t, DefaultMirrors, cfg.Gateway.Mirrors)
	assert.Equal(t, 5*time.Second, cfg.Transcode.PollInterval)
	assert.Equal(t, 5, cfg.VideoFirst.DrainBatch)
	assert.Equal(t, time.Second, cfg.VideoFirst.DrainPause)
}

func TestNewFromEnv_Overrides(t *testing.T) {
	t.Setenv("LOADER_MAX_CONCURRENT", "7")
	t.Setenv("LOADER_BACKOFF_BASE", "20ms")
	t.Setenv("GATEWAY_MIRRORS", "https://a.example/ipfs/, https://b.example/ipfs/")
	t.Setenv("TRANSCODE_POLL_BUDGET", "9")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 7, cfg.Loader.MaxConcurrent)
	assert.Equal(t, 20*time.Millisecond, cfg.Loader.BackoffBase)
	assert.Equal(t, []string{"https://a.example/ipfs/", "https://b.example/ipfs/"}, cfg.Gateway.Mirrors)
	assert.Equal(t, 9, cfg.Transcode.PollBudget)
}

func TestNewFromEnv_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("LOADER_MAX_RETRIES", "not-a-number")
	t.Setenv("LOADER_COMPLETED_TTL", "soon")

	cfg, err := NewFromEnv()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Loader.MaxRetries)
	assert.Equal(t, time.Hour, cfg.Loader.CompletedTTL)
}

func TestNewFromEnv_RejectsBadJanitorCron(t *testing.T) {
	t.Setenv("LOADER_JANITOR_CRON", "every minute please")

	_, err := NewFromEnv()
	require.Error(t, err)
}

func TestNewFromEnv_Options(t *testing.T) {
	cfg, err := NewFromEnv(func(c *Config) {
		c.Loader.MaxConcurrent = 1
		c.Gateway.Mirrors = []string{"https://only.example/ipfs/"}
	})
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Loader.MaxConcurrent)
	assert.Len(t, cfg.Gateway.Mirrors, 1)
}

func TestNewFromEnv_RejectsEmptyMirrors(t *testing.T) {
	_, err := NewFromEnv(func(c *Config) {
		c.Gateway.Mirrors = nil
	})
	require.Error(t, err)
}
