package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.True(t, cfg.MockMode)
	assert.False(t, cfg.HybridMode)
	assert.Equal(t, 10, cfg.MaxParallelSessions)
	assert.Equal(t, 20*time.Second, cfg.PollInterval)
	assert.Equal(t, 90*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, 0.7, cfg.MinSuccessRate)
	assert.Equal(t, 2, cfg.MaxSessionAttempts)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "8080", cfg.HTTPPort)
	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("WAVEFIX_API_KEY", "test-key")
	t.Setenv("MOCK_MODE", "false")
	t.Setenv("MAX_PARALLEL_SESSIONS", "4")
	t.Setenv("POLL_INTERVAL_SECONDS", "5")
	t.Setenv("SESSION_TIMEOUT_MINUTES", "30")
	t.Setenv("MIN_SUCCESS_RATE", "0.5")
	t.Setenv("WAVE_SIZE", "3")
	t.Setenv("MAX_SESSION_ATTEMPTS", "3")
	t.Setenv("CONNECTED_REPOS", "payment-service, user-service")
	t.Setenv("RETRY_JITTER_MAX_SECONDS", "0.5")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-key", cfg.APIKey)
	assert.False(t, cfg.MockMode)
	assert.Equal(t, 4, cfg.MaxParallelSessions)
	assert.Equal(t, 5*time.Second, cfg.PollInterval)
	assert.Equal(t, 30*time.Minute, cfg.SessionTimeout)
	assert.Equal(t, 0.5, cfg.MinSuccessRate)
	assert.Equal(t, 3, cfg.WaveSize)
	assert.Equal(t, 3, cfg.MaxSessionAttempts)
	assert.Equal(t, []string{"payment-service", "user-service"}, cfg.ConnectedRepos)
	assert.Equal(t, 500*time.Millisecond, cfg.RetryJitterMax)
}

func TestLoad_InvalidEnvValuesKeepDefaults(t *testing.T) {
	t.Setenv("MAX_PARALLEL_SESSIONS", "not-a-number")
	t.Setenv("MOCK_MODE", "maybe")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.MaxParallelSessions)
	assert.True(t, cfg.MockMode)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"zero parallel sessions", func(c *Config) { c.MaxParallelSessions = 0 }, "max_parallel_sessions"},
		{"zero wave size", func(c *Config) { c.WaveSize = 0 }, "wave_size"},
		{"success rate above one", func(c *Config) { c.MinSuccessRate = 1.5 }, "min_success_rate"},
		{"negative poll interval", func(c *Config) { c.PollInterval = -time.Second }, "poll_interval"},
		{"zero session timeout", func(c *Config) { c.SessionTimeout = 0 }, "session_timeout"},
		{"zero session attempts", func(c *Config) { c.MaxSessionAttempts = 0 }, "max_session_attempts"},
		{"negative retries", func(c *Config) { c.MaxRetries = -1 }, "max_retries"},
		{"zero breaker threshold", func(c *Config) { c.CircuitBreakerThreshold = 0 }, "circuit_breaker_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestValidate_HybridDisablesMock(t *testing.T) {
	cfg := Default()
	cfg.HybridMode = true
	cfg.MockMode = true
	require.NoError(t, cfg.Validate())
	assert.False(t, cfg.MockMode)
}

func TestMode(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "mock", cfg.Mode())

	cfg.MockMode = false
	assert.Equal(t, "live", cfg.Mode())

	cfg.HybridMode = true
	assert.Equal(t, "hybrid", cfg.Mode())
}
