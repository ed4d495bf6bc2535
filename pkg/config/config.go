// Package config loads and validates engine configuration from the
// environment. Configuration is passed explicitly to each component; there
// is no ambient singleton.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the umbrella configuration object handed down to every
// component at construction time.
type Config struct {
	// Remote agent platform credentials.
	APIKey     string
	APIBaseURL string

	// Data source selection.
	MockMode       bool
	HybridMode     bool
	ConnectedRepos []string

	// Wave scheduling.
	MaxParallelSessions int
	MaxACUPerSession    int
	PollInterval        time.Duration
	SessionTimeout      time.Duration
	MinSuccessRate      float64
	WaveSize            int
	MaxSessionAttempts  int

	// Client resilience.
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
	MaxRetries              int
	RetryJitterMax          time.Duration

	// Filesystem layout.
	StateFilePath        string
	RunsDir              string
	MemoryDir            string
	PlaybooksDir         string
	ServiceWeightsFile   string
	ServiceOverridesFile string

	// Boundary HTTP surface.
	HTTPPort      string
	APIAuthToken  string
	AllowedOrigin string
}

// Default returns the built-in configuration defaults.
func Default() *Config {
	return &Config{
		APIBaseURL:              "https://api.devin.ai/v1",
		MockMode:                true,
		MaxParallelSessions:     10,
		MaxACUPerSession:        5,
		PollInterval:            20 * time.Second,
		SessionTimeout:          90 * time.Minute,
		MinSuccessRate:          0.7,
		WaveSize:                10,
		MaxSessionAttempts:      2,
		CircuitBreakerThreshold: 5,
		CircuitBreakerCooldown:  30 * time.Second,
		MaxRetries:              3,
		RetryJitterMax:          1 * time.Second,
		StateFilePath:           "./state.json",
		RunsDir:                 "./runs",
		MemoryDir:               "./memory",
		PlaybooksDir:            "./playbooks",
		ServiceOverridesFile:    "./service_overrides.yaml",
		HTTPPort:                "8080",
	}
}

// Load reads configuration from the environment, after loading an optional
// .env file. Missing variables keep their defaults.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}
	cfg := Default()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.APIKey, "WAVEFIX_API_KEY")
	setString(&c.APIBaseURL, "WAVEFIX_API_BASE_URL")
	setBool(&c.MockMode, "MOCK_MODE")
	setBool(&c.HybridMode, "HYBRID_MODE")
	if v := os.Getenv("CONNECTED_REPOS"); v != "" {
		c.ConnectedRepos = splitCSV(v)
	}
	setInt(&c.MaxParallelSessions, "MAX_PARALLEL_SESSIONS")
	setInt(&c.MaxACUPerSession, "MAX_ACU_PER_SESSION")
	setSeconds(&c.PollInterval, "POLL_INTERVAL_SECONDS")
	setMinutes(&c.SessionTimeout, "SESSION_TIMEOUT_MINUTES")
	setFloat(&c.MinSuccessRate, "MIN_SUCCESS_RATE")
	setInt(&c.WaveSize, "WAVE_SIZE")
	setInt(&c.MaxSessionAttempts, "MAX_SESSION_ATTEMPTS")
	setInt(&c.CircuitBreakerThreshold, "CIRCUIT_BREAKER_THRESHOLD")
	setSeconds(&c.CircuitBreakerCooldown, "CIRCUIT_BREAKER_COOLDOWN_SECONDS")
	setInt(&c.MaxRetries, "MAX_RETRIES")
	setFloatSeconds(&c.RetryJitterMax, "RETRY_JITTER_MAX_SECONDS")
	setString(&c.StateFilePath, "STATE_FILE_PATH")
	setString(&c.RunsDir, "RUNS_DIR")
	setString(&c.MemoryDir, "MEMORY_DIR")
	setString(&c.PlaybooksDir, "PLAYBOOKS_DIR")
	setString(&c.ServiceWeightsFile, "SERVICE_WEIGHTS_FILE")
	setString(&c.ServiceOverridesFile, "SERVICE_OVERRIDES_FILE")
	setString(&c.HTTPPort, "HTTP_PORT")
	setString(&c.APIAuthToken, "API_AUTH_TOKEN")
	setString(&c.AllowedOrigin, "ALLOWED_ORIGIN")
}

// Mode returns the run's data source mode string: mock, live or hybrid.
func (c *Config) Mode() string {
	switch {
	case c.HybridMode:
		return "hybrid"
	case c.MockMode:
		return "mock"
	default:
		return "live"
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.MaxParallelSessions < 1 {
		return fmt.Errorf("max_parallel_sessions must be >= 1, got %d", c.MaxParallelSessions)
	}
	if c.WaveSize < 1 {
		return fmt.Errorf("wave_size must be >= 1, got %d", c.WaveSize)
	}
	if c.MinSuccessRate < 0 || c.MinSuccessRate > 1 {
		return fmt.Errorf("min_success_rate must be within [0,1], got %g", c.MinSuccessRate)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.SessionTimeout <= 0 {
		return fmt.Errorf("session_timeout must be positive, got %s", c.SessionTimeout)
	}
	if c.MaxSessionAttempts < 1 {
		return fmt.Errorf("max_session_attempts must be >= 1, got %d", c.MaxSessionAttempts)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("circuit_breaker_threshold must be >= 1, got %d", c.CircuitBreakerThreshold)
	}
	if c.HybridMode && c.MockMode {
		// Hybrid implies live routing for connected repos.
		c.MockMode = false
	}
	return nil
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Second
		}
	}
}

func setMinutes(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = time.Duration(n) * time.Minute
		}
	}
}

func setFloatSeconds(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = time.Duration(f * float64(time.Second))
		}
	}
}
