package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
)

// Config holds all engine configuration.
// Every tuning constant is an environment variable with a default; none of
// the defaults are load-bearing beyond being reasonable starting points.
//
// Environment Variables:
// Loader Configuration:
// - LOADER_BATCH_WINDOW: debounce window for batching preload bursts (default: 50ms)
// - LOADER_MAX_CONCURRENT: global cap on simultaneously active loads (default: 3)
// - LOADER_MAX_RETRIES: retries per load before terminal error (default: 3)
// - LOADER_BACKOFF_BASE: first retry delay, doubled per retry (default: 1s)
// - LOADER_COOLDOWN_THRESHOLD: failures before a key goes on cooldown (default: 5)
// - LOADER_COOLDOWN_WINDOW: cooldown duration from last attempt (default: 5m)
// - LOADER_COMPLETED_TTL: freshness window for completed loads (default: 1h)
// - LOADER_IMAGE_READY_TIMEOUT: readiness timeout for images (default: 10s)
// - LOADER_MEDIA_READY_TIMEOUT: readiness timeout for audio/video (default: 15s)
// - LOADER_JANITOR_CRON: schedule for the expiry sweep (default: @every 1m)
//
// Gateway Configuration:
// - GATEWAY_MIRRORS: comma-separated ordered mirror base URLs
// - GATEWAY_PROBE_TIMEOUT: per-probe timeout (default: 5s)
//
// Transcode Configuration:
// - TRANSCODE_API_URL: base URL of the transcode service (required for video)
// - TRANSCODE_API_KEY: bearer token for the transcode service (optional)
// - TRANSCODE_POLL_INTERVAL: status poll interval (default: 5s)
// - TRANSCODE_POLL_BUDGET: max polls before giving up (default: 60)
// - TRANSCODE_REQUEST_TIMEOUT: per-request timeout (default: 30s)
//
// Video-First Configuration:
// - VIDEOFIRST_DRAIN_BATCH: operations replayed per drain batch (default: 5)
// - VIDEOFIRST_DRAIN_PAUSE: pause between drain batches (default: 1s)
//
// Store Configuration:
// - STORE_DB_PATH: sqlite path for the cache store (empty: memory-only)
//
// System Configuration:
// - LOG_LEVEL: debug, info, warn, error (default: info)

type Config struct {
	Loader     LoaderConfig     `json:"loader"`
	Gateway    GatewayConfig    `json:"gateway"`
	Transcode  TranscodeConfig  `json:"transcode"`
	VideoFirst VideoFirstConfig `json:"video_first"`
	Store      StoreConfig      `json:"store"`
	System     SystemConfig     `json:"system"`
}

// LoaderConfig holds the scheduling and retry policy of the load coordinator.
type LoaderConfig struct {
	BatchWindow       time.Duration `json:"batch_window"`
	MaxConcurrent     int           `json:"max_concurrent"`
	MaxRetries        int           `json:"max_retries"`
	BackoffBase       time.Duration `json:"backoff_base"`
	CooldownThreshold int           `json:"cooldown_threshold"`
	CooldownWindow    time.Duration `json:"cooldown_window"`
	CompletedTTL      time.Duration `json:"completed_ttl"`
	ImageReadyTimeout time.Duration `json:"image_ready_timeout"`
	MediaReadyTimeout time.Duration `json:"media_ready_timeout"`
	JanitorCron       string        `json:"janitor_cron"`
}

// GatewayConfig holds the ordered mirror list and probe policy.
type GatewayConfig struct {
	Mirrors      []string      `json:"mirrors"`
	ProbeTimeout time.Duration `json:"probe_timeout"`
}

// TranscodeConfig holds the remote transcode service settings.
type TranscodeConfig struct {
	APIURL         string        `json:"api_url"`
	APIKey         string        `json:"api_key"`
	PollInterval   time.Duration `json:"poll_interval"`
	PollBudget     int           `json:"poll_budget"`
	RequestTimeout time.Duration `json:"request_timeout"`
}

// VideoFirstConfig holds the background-operation drain policy.
type VideoFirstConfig struct {
	DrainBatch int           `json:"drain_batch"`
	DrainPause time.Duration `json:"drain_pause"`
}

// StoreConfig holds the persistent cache store settings.
type StoreConfig struct {
	DBPath string `json:"db_path"`
}

// SystemConfig holds process-level settings.
type SystemConfig struct {
	LogLevel string `json:"log_level"`
	HTTPAddr string `json:"http_addr"`
}

// DefaultMirrors is the fixed preference ordering used when GATEWAY_MIRRORS
// is unset. Earlier entries win latency ties.
var DefaultMirrors = []string{
	"https://cloudflare-ipfs.com/ipfs/",
	"https://ipfs.io/ipfs/",
	"https://gateway.pinata.cloud/ipfs/",
	"https://dweb.link/ipfs/",
}

// Option is a function type for configuring Config
type Option func(*Config)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, callers can ignore the
// error and use system env or defaults.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// NewFromEnv creates a new Config instance with values from environment
// variables and options.
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		Loader: LoaderConfig{
			BatchWindow:       getEnvDuration("LOADER_BATCH_WINDOW", 50*time.Millisecond),
			MaxConcurrent:     getEnvInt("LOADER_MAX_CONCURRENT", 3),
			MaxRetries:        getEnvInt("LOADER_MAX_RETRIES", 3),
			BackoffBase:       getEnvDuration("LOADER_BACKOFF_BASE", time.Second),
			CooldownThreshold: getEnvInt("LOADER_COOLDOWN_THRESHOLD", 5),
			CooldownWindow:    getEnvDuration("LOADER_COOLDOWN_WINDOW", 5*time.Minute),
			CompletedTTL:      getEnvDuration("LOADER_COMPLETED_TTL", time.Hour),
			ImageReadyTimeout: getEnvDuration("LOADER_IMAGE_READY_TIMEOUT", 10*time.Second),
			MediaReadyTimeout: getEnvDuration("LOADER_MEDIA_READY_TIMEOUT", 15*time.Second),
			JanitorCron:       getEnvString("LOADER_JANITOR_CRON", "@every 1m"),
		},
		Gateway: GatewayConfig{
			Mirrors:      getEnvStrings("GATEWAY_MIRRORS", DefaultMirrors),
			ProbeTimeout: getEnvDuration("GATEWAY_PROBE_TIMEOUT", 5*time.Second),
		},
		Transcode: TranscodeConfig{
			APIURL:         getEnvString("TRANSCODE_API_URL", ""),
			APIKey:         getEnvString("TRANSCODE_API_KEY", ""),
			PollInterval:   getEnvDuration("TRANSCODE_POLL_INTERVAL", 5*time.Second),
			PollBudget:     getEnvInt("TRANSCODE_POLL_BUDGET", 60),
			RequestTimeout: getEnvDuration("TRANSCODE_REQUEST_TIMEOUT", 30*time.Second),
		},
		VideoFirst: VideoFirstConfig{
			DrainBatch: getEnvInt("VIDEOFIRST_DRAIN_BATCH", 5),
			DrainPause: getEnvDuration("VIDEOFIRST_DRAIN_PAUSE", time.Second),
		},
		Store: StoreConfig{
			DBPath: getEnvString("STORE_DB_PATH", ""),
		},
		System: SystemConfig{
			LogLevel: getEnvString("LOG_LEVEL", "info"),
			HTTPAddr: getEnvString("SYSTEM_HTTP_ADDR", "127.0.0.1:8640"),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if len(c.Gateway.Mirrors) == 0 {
		return fmt.Errorf("GATEWAY_MIRRORS must list at least one mirror")
	}
	if c.Loader.MaxConcurrent <= 0 {
		return fmt.Errorf("LOADER_MAX_CONCURRENT must be positive")
	}
	if c.Loader.JanitorCron != "" {
		if _, err := cron.ParseStandard(c.Loader.JanitorCron); err != nil {
			return fmt.Errorf("invalid LOADER_JANITOR_CRON: %w", err)
		}
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvDuration gets a duration value ("50ms", "5s", "1h") from environment
// variables with default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvStrings gets a comma-separated list from environment variables with
// default; empty items are dropped.
func getEnvStrings(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	ret := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			ret = append(ret, s)
		}
	}
	if len(ret) == 0 {
		return defaultValue
	}
	return ret
}
