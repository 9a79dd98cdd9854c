package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ConfigurationError is fatal at startup; it is never raised during a run.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Field, e.Reason)
}

// Config holds runtime configuration for the scrape server.
type Config struct {
	Env      string
	HTTPPort string

	AuthToken string

	// Empty DSN selects the in-memory store (local development).
	PostgresDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Scrape orchestration.
	Tickers            []string
	Cadence            time.Duration
	MaxAttempts        int
	RetryDelay         time.Duration
	AttemptTimeout     time.Duration
	FreshnessThreshold time.Duration
	Parallelism        int
	HistoryLimit       int
	InitialScrape      bool

	// Extractor.
	ScrapeBaseURL string
	ScrapeSpacing time.Duration

	// Manual-trigger rate limiting.
	RateLimitCapacity int
	RateLimitRefill   float64

	// Optional session snapshot archival.
	ArchiveS3Bucket    string
	ArchiveS3Region    string
	ArchiveS3Endpoint  string
	ArchiveS3PathStyle bool
}

// Load reads configuration from environment variables with sane defaults for
// local development.
func Load() Config {
	return Config{
		Env:                getEnv("APP_ENV", "dev"),
		HTTPPort:           getEnv("HTTP_PORT", "8080"),
		AuthToken:          getEnv("AUTH_TOKEN", "mysecretapitoken123"),
		PostgresDSN:        getEnv("POSTGRES_DSN", ""),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		Tickers:            getEnvList("TICKERS", []string{"AAPL", "MSFT", "GOOGL", "AMZN", "MELI"}),
		Cadence:            getEnvDuration("SCRAPE_CADENCE", 6*time.Hour),
		MaxAttempts:        getEnvInt("MAX_ATTEMPTS", 3),
		RetryDelay:         getEnvDuration("RETRY_DELAY", 10*time.Second),
		AttemptTimeout:     getEnvDuration("ATTEMPT_TIMEOUT", 90*time.Second),
		FreshnessThreshold: getEnvDuration("FRESHNESS_THRESHOLD", 12*time.Hour),
		Parallelism:        getEnvInt("SCRAPE_PARALLELISM", 1),
		HistoryLimit:       getEnvInt("SESSION_HISTORY_LIMIT", 20),
		InitialScrape:      getEnvBool("INITIAL_SCRAPE", true),
		ScrapeBaseURL:      getEnv("SCRAPE_BASE_URL", "https://stockunlock.com"),
		ScrapeSpacing:      getEnvDuration("SCRAPE_SPACING", 2*time.Second),
		RateLimitCapacity:  getEnvInt("RATE_LIMIT_CAPACITY", 5),
		RateLimitRefill:    getEnvFloat("RATE_LIMIT_REFILL_PER_SEC", 0.1),
		ArchiveS3Bucket:    getEnv("ARCHIVE_S3_BUCKET", ""),
		ArchiveS3Region:    getEnv("ARCHIVE_S3_REGION", "us-east-1"),
		ArchiveS3Endpoint:  getEnv("ARCHIVE_S3_ENDPOINT", ""),
		ArchiveS3PathStyle: getEnvBool("ARCHIVE_S3_PATH_STYLE", false),
	}
}

// Validate normalizes the ticker list (uppercase, deduplicated, order kept)
// and rejects configurations that can never run.
func (c *Config) Validate() error {
	c.Tickers = normalizeTickers(c.Tickers)
	if len(c.Tickers) == 0 {
		return &ConfigurationError{Field: "TICKERS", Reason: "at least one ticker is required"}
	}
	if c.Cadence <= 0 {
		return &ConfigurationError{Field: "SCRAPE_CADENCE", Reason: "must be positive"}
	}
	if c.MaxAttempts < 1 {
		return &ConfigurationError{Field: "MAX_ATTEMPTS", Reason: "must be at least 1"}
	}
	if c.RetryDelay < 0 {
		return &ConfigurationError{Field: "RETRY_DELAY", Reason: "must not be negative"}
	}
	if c.AttemptTimeout <= 0 {
		return &ConfigurationError{Field: "ATTEMPT_TIMEOUT", Reason: "must be positive"}
	}
	if c.FreshnessThreshold <= 0 {
		return &ConfigurationError{Field: "FRESHNESS_THRESHOLD", Reason: "must be positive"}
	}
	if c.Parallelism < 1 {
		c.Parallelism = 1
	}
	if c.HistoryLimit < 1 {
		c.HistoryLimit = 1
	}
	return nil
}

func normalizeTickers(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getEnvList(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
