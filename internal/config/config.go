// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is everything the server needs, loaded from HB_* environment
// variables with documented defaults.
type Config struct {
	Port     int
	LogLevel string

	CRMAPIKey    string
	CRMSystemKey string
	CRMBaseURL   string

	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	CacheTTL        time.Duration
	CacheMaxEntries int
	RedisAddr       string
	CacheDB         string

	RetryMaxAttempts  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration

	// Per-context rate limits.
	RateDefaultLimit  int
	RateDefaultWindow time.Duration
	RateWriteLimit    int
	RateWriteWindow   time.Duration
	RateEventsLimit   int
	RateEventsWindow  time.Duration
	RateChatLimit     int
	RateChatWindow    time.Duration

	EnableCache        bool
	EnableRateLimit    bool
	EnableCostTracking bool
}

// Load reads the environment. Unset variables take their defaults; malformed
// values are errors rather than silent fallbacks.
func Load() (*Config, error) {
	var errs []error
	cfg := &Config{
		Port:     envInt("HB_PORT", 8080, &errs),
		LogLevel: envStr("HB_LOG_LEVEL", "info"),

		CRMAPIKey:    envStr("HB_CRM_API_KEY", ""),
		CRMSystemKey: envStr("HB_CRM_SYSTEM_KEY", ""),
		CRMBaseURL:   envStr("HB_CRM_BASE_URL", "https://api.followupboss.com"),

		LLMAPIKey:  envStr("HB_LLM_API_KEY", ""),
		LLMBaseURL: envStr("HB_LLM_BASE_URL", ""),
		LLMModel:   envStr("HB_LLM_MODEL", "claude-sonnet-4-5"),

		CacheTTL:        envDuration("HB_CACHE_TTL", 5*time.Minute, &errs),
		CacheMaxEntries: envInt("HB_CACHE_MAX_ENTRIES", 1000, &errs),
		RedisAddr:       envStr("HB_REDIS_ADDR", ""),
		CacheDB:         envStr("HB_CACHE_DB", ""),

		RetryMaxAttempts:  envInt("HB_RETRY_MAX_ATTEMPTS", 3, &errs),
		RetryInitialDelay: envDuration("HB_RETRY_INITIAL_DELAY", 250*time.Millisecond, &errs),
		RetryMaxDelay:     envDuration("HB_RETRY_MAX_DELAY", 10*time.Second, &errs),

		RateDefaultLimit:  envInt("HB_RATE_DEFAULT_LIMIT", 100, &errs),
		RateDefaultWindow: envDuration("HB_RATE_DEFAULT_WINDOW", time.Minute, &errs),
		RateWriteLimit:    envInt("HB_RATE_WRITE_LIMIT", 25, &errs),
		RateWriteWindow:   envDuration("HB_RATE_WRITE_WINDOW", time.Minute, &errs),
		RateEventsLimit:   envInt("HB_RATE_EVENTS_LIMIT", 250, &errs),
		RateEventsWindow:  envDuration("HB_RATE_EVENTS_WINDOW", time.Minute, &errs),
		RateChatLimit:     envInt("HB_RATE_CHAT_LIMIT", 10, &errs),
		RateChatWindow:    envDuration("HB_RATE_CHAT_WINDOW", time.Minute, &errs),

		EnableCache:        envBool("HB_ENABLE_CACHE", true, &errs),
		EnableRateLimit:    envBool("HB_ENABLE_RATE_LIMIT", true, &errs),
		EnableCostTracking: envBool("HB_ENABLE_COST_TRACKING", true, &errs),
	}
	if len(errs) > 0 {
		return nil, errs[0]
	}
	return cfg, nil
}

// Validate checks the settings a running server needs.
func (c *Config) Validate() error {
	if c.CRMAPIKey == "" {
		return fmt.Errorf("config: HB_CRM_API_KEY is required")
	}
	if c.LLMAPIKey == "" {
		return fmt.Errorf("config: HB_LLM_API_KEY is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: HB_PORT %d out of range", c.Port)
	}
	if c.RedisAddr != "" && c.CacheDB != "" {
		return fmt.Errorf("config: HB_REDIS_ADDR and HB_CACHE_DB are mutually exclusive")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: HB_RETRY_MAX_ATTEMPTS must be at least 1")
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int, errs *[]error) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return n
}

func envDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return d
}

func envBool(key string, def bool, errs *[]error) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("config: %s: %w", key, err))
		return def
	}
	return b
}
