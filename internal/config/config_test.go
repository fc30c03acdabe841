package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("default port = %d, want 8080", cfg.Port)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("default cache ttl = %v", cfg.CacheTTL)
	}
	if cfg.RateChatLimit != 10 {
		t.Errorf("default chat limit = %d", cfg.RateChatLimit)
	}
	if !cfg.EnableCache || !cfg.EnableRateLimit || !cfg.EnableCostTracking {
		t.Error("feature toggles default on")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HB_PORT", "9090")
	t.Setenv("HB_CACHE_TTL", "90s")
	t.Setenv("HB_ENABLE_CACHE", "false")
	t.Setenv("HB_LLM_MODEL", "claude-haiku-4-5")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Port)
	}
	if cfg.CacheTTL != 90*time.Second {
		t.Errorf("cache ttl = %v, want 90s", cfg.CacheTTL)
	}
	if cfg.EnableCache {
		t.Error("HB_ENABLE_CACHE=false not applied")
	}
	if cfg.LLMModel != "claude-haiku-4-5" {
		t.Errorf("model = %q", cfg.LLMModel)
	}
}

func TestLoadMalformedValue(t *testing.T) {
	t.Setenv("HB_PORT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Error("malformed int must be an error")
	}
}

func TestValidateRequiresKeys(t *testing.T) {
	cfg := &Config{Port: 8080, RetryMaxAttempts: 3}
	if err := cfg.Validate(); err == nil {
		t.Error("missing CRM key must fail validation")
	}

	cfg.CRMAPIKey = "crm-key"
	if err := cfg.Validate(); err == nil {
		t.Error("missing LLM key must fail validation")
	}

	cfg.LLMAPIKey = "llm-key"
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateExclusiveDurableTiers(t *testing.T) {
	cfg := &Config{
		Port: 8080, RetryMaxAttempts: 3,
		CRMAPIKey: "a", LLMAPIKey: "b",
		RedisAddr: "localhost:6379", CacheDB: "/tmp/cache.db",
	}
	if err := cfg.Validate(); err == nil {
		t.Error("both durable tiers at once must fail validation")
	}
}
