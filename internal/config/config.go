// Package config loads the orchestrator configuration from environment
// variables, optionally seeded from a .env file in the working directory.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// LLMConfig configures the chat-completion provider used by the analyst
// and decision nodes.
type LLMConfig struct {
	Provider    string
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
}

// VenueConfig holds one venue credential pair. Mock switches the broker
// gateway into its paper-trading profile.
type VenueConfig struct {
	AppKey    string
	SecretKey string
	Account   string
	Mock      bool
	BaseURL   string
}

// RateLimitConfig sets the per-class token bucket rates (requests/second).
type RateLimitConfig struct {
	QueryPerSec float64
	OrderPerSec float64
}

// CacheConfig configures the tiered cache. RedisAddr empty disables L2.
type CacheConfig struct {
	MemoryMax int
	RedisAddr string
	RedisDB   int
}

// RetryConfig is the shared transient-failure retry policy.
type RetryConfig struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
}

// Config is the full application configuration.
type Config struct {
	DataDir  string
	Port     int
	LogLevel string
	DevMode  bool

	MaxConcurrentAnalyses int
	CompletedSessionTTL   time.Duration
	SlotAcquireTimeout    time.Duration
	RejectReanalyzes      bool
	MaxReanalyses         int
	InterruptBefore       []string
	OrderPollTimeout      time.Duration

	LLM        LLMConfig
	Venue      VenueConfig
	RateLimits RateLimitConfig
	Cache      CacheConfig
	Retry      RetryConfig

	RealtimeURL   string
	HolidaySrcURL string

	MaxPositionPct float64
	LookbackDays   int
}

// Load reads configuration from the environment. A missing .env file is not
// an error.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		DataDir:  getEnv("HELMSMAN_DATA_DIR", "./data"),
		Port:     getEnvAsInt("HELMSMAN_PORT", 8010),
		LogLevel: getEnv("HELMSMAN_LOG_LEVEL", "info"),
		DevMode:  getEnvAsBool("HELMSMAN_DEV_MODE", false),

		MaxConcurrentAnalyses: getEnvAsInt("HELMSMAN_MAX_CONCURRENT_ANALYSES", 3),
		CompletedSessionTTL:   getEnvAsDuration("HELMSMAN_COMPLETED_SESSION_TTL", 24*time.Hour),
		SlotAcquireTimeout:    getEnvAsDuration("HELMSMAN_SLOT_ACQUIRE_TIMEOUT", 30*time.Second),
		RejectReanalyzes:      getEnvAsBool("HELMSMAN_REJECT_REANALYZES", true),
		MaxReanalyses:         getEnvAsInt("HELMSMAN_MAX_REANALYSES", 2),
		InterruptBefore:       getEnvAsList("HELMSMAN_INTERRUPT_BEFORE", []string{"approval"}),
		OrderPollTimeout:      getEnvAsDuration("HELMSMAN_ORDER_POLL_TIMEOUT", 30*time.Second),

		LLM: LLMConfig{
			Provider:    getEnv("HELMSMAN_LLM_PROVIDER", "openai"),
			BaseURL:     getEnv("HELMSMAN_LLM_BASE_URL", "https://api.openai.com/v1"),
			APIKey:      getEnv("HELMSMAN_LLM_API_KEY", ""),
			Model:       getEnv("HELMSMAN_LLM_MODEL", "gpt-4o-mini"),
			Temperature: getEnvAsFloat("HELMSMAN_LLM_TEMPERATURE", 0.2),
			MaxTokens:   getEnvAsInt("HELMSMAN_LLM_MAX_TOKENS", 2048),
			Timeout:     getEnvAsDuration("HELMSMAN_LLM_TIMEOUT", 60*time.Second),
		},
		Venue: VenueConfig{
			AppKey:    getEnv("HELMSMAN_VENUE_APP_KEY", ""),
			SecretKey: getEnv("HELMSMAN_VENUE_SECRET_KEY", ""),
			Account:   getEnv("HELMSMAN_VENUE_ACCOUNT", ""),
			Mock:      getEnvAsBool("HELMSMAN_VENUE_MOCK", true),
			BaseURL:   getEnv("HELMSMAN_VENUE_BASE_URL", ""),
		},
		RateLimits: RateLimitConfig{
			QueryPerSec: getEnvAsFloat("HELMSMAN_RATE_QUERY_PER_SEC", 10),
			OrderPerSec: getEnvAsFloat("HELMSMAN_RATE_ORDER_PER_SEC", 5),
		},
		Cache: CacheConfig{
			MemoryMax: getEnvAsInt("HELMSMAN_CACHE_MEMORY_MAX", 2000),
			RedisAddr: getEnv("HELMSMAN_CACHE_REDIS_ADDR", ""),
			RedisDB:   getEnvAsInt("HELMSMAN_CACHE_REDIS_DB", 0),
		},
		Retry: RetryConfig{
			MaxAttempts: getEnvAsInt("HELMSMAN_RETRY_MAX_ATTEMPTS", 3),
			Base:        getEnvAsDuration("HELMSMAN_RETRY_BASE", 2*time.Second),
			Cap:         getEnvAsDuration("HELMSMAN_RETRY_CAP", 10*time.Second),
		},

		RealtimeURL:   getEnv("HELMSMAN_REALTIME_URL", ""),
		HolidaySrcURL: getEnv("HELMSMAN_HOLIDAY_SRC_URL", ""),

		MaxPositionPct: getEnvAsFloat("HELMSMAN_MAX_POSITION_PCT", 0.10),
		LookbackDays:   getEnvAsInt("HELMSMAN_LOOKBACK_DAYS", 90),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot start with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.MaxConcurrentAnalyses < 1 {
		return fmt.Errorf("max concurrent analyses must be at least 1")
	}
	if c.MaxReanalyses < 1 {
		return fmt.Errorf("max reanalyses must be at least 1")
	}
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry max attempts must be at least 1")
	}
	if c.Retry.Base <= 0 || c.Retry.Cap < c.Retry.Base {
		return fmt.Errorf("retry backoff base/cap misconfigured")
	}
	if c.MaxPositionPct <= 0 || c.MaxPositionPct > 1 {
		return fmt.Errorf("max position pct must be in (0, 1]")
	}
	if c.LookbackDays < 1 {
		return fmt.Errorf("lookback days must be at least 1")
	}
	return nil
}

// DatabasePath returns the path of the embedded database file.
func (c *Config) DatabasePath() string {
	return c.DataDir + "/helmsman.db"
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func getEnvAsList(key string, fallback []string) []string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}
