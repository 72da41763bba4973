// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Authorization engine settings
	MaxAuthLatencyMs     int64
	RequireMultiSigAbove float64 // TON-equivalent value above which multi-sig is always required
	RateLimitPerMinute   int

	// Custody settings
	DefaultCustodyMode string // "non_custodial", "smart_contract", "mpc"
	MPCThreshold       int
	MPCTotalShares     int

	// Observability
	OTLPEndpoint string

	// Security
	AdminSecret string // Admin API secret
}

// Defaults
const (
	DefaultPort                 = "8080"
	DefaultEnv                  = "development"
	DefaultLogLevel             = "info"
	DefaultMaxAuthLatencyMs     = 5000
	DefaultRequireMultiSigAbove = 10000
	DefaultRateLimitPerMinute   = 10
	DefaultCustodyMode          = "mpc"
	DefaultMPCThreshold         = 2
	DefaultMPCTotalShares       = 3
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:          os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		MaxAuthLatencyMs:     getEnvInt64("MAX_AUTH_LATENCY_MS", DefaultMaxAuthLatencyMs),
		RequireMultiSigAbove: getEnvFloat("REQUIRE_MULTISIG_ABOVE", DefaultRequireMultiSigAbove),
		RateLimitPerMinute:   int(getEnvInt64("RATE_LIMIT_PER_MINUTE", DefaultRateLimitPerMinute)),
		DefaultCustodyMode:   getEnv("DEFAULT_CUSTODY_MODE", DefaultCustodyMode),
		MPCThreshold:         int(getEnvInt64("MPC_THRESHOLD", DefaultMPCThreshold)),
		MPCTotalShares:       int(getEnvInt64("MPC_TOTAL_SHARES", DefaultMPCTotalShares)),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all configuration values are coherent
func (c *Config) Validate() error {
	if c.MaxAuthLatencyMs <= 0 {
		return fmt.Errorf("MAX_AUTH_LATENCY_MS must be positive")
	}
	if c.RequireMultiSigAbove <= 0 {
		return fmt.Errorf("REQUIRE_MULTISIG_ABOVE must be positive")
	}
	switch c.DefaultCustodyMode {
	case "non_custodial", "smart_contract", "mpc":
	default:
		return fmt.Errorf("DEFAULT_CUSTODY_MODE must be one of non_custodial, smart_contract, mpc (got %q)", c.DefaultCustodyMode)
	}
	if c.MPCThreshold < 1 || c.MPCThreshold > c.MPCTotalShares {
		return fmt.Errorf("MPC_THRESHOLD must be between 1 and MPC_TOTAL_SHARES (%d)", c.MPCTotalShares)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}
