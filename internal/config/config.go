// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisAddr   string // Redis address for the shared pending-session cache (optional)

	// Settlement network
	RPCURL            string
	ChainID           int64
	FacilitatorKey    string // facilitator wallet private key, hex, 0x optional
	USDCContract      string
	DisburserContract string

	// Custody
	MasterKey string // 32-byte hex key sealing delegate keys

	// Payment settings
	FeeSplitBps  int64  // platform cut in basis points
	FeeRecipient string // wallet collecting the fee split
	MaxPayment   string // per-purchase ceiling accepted by the gate

	// Session settings
	SessionTTL string // default session lifetime, e.g. "24h" or "7d"

	// Security
	RateLimitRPS int
	AdminSecret  string // admin API secret
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532                                        // Base Sepolia
	DefaultUSDCContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultFeeSplitBps  = 235 // 2.35%
	DefaultRateLimit    = 100
	DefaultSessionTTL   = "24h"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisAddr:         os.Getenv("REDIS_ADDR"),   // Optional, uses in-memory if not set
		RPCURL:            getEnv("RPC_URL", DefaultRPCURL),
		ChainID:           getEnvInt64("CHAIN_ID", DefaultChainID),
		FacilitatorKey:    os.Getenv("FACILITATOR_KEY"), // Required, no default
		USDCContract:      getEnv("USDC_CONTRACT", DefaultUSDCContract),
		DisburserContract: os.Getenv("DISBURSER_CONTRACT"), // Required, no default
		MasterKey:         os.Getenv("MASTER_KEY"),         // Required, no default
		FeeSplitBps:       getEnvInt64("FEE_SPLIT_BPS", DefaultFeeSplitBps),
		FeeRecipient:      os.Getenv("FEE_RECIPIENT"), // Required, no default
		MaxPayment:        getEnv("MAX_PAYMENT", "1000"),
		SessionTTL:        getEnv("SESSION_TTL", DefaultSessionTTL),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FacilitatorKey == "" {
		return fmt.Errorf("FACILITATOR_KEY is required")
	}
	if len(stripHexPrefix(c.FacilitatorKey)) != 64 {
		return fmt.Errorf("FACILITATOR_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.MasterKey == "" {
		return fmt.Errorf("MASTER_KEY is required")
	}
	raw, err := hex.DecodeString(stripHexPrefix(c.MasterKey))
	if err != nil || len(raw) != 32 {
		return fmt.Errorf("MASTER_KEY must be 32 bytes of hex (64 characters)")
	}

	if c.DisburserContract == "" {
		return fmt.Errorf("DISBURSER_CONTRACT is required")
	}
	if c.FeeRecipient == "" {
		return fmt.Errorf("FEE_RECIPIENT is required")
	}
	if c.FeeSplitBps < 0 || c.FeeSplitBps > 10000 {
		return fmt.Errorf("FEE_SPLIT_BPS must be between 0 and 10000")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	return nil
}

// MasterKeyBytes returns the decoded custody master key.
func (c *Config) MasterKeyBytes() []byte {
	raw, _ := hex.DecodeString(stripHexPrefix(c.MasterKey))
	return raw
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

func stripHexPrefix(s string) string {
	return strings.TrimPrefix(s, "0x")
}

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
