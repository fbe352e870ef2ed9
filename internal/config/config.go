package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration, per spec.md §6.5's environment surface.
type Config struct {
	// Server
	Port    int
	DevMode bool

	// Database
	DatabasePath string

	// External collaborators (consumed as interfaces; see internal/clients)
	BrokerBaseURL    string
	MarketdataBaseURL string
	MarketdataAPIKey string
	EvaluatorURL     string

	// Credential vault (C1)
	EncryptionSecret     string
	BrokerEncryptionKey  string
	ScryptSalt           string

	// Logging
	LogLevel string

	// TradingMode selects C9's mode: simulate, execute-paper, execute-live.
	TradingMode string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnvAsInt("GO_PORT", 8001),
		DevMode:           getEnvAsBool("DEV_MODE", false),
		DatabasePath:      getEnv("DATABASE_PATH", "./data/trading.db"),
		BrokerBaseURL:     getEnv("BROKER_BASE_URL", "http://localhost:8100"),
		MarketdataBaseURL: getEnv("MARKETDATA_BASE_URL", "https://api.marketdata.example/v1"),
		MarketdataAPIKey:  getEnv("MARKETDATA_API_KEY", ""),
		EvaluatorURL:      getEnv("EVALUATOR_URL", "http://localhost:8200"),
		EncryptionSecret:  getEnv("ENCRYPTION_SECRET", ""),
		BrokerEncryptionKey: getEnv("BROKER_ENCRYPTION_KEY", ""),
		ScryptSalt:        getEnv("SCRYPT_SALT", "daily-rebalancer-v1"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		TradingMode:       getEnv("TRADING_MODE", "simulate"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH is required")
	}

	// Note: the vault key is optional at boot. Without it main builds no
	// vault, and every per-user credential decrypt fails with "credential
	// vault not configured", in simulate mode as well as execute mode.
	return nil
}

// VaultSecret picks whichever of ENCRYPTION_SECRET / BROKER_ENCRYPTION_KEY
// is set, preferring ENCRYPTION_SECRET (spec.md §6.5 lists both as aliases).
func (c *Config) VaultSecret() string {
	if c.EncryptionSecret != "" {
		return c.EncryptionSecret
	}
	return c.BrokerEncryptionKey
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
