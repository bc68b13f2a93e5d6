package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Webhook server
	ListenAddr        string
	WebhookPassphrase string

	// Trading
	MarginAsset string // asset whose available balance funds entries

	// Dispatch
	DispatchWorkers   int
	DispatchQueueSize int

	// Exchange call timeout applied per gateway call
	OrderTimeout time.Duration

	// Database
	DBPath string

	// Logging
	LogLevel string
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Webhook server
	cfg.ListenAddr = getEnv("LISTEN_ADDR", ":8080")
	cfg.WebhookPassphrase = getEnv("WEBHOOK_PASSPHRASE", "")
	if cfg.WebhookPassphrase == "" {
		errs = append(errs, "WEBHOOK_PASSPHRASE must be set")
	}

	// Trading
	cfg.MarginAsset = strings.ToUpper(getEnv("MARGIN_ASSET", "USDT"))

	// Dispatch
	cfg.DispatchWorkers, err = getEnvAsIntRequired("DISPATCH_WORKERS", 4)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DISPATCH_WORKERS: %v", err))
	} else if cfg.DispatchWorkers <= 0 {
		errs = append(errs, "DISPATCH_WORKERS must be positive")
	}

	cfg.DispatchQueueSize, err = getEnvAsIntRequired("DISPATCH_QUEUE_SIZE", 64)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid DISPATCH_QUEUE_SIZE: %v", err))
	} else if cfg.DispatchQueueSize <= 0 {
		errs = append(errs, "DISPATCH_QUEUE_SIZE must be positive")
	}

	// Exchange call timeout
	orderTimeoutSeconds, err := getEnvAsIntRequired("ORDER_TIMEOUT_SECONDS", 15)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ORDER_TIMEOUT_SECONDS: %v", err))
	} else if orderTimeoutSeconds <= 0 {
		errs = append(errs, "ORDER_TIMEOUT_SECONDS must be positive")
	}
	cfg.OrderTimeout = time.Duration(orderTimeoutSeconds) * time.Second

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/lifecycle.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
