// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool

	// Aggregation settings
	SessionDeadline time.Duration // Default per-session deadline for a fan-out
	ScanInterval    time.Duration // How often the timeout scanner runs
	FailurePolicy   string        // "exclude" (degrade gracefully) or "fail-fast"
	WorkerCount     int           // Size of the strategy evaluation worker pool

	// Indicator settings
	HistoryLookbackDays int // Daily price rows fetched per indicator computation
}

// Failure policy values for AGGREGATION_FAILURE_POLICY.
const (
	FailurePolicyExclude  = "exclude"
	FailurePolicyFailFast = "fail-fast"
)

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic:
	// 1. Check HELMSMAN_DATA_DIR environment variable
	// 2. If not set, default to ./data
	// 3. Always resolve to absolute path and ensure it exists
	dataDir := getEnv("HELMSMAN_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:             absDataDir,
		Port:                getEnvAsInt("HELMSMAN_PORT", 8010),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DevMode:             getEnvAsBool("DEV_MODE", false),
		SessionDeadline:     time.Duration(getEnvAsInt("AGGREGATION_DEADLINE_SECONDS", 300)) * time.Second,
		ScanInterval:        time.Duration(getEnvAsInt("AGGREGATION_SCAN_SECONDS", 60)) * time.Second,
		FailurePolicy:       getEnv("AGGREGATION_FAILURE_POLICY", FailurePolicyExclude),
		WorkerCount:         getEnvAsInt("EVALUATION_WORKERS", 10),
		HistoryLookbackDays: getEnvAsInt("HISTORY_LOOKBACK_DAYS", 400),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present and coherent
func (c *Config) Validate() error {
	if c.FailurePolicy != FailurePolicyExclude && c.FailurePolicy != FailurePolicyFailFast {
		return fmt.Errorf("invalid AGGREGATION_FAILURE_POLICY %q (want %q or %q)",
			c.FailurePolicy, FailurePolicyExclude, FailurePolicyFailFast)
	}
	if c.SessionDeadline <= 0 {
		return fmt.Errorf("AGGREGATION_DEADLINE_SECONDS must be positive")
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("AGGREGATION_SCAN_SECONDS must be positive")
	}
	if c.WorkerCount <= 0 {
		return fmt.Errorf("EVALUATION_WORKERS must be positive")
	}
	return nil
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
