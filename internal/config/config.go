// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir   string // Base directory for all databases, always absolute
	Port      int
	LogLevel  string
	LogPretty bool
	DevMode   bool

	// Broker (Tradier-compatible API)
	BrokerBaseURL   string
	BrokerStreamURL string // websocket push stream, empty disables the stream
	BrokerAPIToken  string
	BrokerAccounts  []string // accounts reconciled by the poll loop

	// Webhook ingress
	WebhookSecret string // HMAC-SHA256 key for broker webhook signatures

	// Feed gateway
	FeedGatewayURL string // empty disables outbox delivery

	// Reconciler tuning
	PollIntervalOpen     time.Duration // poll cadence during market hours
	PollIntervalClosed   time.Duration // poll cadence outside market hours
	PendingOrderMaxAge   time.Duration // pending orders older than this become unknown
	DispatchRetention    time.Duration // CopyDispatchRecord retention window
	BrokerRequestTimeout time.Duration
	BrokerMaxRetries     int

	// S3-compatible backup (optional, disabled unless all fields set)
	BackupEndpoint      string
	BackupAccessKey     string
	BackupSecretKey     string
	BackupBucket        string
	BackupRegion        string
	BackupRetentionDays int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("OPTIONFLOW_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:   absDataDir,
		Port:      getEnvAsInt("PORT", 8001),
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogPretty: getEnvAsBool("LOG_PRETTY", false),
		DevMode:   getEnvAsBool("DEV_MODE", false),

		BrokerBaseURL:   getEnv("BROKER_BASE_URL", "https://sandbox.tradier.com"),
		BrokerStreamURL: getEnv("BROKER_STREAM_URL", ""),
		BrokerAPIToken:  getEnv("BROKER_API_TOKEN", ""),
		BrokerAccounts:  splitList(getEnv("BROKER_ACCOUNTS", "")),

		WebhookSecret: getEnv("WEBHOOK_SECRET", ""),

		FeedGatewayURL: getEnv("FEED_GATEWAY_URL", ""),

		PollIntervalOpen:     getEnvAsDuration("POLL_INTERVAL_OPEN", time.Minute),
		PollIntervalClosed:   getEnvAsDuration("POLL_INTERVAL_CLOSED", 10*time.Minute),
		PendingOrderMaxAge:   getEnvAsDuration("PENDING_ORDER_MAX_AGE", 24*time.Hour),
		DispatchRetention:    getEnvAsDuration("COPY_DISPATCH_RETENTION", 24*time.Hour),
		BrokerRequestTimeout: getEnvAsDuration("BROKER_REQUEST_TIMEOUT", 30*time.Second),
		BrokerMaxRetries:     getEnvAsInt("BROKER_MAX_RETRIES", 5),

		BackupEndpoint:      getEnv("BACKUP_S3_ENDPOINT", ""),
		BackupAccessKey:     getEnv("BACKUP_S3_ACCESS_KEY", ""),
		BackupSecretKey:     getEnv("BACKUP_S3_SECRET_KEY", ""),
		BackupBucket:        getEnv("BACKUP_S3_BUCKET", ""),
		BackupRegion:        getEnv("BACKUP_S3_REGION", "auto"),
		BackupRetentionDays: getEnvAsInt("BACKUP_RETENTION_DAYS", 30),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// BackupEnabled reports whether S3 backup credentials are fully configured.
func (c *Config) BackupEnabled() bool {
	return c.BackupEndpoint != "" && c.BackupAccessKey != "" &&
		c.BackupSecretKey != "" && c.BackupBucket != ""
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}
	if c.PollIntervalOpen <= 0 || c.PollIntervalClosed <= 0 {
		return fmt.Errorf("poll intervals must be positive")
	}
	// Broker credentials optional: without them the engine runs webhook-only
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

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}
