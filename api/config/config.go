package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/joho/godotenv"
)

// AppConfig holds the global application configuration
var AppConfig *Config

// Config holds the application configuration
type Config struct {
	DatabaseURL         string
	StripeSecretKey     string
	StripeWebhookSecret string
	// Optional: base URL for running remote HTTP integration tests (e.g., https://api.example.com)
	IntegrationBaseURL string
	// Server ports
	HTTPPort string
	GRPCPort string
	// Lease backend for the reconciliation loop: redis, postgres or memory.
	LockBackend string
	RedisURL    string
	LockTTL     string
	// How often the in-process scheduler fires a reconciliation tick.
	ReconcileInterval string
	// Public site URL used for checkout success/cancel redirects.
	BaseURL           string
	Currency          string
	AlternateCurrency string
	// Forum API used for notifications and group membership.
	ForumAPIURL string
	ForumAPIKey string
	// Shared key for the admin RPC and HTTP surface; empty disables the check.
	AdminAPIKey string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	config := &Config{}

	// Try to load .env file from current directory and parent directories
	currentDir, _ := os.Getwd()
	for currentDir != "/" {
		envPath := filepath.Join(currentDir, ".env")
		if _, err := os.Stat(envPath); err == nil {
			err = godotenv.Load(envPath)
			if err != nil {
				return nil, fmt.Errorf("failed to load .env file: %v", err)
			}
			break
		}
		currentDir = filepath.Dir(currentDir)
	}

	requiredVars := []struct {
		name     string
		envVar   string
		display  string
		required bool
	}{
		{"DatabaseURL", "DATABASE_URL", "Database URL", true},
		{"StripeSecretKey", "STRIPE_SECRET_KEY", "Stripe Secret Key", true},
		{"StripeWebhookSecret", "STRIPE_WEBHOOK_SECRET", "Stripe Webhook Secret", true},
		{"IntegrationBaseURL", "INTEGRATION_BASE_URL", "Integration Base URL", false},
		{"HTTPPort", "PORT", "HTTP Port", false},
		{"GRPCPort", "GRPC_PORT", "gRPC Port", false},
		{"LockBackend", "LOCK_BACKEND", "Lock Backend", false},
		{"RedisURL", "REDIS_URL", "Redis URL", false},
		{"LockTTL", "LOCK_TTL", "Lock TTL", false},
		{"ReconcileInterval", "RECONCILE_INTERVAL", "Reconcile Interval", false},
		{"BaseURL", "BASE_URL", "Base URL", false},
		{"Currency", "CURRENCY", "Currency", false},
		{"AlternateCurrency", "ALTERNATE_CURRENCY", "Alternate Currency", false},
		{"ForumAPIURL", "FORUM_API_URL", "Forum API URL", false},
		{"ForumAPIKey", "FORUM_API_KEY", "Forum API Key", false},
		{"AdminAPIKey", "ADMIN_API_KEY", "Admin API Key", false},
	}

	for _, v := range requiredVars {
		value := os.Getenv(v.envVar)
		if v.required && value == "" {
			return nil, fmt.Errorf("missing required environment variable: %s", v.display)
		}
		configField := reflect.ValueOf(config).Elem().FieldByName(v.name)
		configField.SetString(value)
	}

	applyDefaults(config)

	if config.LockBackend == LockBackendRedis && config.RedisURL == "" {
		return nil, fmt.Errorf("missing required environment variable: Redis URL (LOCK_BACKEND=redis)")
	}
	switch config.LockBackend {
	case LockBackendRedis, LockBackendPostgres, LockBackendMemory:
	default:
		return nil, fmt.Errorf("unsupported lock backend %q", config.LockBackend)
	}
	if _, err := time.ParseDuration(config.LockTTL); err != nil {
		return nil, fmt.Errorf("invalid LOCK_TTL: %w", err)
	}
	if _, err := time.ParseDuration(config.ReconcileInterval); err != nil {
		return nil, fmt.Errorf("invalid RECONCILE_INTERVAL: %w", err)
	}

	return config, nil
}

func applyDefaults(config *Config) {
	if config.HTTPPort == "" {
		config.HTTPPort = "8080"
	}
	if config.GRPCPort == "" {
		config.GRPCPort = "50051"
	}
	if config.LockBackend == "" {
		config.LockBackend = LockBackendPostgres
	}
	if config.LockTTL == "" {
		config.LockTTL = "2m"
	}
	if config.ReconcileInterval == "" {
		config.ReconcileInterval = "1m"
	}
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:" + config.HTTPPort
	}
	if config.Currency == "" {
		config.Currency = "usd"
	}
	if config.AlternateCurrency == "" {
		config.AlternateCurrency = "cny"
	}
}

// LeaseTTL is the parsed LOCK_TTL. LoadConfig has already validated it.
func (c *Config) LeaseTTL() time.Duration {
	d, _ := time.ParseDuration(c.LockTTL)
	return d
}

// TickInterval is the parsed RECONCILE_INTERVAL.
func (c *Config) TickInterval() time.Duration {
	d, _ := time.ParseDuration(c.ReconcileInterval)
	return d
}
