// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/mbd888/gigescrow/internal/fees"
	"github.com/mbd888/gigescrow/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // optional, uses an in-process guard if not set

	// Payment gateway
	StripeSecretKey     string // empty selects the in-memory gateway (development only)
	StripeWebhookSecret string
	GatewayCurrency     string
	GatewayFeePercent   decimal.Decimal
	GatewayFeeFixed     decimal.Decimal
	GatewayTimeout      time.Duration

	// Escrow
	DefaultCommissionPercent decimal.Decimal
	ConfirmationWindow       time.Duration
	SweepInterval            time.Duration

	// Withdrawals
	WithdrawalReconcileInterval time.Duration
	WithdrawalGrace             time.Duration

	// Wallet drift checks
	WalletReconcileInterval time.Duration
	WalletReconcileRepair   bool

	// Notifications
	NotifyCallbackURL    string
	NotifyCallbackSecret string

	// Security
	AdminSecret    string
	AllowedOrigins []string

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "text"
	DefaultGatewayCurrency = "brl"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                        getEnv("PORT", DefaultPort),
		Env:                         getEnv("ENV", DefaultEnv),
		LogLevel:                    getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                   getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:                 os.Getenv("DATABASE_URL"),
		RedisURL:                    os.Getenv("REDIS_URL"),
		StripeSecretKey:             os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:         os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GatewayCurrency:             strings.ToLower(getEnv("GATEWAY_CURRENCY", DefaultGatewayCurrency)),
		GatewayTimeout:              getEnvDuration("GATEWAY_TIMEOUT", 15*time.Second),
		ConfirmationWindow:          getEnvDuration("CONFIRMATION_WINDOW", 72*time.Hour),
		SweepInterval:               getEnvDuration("SWEEP_INTERVAL", time.Minute),
		WithdrawalReconcileInterval: getEnvDuration("WITHDRAWAL_RECONCILE_INTERVAL", 5*time.Minute),
		WithdrawalGrace:             getEnvDuration("WITHDRAWAL_GRACE", 10*time.Minute),
		WalletReconcileInterval:     getEnvDuration("WALLET_RECONCILE_INTERVAL", 15*time.Minute),
		WalletReconcileRepair:       getEnvBool("WALLET_RECONCILE_REPAIR", false),
		NotifyCallbackURL:           os.Getenv("NOTIFY_CALLBACK_URL"),
		NotifyCallbackSecret:        os.Getenv("NOTIFY_CALLBACK_SECRET"),
		AdminSecret:                 os.Getenv("ADMIN_SECRET"),
		AllowedOrigins:              getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		OTLPEndpoint:                os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	var err error
	if cfg.GatewayFeePercent, err = getEnvDecimal("GATEWAY_FEE_PERCENT", decimal.Zero); err != nil {
		return nil, err
	}
	if cfg.GatewayFeeFixed, err = getEnvDecimal("GATEWAY_FEE_FIXED", decimal.Zero); err != nil {
		return nil, err
	}
	if cfg.DefaultCommissionPercent, err = getEnvDecimal("DEFAULT_COMMISSION_PERCENT", fees.DefaultCommissionPercent); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if err := fees.ValidateCommission(c.DefaultCommissionPercent); err != nil {
		return fmt.Errorf("DEFAULT_COMMISSION_PERCENT: %w", err)
	}
	if c.GatewayFeePercent.IsNegative() || c.GatewayFeeFixed.IsNegative() {
		return fmt.Errorf("GATEWAY_FEE_PERCENT and GATEWAY_FEE_FIXED must not be negative")
	}
	if c.ConfirmationWindow <= 0 {
		return fmt.Errorf("CONFIRMATION_WINDOW must be positive")
	}
	if c.GatewayCurrency == "" {
		return fmt.Errorf("GATEWAY_CURRENCY is required")
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		return fmt.Errorf("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set")
	}
	if c.NotifyCallbackURL != "" {
		if c.NotifyCallbackSecret == "" {
			return fmt.Errorf("NOTIFY_CALLBACK_SECRET is required when NOTIFY_CALLBACK_URL is set")
		}
		if c.IsProduction() {
			if err := security.ValidateEndpointURL(c.NotifyCallbackURL); err != nil {
				return fmt.Errorf("NOTIFY_CALLBACK_URL: %w", err)
			}
		}
	}

	if c.IsProduction() {
		for name, v := range map[string]string{
			"DATABASE_URL":          c.DatabaseURL,
			"STRIPE_SECRET_KEY":     c.StripeSecretKey,
			"STRIPE_WEBHOOK_SECRET": c.StripeWebhookSecret,
			"ADMIN_SECRET":          c.AdminSecret,
		} {
			if v == "" {
				return fmt.Errorf("%s is required in production", name)
			}
		}
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Money settings are rejected rather than defaulted when malformed.
func getEnvDecimal(key string, defaultValue decimal.Decimal) (decimal.Decimal, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s: invalid decimal %q", key, value)
	}
	return d, nil
}
