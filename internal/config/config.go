// Package config handles application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all application configuration.
//
// The escrow-engine knobs (fee rate, expiry windows, grace period) are plain
// values handed to the services at construction time; nothing reads them
// globally after startup, so tests can vary them per run.
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Escrow engine
	FeeRate          decimal.Decimal // platform cut of each sale, e.g. 0.10
	PendingTTL       time.Duration   // how long an unpaid reservation lives
	GraceHours       int             // hours after the event before auto-release
	MinOfferFraction decimal.Decimal // lowest acceptable offer as fraction of list price
	PaymentWindow    time.Duration   // time a buyer has to pay an accepted offer

	// Reconciliation sweep
	SweepInterval time.Duration
	SweepSecret   string // shared secret for the external sweep trigger

	// Payment gateway
	StripeSecretKey     string // empty = fake gateway (dev/demo mode)
	StripeWebhookSecret string

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint, empty = tracing disabled
}

// Defaults.
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultFeeRate       = "0.10"
	DefaultPendingTTL    = 5 * time.Minute
	DefaultGraceHours    = 24
	DefaultMinOffer      = "0.50"
	DefaultPaymentWindow = 5 * time.Minute
	DefaultSweepInterval = time.Minute
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	feeRate, err := decimal.NewFromString(getEnv("FEE_RATE", DefaultFeeRate))
	if err != nil {
		return nil, fmt.Errorf("invalid FEE_RATE: %w", err)
	}
	minOffer, err := decimal.NewFromString(getEnv("MIN_OFFER_FRACTION", DefaultMinOffer))
	if err != nil {
		return nil, fmt.Errorf("invalid MIN_OFFER_FRACTION: %w", err)
	}

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:           getEnv("LOG_FORMAT", "json"),
		DatabaseURL:         os.Getenv("DATABASE_URL"),
		FeeRate:             feeRate,
		PendingTTL:          getEnvDuration("PENDING_TTL", DefaultPendingTTL),
		GraceHours:          int(getEnvInt64("GRACE_HOURS", DefaultGraceHours)),
		MinOfferFraction:    minOffer,
		PaymentWindow:       getEnvDuration("PAYMENT_WINDOW", DefaultPaymentWindow),
		SweepInterval:       getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepSecret:         os.Getenv("SWEEP_SECRET"),
		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	one := decimal.NewFromInt(1)
	if c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("FEE_RATE must be in [0, 1), got %s", c.FeeRate)
	}
	if c.MinOfferFraction.LessThanOrEqual(decimal.Zero) || c.MinOfferFraction.GreaterThan(one) {
		return fmt.Errorf("MIN_OFFER_FRACTION must be in (0, 1], got %s", c.MinOfferFraction)
	}
	if c.GraceHours <= 0 {
		return fmt.Errorf("GRACE_HOURS must be positive, got %d", c.GraceHours)
	}
	if c.PendingTTL <= 0 {
		return fmt.Errorf("PENDING_TTL must be positive, got %s", c.PendingTTL)
	}
	if c.PaymentWindow <= 0 {
		return fmt.Errorf("PAYMENT_WINDOW must be positive, got %s", c.PaymentWindow)
	}
	return nil
}

// GracePeriod returns the auto-release grace window as a duration.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.GraceHours) * time.Hour
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
