// Package config defines the global configuration structure for the OmniFM
// entitlement service. Configuration is loaded once at process start and is
// immutable thereafter. It follows 12-Factor App principles by strictly
// separating code from configuration.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Struct defaults (Lowest)
//
// Any missing required value or invalid format causes the application to fail
// immediately on startup.
package config

import (
	"time"

	"omnifm/internal/types"
)

// SecretString is an alias for types.SecretString, the redacted secret type
// used throughout configuration to prevent accidental logging of sensitive
// values.
type SecretString = types.SecretString

// Store backend identifiers for StoreConfig.Backend.
const (
	StoreBackendMemory   = "memory"
	StoreBackendFile     = "file"
	StoreBackendPostgres = "postgres"
)

// Config is the top-level configuration struct for the service. It is
// populated once during process initialization and never modified.
// Sub-components receive only the specific config subsets they require.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"omnifm-licenses"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	// Domain Configurations
	Server    ServerConfig
	Store     StoreConfig
	Database  DatabaseConfig
	Billing   BillingConfig
	Security  SecurityConfig
	Licensing LicensingConfig
	Feature   FeatureConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP server and public URL configuration.
type ServerConfig struct {
	Port string `envconfig:"PORT" default:"8080"`
	// Public site URL for checkout redirects (no trailing slash)
	PublicWebURL   string        `envconfig:"PUBLIC_WEB_URL" validate:"required,url"` // e.g., https://omni.fm
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`
}

// StoreConfig selects the license store backend.
type StoreConfig struct {
	Backend string `envconfig:"STORE_BACKEND" default:"file" validate:"oneof=memory file postgres"`
	// FilePath is the JSON document path for the file backend.
	FilePath string `envconfig:"STORE_FILE_PATH" default:"premium.json"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
// Only consulted when StoreConfig.Backend is "postgres".
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL"`

	// Tuning Parameters
	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// BillingConfig holds Stripe payment integration credentials.
type BillingConfig struct {
	StripeSecretKey     SecretString `envconfig:"STRIPE_SECRET_KEY" validate:"required"`
	StripeWebhookSecret SecretString `envconfig:"STRIPE_WEBHOOK_SECRET"`
	Currency            string       `envconfig:"BILLING_CURRENCY" default:"eur" validate:"len=3"`
}

// SecurityConfig holds admin access and CORS settings. AdminKeyHash is the
// bcrypt hash of the operator key presented on admin routes; the plaintext key
// never appears in configuration.
type SecurityConfig struct {
	AdminKeyHash       SecretString `envconfig:"ADMIN_KEY_HASH" validate:"required"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// LicensingConfig holds license key and pricing knobs.
type LicensingConfig struct {
	KeyPrefix            string `envconfig:"LICENSE_KEY_PREFIX" default:"OMNI" validate:"min=2,max=8"`
	YearlyDiscountMonths int    `envconfig:"YEARLY_DISCOUNT_MONTHS" default:"2" validate:"min=0,max=11"`
}

// FeatureConfig holds emergency kill switches for system capabilities.
type FeatureConfig struct {
	EnableCheckout    bool `envconfig:"FEATURE_ENABLE_CHECKOUT" default:"true"`
	EnableInviteLinks bool `envconfig:"FEATURE_ENABLE_INVITE_LINKS" default:"true"`
}

// BuildInfo holds build-time metadata injected via ldflags.
// These values are NOT populated from environment variables.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values
	// into their target types.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
