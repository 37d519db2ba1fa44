package identity

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable read by LoadConfigFromEnv
const EnvPrefix = "OAUTH_IDENTITY_"

// Storage drivers accepted by StorageConfig.Driver
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

// Config holds the identity manager configuration
// Structured using composition for better organization and maintainability
type Config struct {
	// Provider credentials. A provider is registered when its ClientID is set.
	Google    ProviderConfig `envPrefix:"GOOGLE_"`
	GitHub    ProviderConfig `envPrefix:"GITHUB_"`
	Microsoft ProviderConfig `envPrefix:"MICROSOFT_"`

	// Token encryption keys
	Encryption EncryptionConfig `envPrefix:"ENCRYPTION_"`

	// Where users, accounts and pending states are stored
	Storage StorageConfig `envPrefix:"STORAGE_"`

	// Optional shared Valkey for pending states and refresh locks
	Valkey ValkeyConfig `envPrefix:"VALKEY_"`

	// Lifecycle timing and limits
	Lifecycle LifecycleConfig

	// OpenTelemetry settings
	Instrumentation InstrumentationConfig `envPrefix:"OTEL_"`

	// EnableAuditLogging enables security audit logging.
	// Identities in audit records are hashed.
	EnableAuditLogging bool `env:"AUDIT_LOGGING" envDefault:"true"`

	// Logger for structured logging (optional, uses default if not provided)
	Logger *slog.Logger

	// HTTPClient is used for every provider request (optional)
	HTTPClient *http.Client
}

// ProviderConfig holds one provider's OAuth client registration
type ProviderConfig struct {
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`

	// RedirectURL is where the provider redirects after authentication.
	RedirectURL string `env:"REDIRECT_URL"`

	// Scopes override the provider's default scopes.
	Scopes []string `env:"SCOPES" envSeparator:","`

	// TenantID selects the Microsoft directory (default: "common").
	TenantID string `env:"TENANT_ID"`
}

// Enabled reports whether the provider is configured
func (p ProviderConfig) Enabled() bool {
	return p.ClientID != ""
}

// EncryptionConfig holds the token vault keys
type EncryptionConfig struct {
	// Key is the base64-encoded 32-byte AES-256 key (required).
	Key string `env:"KEY"`

	// PreviousKeys still decrypt tokens written before a key rotation.
	PreviousKeys []string `env:"PREVIOUS_KEYS" envSeparator:","`

	// AllowEphemeralKey generates a random key when Key is empty.
	// WARNING: Stored tokens become unreadable after a restart.
	AllowEphemeralKey bool `env:"ALLOW_EPHEMERAL_KEY"`
}

// StorageConfig selects the identity store
type StorageConfig struct {
	// Driver is one of memory, sqlite, mysql or postgres.
	// Default: memory
	Driver string `env:"DRIVER" envDefault:"memory"`

	// DSN is the database connection string (required unless Driver is memory).
	DSN string `env:"DSN"`

	// AutoMigrate creates or updates the schema on startup.
	// Default: true
	AutoMigrate bool `env:"AUTO_MIGRATE" envDefault:"true"`
}

// ValkeyConfig holds the optional Valkey connection
type ValkeyConfig struct {
	// Address enables Valkey when set, e.g., "localhost:6379".
	Address string `env:"ADDRESS"`

	Password string `env:"PASSWORD"`
	DB       int    `env:"DB"`

	// KeyPrefix namespaces every key (default "oauth-identity:").
	KeyPrefix string `env:"KEY_PREFIX"`
}

// LifecycleConfig holds login, refresh, revocation and sweep settings
type LifecycleConfig struct {
	// StateTTL is how long an authorization state stays valid.
	// Default: 10 minutes
	StateTTL time.Duration `env:"STATE_TTL"`

	// ProviderTimeout bounds each outbound provider call.
	// Default: 10 seconds
	ProviderTimeout time.Duration `env:"PROVIDER_TIMEOUT"`

	// RevokeTimeout bounds each revocation attempt.
	// Default: 3 seconds
	RevokeTimeout time.Duration `env:"REVOKE_TIMEOUT"`

	// RevokeMaxRetries is the number of retries after a failed revocation.
	RevokeMaxRetries int `env:"REVOKE_MAX_RETRIES"`

	// RefreshSkew refreshes tokens this long before they expire.
	RefreshSkew time.Duration `env:"REFRESH_SKEW"`

	// SweepInterval is the period of the background expiry sweep.
	// Default: 1 hour
	SweepInterval time.Duration `env:"SWEEP_INTERVAL"`

	// LoginRateLimit is the number of logins allowed per session per minute.
	// Default: 10. Negative disables the limiter.
	LoginRateLimit int `env:"LOGIN_RATE_LIMIT"`

	// LoginRateBurst is the burst size of the login limiter.
	// Default: 5
	LoginRateBurst int `env:"LOGIN_RATE_BURST"`

	// DefaultRedirectURI is used when callers pass no redirect URI.
	DefaultRedirectURI string `env:"DEFAULT_REDIRECT_URI"`
}

// InstrumentationConfig holds OpenTelemetry settings
type InstrumentationConfig struct {
	// Enabled turns on tracing and metrics. When false no-op providers are used.
	Enabled bool `env:"ENABLED"`

	ServiceName    string `env:"SERVICE_NAME" envDefault:"oauth-identity"`
	ServiceVersion string `env:"SERVICE_VERSION"`
}

// LoadConfigFromEnv reads a Config from OAUTH_IDENTITY_* environment variables,
// e.g., OAUTH_IDENTITY_GOOGLE_CLIENT_ID or OAUTH_IDENTITY_STORAGE_DSN.
func LoadConfigFromEnv() (*Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return &cfg, nil
}

// applyDefaults fills unset fields. The orchestrator applies its own
// lifecycle defaults; only settings owned by this package are set here.
func applyDefaults(cfg *Config) *Config {
	c := *cfg
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = DriverMemory
	}
	if c.Lifecycle.ProviderTimeout <= 0 {
		c.Lifecycle.ProviderTimeout = 10 * time.Second
	}
	if c.Instrumentation.ServiceName == "" {
		c.Instrumentation.ServiceName = "oauth-identity"
	}
	return &c
}

// validate reports configuration errors that would fail at first use
func (c *Config) validate() error {
	if !c.Google.Enabled() && !c.GitHub.Enabled() && !c.Microsoft.Enabled() {
		return fmt.Errorf("at least one provider must be configured")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite, DriverMySQL, DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage DSN is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	return nil
}

// logConfigWarnings logs warnings for insecure or unusual settings
func logConfigWarnings(c *Config) {
	if c.Storage.Driver == DriverMemory {
		c.Logger.Warn("Using in-memory identity storage",
			"risk", "Users and linked accounts are lost on restart")
	}
	if c.Storage.Driver != DriverMemory && c.Valkey.Address == "" {
		c.Logger.Info("No Valkey configured, refresh locks are process-local")
	}
	if !c.EnableAuditLogging {
		c.Logger.Warn("Security audit logging is DISABLED")
	}
}
