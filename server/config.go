package server

import (
	"log/slog"
	"time"
)

// Config holds orchestrator configuration. Zero values select defaults.
type Config struct {
	// StateTTL is how long an issued authorization state is valid
	// Default: 10 minutes
	StateTTL time.Duration

	// RevokeTimeout bounds each provider revocation attempt
	// Default: 3 seconds
	RevokeTimeout time.Duration

	// RevokeMaxRetries is the number of retries after a failed revocation
	// Default: 0 (a single attempt)
	RevokeMaxRetries int

	// RefreshLockTTL is the lease of the per-account refresh lock
	// Default: 30 seconds
	RefreshLockTTL time.Duration

	// RefreshSkew refreshes tokens this long before they expire
	// Default: 0 (refresh from the expiry instant onward)
	RefreshSkew time.Duration

	// SweepInterval is the period of the background expiry sweep
	// Default: 1 hour
	SweepInterval time.Duration

	// LoginRateLimit is the number of logins allowed per session per minute
	// Default: 10. Negative disables the login limiter.
	LoginRateLimit int

	// LoginRateBurst is the burst size of the login limiter
	// Default: 5
	LoginRateBurst int

	// DefaultRedirectURI is used when a caller passes no redirect URI
	DefaultRedirectURI string
}

// applyDefaults fills unset fields and warns about risky settings
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	c := *config

	if c.StateTTL <= 0 {
		c.StateTTL = 10 * time.Minute
	}
	if c.RevokeTimeout <= 0 {
		c.RevokeTimeout = 3 * time.Second
	}
	if c.RevokeMaxRetries < 0 {
		c.RevokeMaxRetries = 0
	}
	if c.RefreshLockTTL <= 0 {
		c.RefreshLockTTL = 30 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Hour
	}
	if c.LoginRateLimit == 0 {
		c.LoginRateLimit = 10
	}
	if c.LoginRateBurst <= 0 {
		c.LoginRateBurst = 5
	}

	logConfigWarnings(&c, logger)
	return &c
}

// logConfigWarnings logs warnings for insecure or unusual settings
func logConfigWarnings(c *Config, logger *slog.Logger) {
	if c.StateTTL > time.Hour {
		logger.Warn("Long authorization state lifetime",
			"state_ttl", c.StateTTL,
			"risk", "Stolen redirect URLs stay usable for longer",
			"recommendation", "Keep StateTTL at 10 minutes or less")
	}
	if c.LoginRateLimit < 0 {
		logger.Warn("Login rate limiting is DISABLED",
			"risk", "Unbounded state issuance per session")
	}
	if c.RevokeTimeout > 10*time.Second {
		logger.Warn("Long revocation timeout delays disconnects",
			"revoke_timeout", c.RevokeTimeout)
	}
}
