package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/giantswarm/oauth-identity/instrumentation"
	"github.com/giantswarm/oauth-identity/providers"
	"github.com/giantswarm/oauth-identity/providers/github"
	"github.com/giantswarm/oauth-identity/providers/google"
	"github.com/giantswarm/oauth-identity/providers/microsoft"
	"github.com/giantswarm/oauth-identity/security"
	"github.com/giantswarm/oauth-identity/server"
	"github.com/giantswarm/oauth-identity/storage"
	"github.com/giantswarm/oauth-identity/storage/gormstore"
	"github.com/giantswarm/oauth-identity/storage/memory"
	"github.com/giantswarm/oauth-identity/storage/valkey"
)

// Manager is the configured identity manager. It embeds the orchestrator,
// so BeginLogin, HandleCallback, RefreshIfNeeded and the lifecycle
// operations are called on it directly.
type Manager struct {
	*server.Server

	// Store holds users, accounts and profiles
	Store storage.IdentityStore

	instrumentation *instrumentation.Instrumentation
	closers         []func() error
	logger          *slog.Logger
}

// New builds a Manager from config. It is the single initialization point:
// it loads the token vault, registers every configured provider, opens the
// storage backends and wires instrumentation and auditing.
//
// Close releases everything New opened.
func New(config *Config) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := applyDefaults(config)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logConfigWarnings(cfg)

	m := &Manager{logger: cfg.Logger}
	ok := false
	defer func() {
		if !ok {
			_ = m.Close()
		}
	}()

	vault, err := security.LoadVault(cfg.Encryption.Key, cfg.Encryption.PreviousKeys, cfg.Encryption.AllowEphemeralKey, cfg.Logger)
	if err != nil {
		return nil, err
	}

	registry, err := newRegistry(cfg)
	if err != nil {
		return nil, err
	}

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName:    cfg.Instrumentation.ServiceName,
		ServiceVersion: cfg.Instrumentation.ServiceVersion,
		Enabled:        cfg.Instrumentation.Enabled,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize instrumentation: %w", err)
	}
	m.instrumentation = inst
	m.closers = append(m.closers, func() error { return inst.Shutdown(context.Background()) })

	store, states, locker, err := m.openStorage(cfg, inst)
	if err != nil {
		return nil, err
	}
	m.Store = store

	srv, err := server.New(registry, store, states, locker, vault, &server.Config{
		StateTTL:           cfg.Lifecycle.StateTTL,
		RevokeTimeout:      cfg.Lifecycle.RevokeTimeout,
		RevokeMaxRetries:   cfg.Lifecycle.RevokeMaxRetries,
		RefreshSkew:        cfg.Lifecycle.RefreshSkew,
		SweepInterval:      cfg.Lifecycle.SweepInterval,
		LoginRateLimit:     cfg.Lifecycle.LoginRateLimit,
		LoginRateBurst:     cfg.Lifecycle.LoginRateBurst,
		DefaultRedirectURI: cfg.Lifecycle.DefaultRedirectURI,
	}, cfg.Logger)
	if err != nil {
		return nil, err
	}
	srv.SetAuditor(security.NewAuditor(cfg.Logger, cfg.EnableAuditLogging))
	srv.SetInstrumentation(inst)
	m.Server = srv

	cfg.Logger.Info("Identity manager initialized",
		"providers", registry.Names(),
		"storage", cfg.Storage.Driver,
		"valkey", cfg.Valkey.Address != "")

	ok = true
	return m, nil
}

// openStorage opens the identity store and picks the state store and locker.
// Valkey, when configured, holds pending states and refresh locks so that
// several processes can share them.
func (m *Manager) openStorage(cfg *Config, inst *instrumentation.Instrumentation) (storage.IdentityStore, storage.StateStore, storage.Locker, error) {
	var (
		store  storage.IdentityStore
		states storage.StateStore
		locker storage.Locker
	)

	switch cfg.Storage.Driver {
	case DriverMemory:
		mem := memory.New()
		mem.SetLogger(cfg.Logger)
		mem.SetInstrumentation(inst)
		m.closers = append(m.closers, func() error { mem.Stop(); return nil })
		store, states, locker = mem, mem, mem
	default:
		db, err := gormstore.Open(cfg.Storage.Driver, cfg.Storage.DSN, cfg.Logger)
		if err != nil {
			return nil, nil, nil, err
		}
		if sqlDB, err := db.DB(); err == nil {
			m.closers = append(m.closers, sqlDB.Close)
		}
		if cfg.Storage.AutoMigrate {
			if err := gormstore.AutoMigrate(db); err != nil {
				return nil, nil, nil, err
			}
		}
		gs := gormstore.New(db)
		gs.SetLogger(cfg.Logger)
		gs.SetInstrumentation(inst)
		store, states = gs, gs

		// Process-local locks until a shared locker is configured below
		mem := memory.New()
		m.closers = append(m.closers, func() error { mem.Stop(); return nil })
		locker = mem
	}

	if cfg.Valkey.Address != "" {
		vs, err := valkey.New(valkey.Config{
			Address:   cfg.Valkey.Address,
			Password:  cfg.Valkey.Password,
			DB:        cfg.Valkey.DB,
			KeyPrefix: cfg.Valkey.KeyPrefix,
			Logger:    cfg.Logger,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		vs.SetInstrumentation(inst)
		m.closers = append(m.closers, func() error { vs.Close(); return nil })
		states, locker = vs, vs
	}

	return store, states, locker, nil
}

// newRegistry registers every provider whose client ID is configured
func newRegistry(cfg *Config) (*providers.Registry, error) {
	var list []providers.Provider

	if c := cfg.Google; c.Enabled() {
		p, err := google.NewProvider(&google.Config{
			ClientID:       c.ClientID,
			ClientSecret:   c.ClientSecret,
			RedirectURL:    c.RedirectURL,
			Scopes:         c.Scopes,
			HTTPClient:     cfg.HTTPClient,
			RequestTimeout: cfg.Lifecycle.ProviderTimeout,
			Logger:         cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("google: %w", err)
		}
		list = append(list, p)
	}

	if c := cfg.GitHub; c.Enabled() {
		p, err := github.NewProvider(&github.Config{
			ClientID:       c.ClientID,
			ClientSecret:   c.ClientSecret,
			RedirectURL:    c.RedirectURL,
			Scopes:         c.Scopes,
			HTTPClient:     cfg.HTTPClient,
			RequestTimeout: cfg.Lifecycle.ProviderTimeout,
			Logger:         cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("github: %w", err)
		}
		list = append(list, p)
	}

	if c := cfg.Microsoft; c.Enabled() {
		p, err := microsoft.NewProvider(&microsoft.Config{
			ClientID:       c.ClientID,
			ClientSecret:   c.ClientSecret,
			RedirectURL:    c.RedirectURL,
			TenantID:       c.TenantID,
			Scopes:         c.Scopes,
			HTTPClient:     cfg.HTTPClient,
			RequestTimeout: cfg.Lifecycle.ProviderTimeout,
			Logger:         cfg.Logger,
		})
		if err != nil {
			return nil, fmt.Errorf("microsoft: %w", err)
		}
		list = append(list, p)
	}

	return providers.NewRegistry(list...)
}

// Instrumentation returns the OpenTelemetry instrumentation in use
func (m *Manager) Instrumentation() *instrumentation.Instrumentation {
	return m.instrumentation
}

// Close stops background work and releases storage connections.
// It is safe to call more than once.
func (m *Manager) Close() error {
	if m.Server != nil {
		m.Server.Shutdown()
	}

	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil

	if err := errors.Join(errs...); err != nil {
		m.logger.Warn("Errors while closing identity manager", "error", err)
		return err
	}
	return nil
}
