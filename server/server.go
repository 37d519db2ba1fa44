package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-identity/instrumentation"
	"github.com/giantswarm/oauth-identity/linker"
	"github.com/giantswarm/oauth-identity/providers"
	"github.com/giantswarm/oauth-identity/security"
	"github.com/giantswarm/oauth-identity/stateguard"
	"github.com/giantswarm/oauth-identity/storage"
)

// Server orchestrates login callbacks, token refresh, disconnects and
// account lifecycle across the registered providers.
type Server struct {
	registry *providers.Registry
	store    storage.IdentityStore
	locker   storage.Locker
	vault    *security.Vault
	guard    *stateguard.Guard
	linker   *linker.Linker

	Auditor      *security.Auditor
	LoginLimiter *security.LoginLimiter
	Logger       *slog.Logger
	Config       *Config

	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer
	metrics         *instrumentation.Metrics

	hooks Hooks
	now   func() time.Time

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New creates an orchestrator.
//
// store holds users, accounts and profiles; states holds pending
// authorization states; locker serializes account links and refreshes.
// Every token is sealed with vault, and the state hash key is derived from it.
func New(
	registry *providers.Registry,
	store storage.IdentityStore,
	states storage.StateStore,
	locker storage.Locker,
	vault *security.Vault,
	config *Config,
	logger *slog.Logger,
) (*Server, error) {
	if registry == nil {
		return nil, fmt.Errorf("provider registry is required")
	}
	if store == nil {
		return nil, fmt.Errorf("identity store is required")
	}
	if states == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if locker == nil {
		return nil, fmt.Errorf("locker is required")
	}
	if vault == nil {
		return nil, fmt.Errorf("token vault is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	config = applyDefaults(config, logger)

	s := &Server{
		registry: registry,
		store:    store,
		locker:   locker,
		vault:    vault,
		Logger:   logger,
		Config:   config,
		now:      time.Now,
	}

	hasher, err := security.NewStateHasherFromVault(vault)
	if err != nil {
		return nil, fmt.Errorf("failed to derive state hash key: %w", err)
	}
	s.guard, err = stateguard.New(states, hasher, stateguard.Config{
		TTL:    config.StateTTL,
		Logger: logger,
		Now:    s.clock,
	})
	if err != nil {
		return nil, err
	}

	s.linker, err = linker.New(store, vault, linker.Config{
		Locker: locker,
		Logger: logger,
		Now:    s.clock,
	})
	if err != nil {
		return nil, err
	}

	if config.LoginRateLimit > 0 {
		s.LoginLimiter = security.NewLoginLimiter(config.LoginRateLimit, config.LoginRateBurst, 0, logger)
	}

	return s, nil
}

// clock indirects through s.now so SetClock also reaches the guard and linker
func (s *Server) clock() time.Time {
	return s.now()
}

// SetAuditor sets the security auditor
func (s *Server) SetAuditor(aud *security.Auditor) {
	s.Auditor = aud
	if s.metrics != nil {
		aud.SetMetrics(s.metrics)
	}
}

// SetLoginLimiter replaces the per-session login limiter. nil disables it.
func (s *Server) SetLoginLimiter(l *security.LoginLimiter) {
	if s.LoginLimiter != nil && s.LoginLimiter != l {
		s.LoginLimiter.Stop()
	}
	s.LoginLimiter = l
}

// SetInstrumentation sets OpenTelemetry instrumentation for the server
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("server")
		s.metrics = inst.Metrics()
		s.vault.SetMetrics(s.metrics)
		s.Auditor.SetMetrics(s.metrics)
	}
}

// SetHooks installs lifecycle hooks
func (s *Server) SetHooks(h Hooks) {
	s.hooks = h
}

// SetClock overrides the time source, for tests
func (s *Server) SetClock(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// Registry returns the provider registry
func (s *Server) Registry() *providers.Registry {
	return s.registry
}

// Guard returns the state guard
func (s *Server) Guard() *stateguard.Guard {
	return s.guard
}

// Linker returns the identity linker
func (s *Server) Linker() *linker.Linker {
	return s.linker
}

// Shutdown stops the sweeper and the login limiter
func (s *Server) Shutdown() {
	s.Stop()
	if s.LoginLimiter != nil {
		s.LoginLimiter.Stop()
	}
}

// startSpan starts a span when instrumentation is configured. The returned
// span is nil otherwise; the instrumentation helpers accept nil spans.
func (s *Server) startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, nil
	}
	return s.tracer.Start(ctx, name)
}

func endSpan(span trace.Span) {
	if span != nil {
		span.End()
	}
}
