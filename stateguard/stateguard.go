package stateguard

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-identity/security"
	"github.com/giantswarm/oauth-identity/storage"
)

const (
	// DefaultTTL is how long an issued state stays valid
	DefaultTTL = 10 * time.Minute

	// stateBytes is the entropy of an issued state (256 bits)
	stateBytes = 32
)

// Config configures a Guard. Zero values select defaults.
type Config struct {
	// TTL is the lifetime of an issued state (default: 10 minutes)
	TTL time.Duration

	// Logger is the structured logger (default: slog.Default())
	Logger *slog.Logger

	// Now is the clock (default: time.Now)
	Now func() time.Time
}

// Guard issues and validates single-use authorization states bound to a
// provider and a session. Only a keyed hash of each state is stored.
type Guard struct {
	store  storage.StateStore
	hasher *security.StateHasher
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Guard over store.
func New(store storage.StateStore, hasher *security.StateHasher, cfg Config) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if hasher == nil {
		return nil, fmt.Errorf("state hasher is required")
	}

	g := &Guard{
		store:  store,
		hasher: hasher,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
		now:    cfg.Now,
	}
	if g.ttl <= 0 {
		g.ttl = DefaultTTL
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.now == nil {
		g.now = time.Now
	}
	return g, nil
}

// TTL returns the configured state lifetime
func (g *Guard) TTL() time.Duration {
	return g.ttl
}

// Issue generates a fresh state for (provider, sessionID) and stores its
// hash, replacing any state pending for the same pair.
func (g *Guard) Issue(ctx context.Context, provider, sessionID string) (string, error) {
	if provider == "" || sessionID == "" {
		return "", fmt.Errorf("provider and session id are required")
	}

	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	state := base64.RawURLEncoding.EncodeToString(b)

	now := g.now()
	if err := g.store.SaveAuthState(ctx, &storage.PendingAuthState{
		Provider:  provider,
		SessionID: sessionID,
		StateHash: g.hasher.Hash(state),
		CreatedAt: now,
		ExpiresAt: now.Add(g.ttl),
	}); err != nil {
		return "", fmt.Errorf("failed to store state: %w", err)
	}

	return state, nil
}

// ValidateAndConsume reports whether received is the pending state for
// (provider, sessionID), consuming it on success. It returns false for an
// absent, expired, mismatched or already consumed state. A mismatch leaves
// the genuine pending state in place.
func (g *Guard) ValidateAndConsume(ctx context.Context, provider, sessionID, received string) bool {
	if provider == "" || sessionID == "" || received == "" {
		return false
	}

	err := g.store.ConsumeAuthState(ctx, provider, sessionID, g.hasher.Hash(received), g.now())
	if err == nil {
		return true
	}
	if !errors.Is(err, storage.ErrAuthStateNotFound) {
		g.logger.Warn("State validation failed on storage error",
			"provider", provider,
			"error", err)
	}
	return false
}

// Cleanup deletes expired pending states and returns how many were removed.
func (g *Guard) Cleanup(ctx context.Context) (int, error) {
	n, err := g.store.DeleteExpiredAuthStates(ctx, g.now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired states: %w", err)
	}
	if n > 0 {
		g.logger.Debug("Deleted expired pending states", "count", n)
	}
	return n, nil
}
