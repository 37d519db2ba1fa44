package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-identity/instrumentation"
	"github.com/giantswarm/oauth-identity/providers"
	"github.com/giantswarm/oauth-identity/security"
	"github.com/giantswarm/oauth-identity/storage"
)

// Revocation outcomes reported to audit and metrics
const (
	revokeRevoked     = "revoked"
	revokeUnsupported = "unsupported"
	revokeFailed      = "failed"
	revokeSkipped     = "skipped"
)

// AccountInfo describes a linked account without any token material.
type AccountInfo struct {
	ID                string     `json:"id"`
	Provider          string     `json:"provider"`
	ProviderAccountID string     `json:"provider_account_id"`
	Scope             string     `json:"scope,omitempty"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`

	// Connected is false once the sweep cleared the account's tokens
	Connected bool      `json:"connected"`
	CreatedAt time.Time `json:"created_at"`
}

// Disconnect unlinks the user's account for provider. The provider token is
// revoked best-effort first; a failed or unsupported revocation never
// prevents the local deletion.
func (s *Server) Disconnect(ctx context.Context, userID, provider string) error {
	ctx, span := s.startSpan(ctx, "oauth.disconnect")
	defer endSpan(span)
	instrumentation.AddIdentityAttributes(span, provider, userID)

	acct, err := s.store.FindAccount(ctx, userID, provider)
	if err != nil {
		instrumentation.RecordError(span, err)
		return err
	}

	outcome := s.revokeAccount(ctx, acct)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrRevokeOutcome, outcome))

	if err := s.store.DeleteAccount(ctx, acct.ID); err != nil {
		// A concurrent disconnect already removed it
		if !errors.Is(err, storage.ErrAccountNotFound) {
			instrumentation.RecordError(span, err)
			return fmt.Errorf("failed to delete account: %w", err)
		}
	}

	s.Auditor.LogAccountDisconnected(userID, provider)
	if s.metrics != nil {
		s.metrics.RecordAccountDisconnected(ctx, provider)
	}
	s.accountDisconnected(ctx, userID, provider)

	s.Logger.Info("Account disconnected",
		"provider", provider,
		"user_id", userID,
		"revocation", outcome)
	instrumentation.SetSpanSuccess(span)
	return nil
}

// DeleteUser removes a user with every linked account and the profile.
// Each account's token is revoked best-effort before anything is deleted.
func (s *Server) DeleteUser(ctx context.Context, userID string) error {
	ctx, span := s.startSpan(ctx, "oauth.delete_user")
	defer endSpan(span)
	instrumentation.AddIdentityAttributes(span, "", userID)

	if _, err := s.store.GetUser(ctx, userID); err != nil {
		instrumentation.RecordError(span, err)
		return err
	}

	accounts, err := s.store.ListAccounts(ctx, userID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to list accounts: %w", err)
	}
	for _, acct := range accounts {
		s.revokeAccount(ctx, acct)
	}

	if err := s.store.DeleteUser(ctx, userID); err != nil {
		instrumentation.RecordError(span, err)
		return fmt.Errorf("failed to delete user: %w", err)
	}

	s.Auditor.LogUserDeleted(userID, len(accounts))
	if s.metrics != nil {
		s.metrics.RecordUserDeleted(ctx)
	}
	s.userDeleted(ctx, userID)

	s.Logger.Info("User deleted", "user_id", userID, "accounts", len(accounts))
	instrumentation.SetSpanSuccess(span)
	return nil
}

// MergeUsers moves every account of duplicateID onto primaryID and deletes
// the duplicate. It is an administrative operation; logins never merge.
func (s *Server) MergeUsers(ctx context.Context, primaryID, duplicateID string) error {
	ctx, span := s.startSpan(ctx, "oauth.merge_users")
	defer endSpan(span)
	instrumentation.AddIdentityAttributes(span, "", primaryID)

	if err := s.linker.Merge(ctx, primaryID, duplicateID); err != nil {
		instrumentation.RecordError(span, err)
		return err
	}

	s.Auditor.LogUsersMerged(primaryID, duplicateID)
	if s.metrics != nil {
		s.metrics.RecordUsersMerged(ctx)
	}
	s.usersMerged(ctx, primaryID, duplicateID)

	instrumentation.SetSpanSuccess(span)
	return nil
}

// ListAccounts returns the user's linked accounts ordered by provider
func (s *Server) ListAccounts(ctx context.Context, userID string) ([]AccountInfo, error) {
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return nil, err
	}
	accounts, err := s.store.ListAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}

	infos := make([]AccountInfo, 0, len(accounts))
	for _, a := range accounts {
		infos = append(infos, AccountInfo{
			ID:                a.ID,
			Provider:          a.Provider,
			ProviderAccountID: a.ProviderAccountID,
			Scope:             a.Scope,
			ExpiresAt:         a.Clone().ExpiresAt,
			Connected:         a.HasTokens(),
			CreatedAt:         a.CreatedAt,
		})
	}
	return infos, nil
}

// ConnectedProviders returns the distinct provider names the user has linked.
// An empty result means the user has no OAuth login.
func (s *Server) ConnectedProviders(ctx context.Context, userID string) ([]string, error) {
	accounts, err := s.ListAccounts(ctx, userID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(accounts))
	names := make([]string, 0, len(accounts))
	for _, a := range accounts {
		if !seen[a.Provider] {
			seen[a.Provider] = true
			names = append(names, a.Provider)
		}
	}
	sort.Strings(names)
	return names, nil
}

// revokeAccount revokes the account's grant at the provider and reports the
// outcome. It never fails.
func (s *Server) revokeAccount(ctx context.Context, acct *storage.OAuthAccount) string {
	outcome := s.revokeOutcome(ctx, acct)

	s.Auditor.LogTokenRevocation(acct.UserID, acct.Provider, outcome)
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, acct.Provider, outcome)
	}
	return outcome
}

func (s *Server) revokeOutcome(ctx context.Context, acct *storage.OAuthAccount) string {
	p, err := s.registry.Get(acct.Provider)
	if err != nil {
		s.Logger.Warn("Skipping revocation for unregistered provider", "provider", acct.Provider)
		return revokeSkipped
	}

	plain, err := storage.OpenTokens(acct, s.vault)
	if err != nil {
		s.Logger.Warn("Skipping revocation, stored token unreadable",
			"provider", acct.Provider,
			"account_id", acct.ID,
			"error", err)
		return revokeSkipped
	}

	// Revoking the refresh token ends the whole grant where supported
	token := plain.RefreshToken
	if token == "" {
		if security.IsExpired(acct.ExpiresAt, s.now()) {
			return revokeSkipped
		}
		token = plain.AccessToken
	}
	if token == "" {
		return revokeSkipped
	}

	err = s.revokeTokenWithRetry(ctx, p, token, acct.UserID)
	switch {
	case err == nil:
		return revokeRevoked
	case errors.Is(err, providers.ErrRevocationUnsupported):
		s.Logger.Debug("Provider has no revocation endpoint", "provider", acct.Provider)
		return revokeUnsupported
	default:
		return revokeFailed
	}
}

// revokeTokenWithRetry attempts revocation with exponential backoff. Each
// attempt is bounded by Config.RevokeTimeout.
func (s *Server) revokeTokenWithRetry(ctx context.Context, p providers.Provider, token, userID string) error {
	maxRetries := s.Config.RevokeMaxRetries
	timeout := s.Config.RevokeTimeout

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := p.RevokeToken(attemptCtx, token)
		cancel()
		s.recordProviderCall(ctx, p.Name(), "revoke_token", start, err)

		if err == nil {
			if attempt > 0 {
				s.Logger.Info("Provider token revocation succeeded after retry",
					"provider", p.Name(),
					"attempt", attempt+1,
					"user_id", userID)
			}
			return nil
		}
		if errors.Is(err, providers.ErrRevocationUnsupported) {
			return err
		}

		lastErr = err

		if attempt < maxRetries {
			backoff := time.Duration(100*math.Pow(2, float64(attempt))) * time.Millisecond
			s.Logger.Debug("Provider token revocation failed, retrying",
				"provider", p.Name(),
				"attempt", attempt+1,
				"max_retries", maxRetries,
				"backoff_ms", backoff.Milliseconds(),
				"error", err)

			select {
			case <-ctx.Done():
				return fmt.Errorf("revocation cancelled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	s.Logger.Warn("Provider token revocation failed after all retries",
		"provider", p.Name(),
		"attempts", maxRetries+1,
		"user_id", userID,
		"final_error", lastErr)

	return fmt.Errorf("provider revocation failed after %d attempts: %w", maxRetries+1, lastErr)
}
