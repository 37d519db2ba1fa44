package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/giantswarm/oauth-identity/instrumentation"
	"github.com/giantswarm/oauth-identity/providers"
	"github.com/giantswarm/oauth-identity/security"
	"github.com/giantswarm/oauth-identity/storage"
)

// AccessToken is a usable plaintext access token. It must not be persisted.
type AccessToken struct {
	Token     string
	TokenType string
	ExpiresAt *time.Time

	// Refreshed is true when this call obtained the token from the provider
	Refreshed bool
}

// RefreshIfNeeded returns a valid access token for the account, refreshing
// it first when it has expired (or expires within Config.RefreshSkew).
//
// Refreshes of one account are serialized through the Locker. A caller that
// waited on the lock re-reads the account and reuses the token the winner
// stored instead of refreshing again.
//
// Any condition that only a new login can fix yields an error matching
// ErrReauthenticationRequired. Provider outages are returned as
// *providers.ProviderUnavailableError so callers can retry.
func (s *Server) RefreshIfNeeded(ctx context.Context, accountID string) (*AccessToken, error) {
	ctx, span := s.startSpan(ctx, "oauth.refresh_if_needed")
	defer endSpan(span)
	instrumentation.SetSpanAttributes(span, attribute.String(instrumentation.AttrAccountID, accountID))

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.AddIdentityAttributes(span, acct.Provider, acct.UserID)

	if !s.needsRefresh(acct) {
		tok, err := s.openAccessToken(ctx, acct)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
		if s.needsReseal(acct) {
			s.reseal(ctx, acct.ID)
		}
		instrumentation.SetSpanSuccess(span)
		return tok, nil
	}

	p, err := s.registry.Get(acct.Provider)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if !p.SupportsRefresh() {
		err := s.requireReauth(ctx, acct, "refresh_unsupported", providers.ErrRefreshUnsupported)
		instrumentation.RecordError(span, err)
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, storage.RefreshLockKey(acct.ID), s.Config.RefreshLockTTL)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, fmt.Errorf("failed to acquire refresh lock: %w", err)
	}
	defer unlock()

	// Another caller may have refreshed while we waited.
	acct, err = s.store.GetAccount(ctx, accountID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	if !s.needsRefresh(acct) {
		tok, err := s.openAccessToken(ctx, acct)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, err
		}
		s.Logger.Debug("Reusing token refreshed by concurrent caller", "account_id", acct.ID)
		s.resealLocked(ctx, acct)
		instrumentation.SetSpanSuccess(span)
		return tok, nil
	}

	tok, err := s.refreshAccount(ctx, p, acct)
	if err != nil {
		instrumentation.RecordError(span, err)
		return nil, err
	}
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenRotated, tok.rotated))
	instrumentation.SetSpanSuccess(span)
	return &tok.AccessToken, nil
}

type refreshedToken struct {
	AccessToken
	rotated bool
}

// refreshAccount calls the provider and persists the new tokens. The caller
// holds the refresh lock.
func (s *Server) refreshAccount(ctx context.Context, p providers.Provider, acct *storage.OAuthAccount) (*refreshedToken, error) {
	plain, err := storage.OpenTokens(acct, s.vault)
	if err != nil {
		return nil, s.requireReauth(ctx, acct, "decryption_failed", err)
	}
	if plain.RefreshToken == "" {
		return nil, s.requireReauth(ctx, acct, "no_refresh_token", errors.New("no refresh token stored"))
	}

	start := time.Now()
	tokens, err := p.RefreshToken(ctx, plain.RefreshToken)
	s.recordProviderCall(ctx, acct.Provider, "refresh_token", start, err)
	if err != nil {
		if errors.Is(err, providers.ErrProviderUnavailable) {
			if s.metrics != nil {
				s.metrics.RecordTokenRefreshFailed(ctx, acct.Provider, "provider_unavailable")
			}
			return nil, err
		}
		return nil, s.requireReauth(ctx, acct, "provider_rejected", err)
	}
	if tokens.AccessToken == "" {
		return nil, s.requireReauth(ctx, acct, "provider_rejected",
			&providers.TokenRefreshError{Provider: acct.Provider, Err: errors.New("refresh response carried no access token")})
	}

	rotated := tokens.RefreshToken != "" && tokens.RefreshToken != plain.RefreshToken
	next := storage.PlainTokens{
		AccessToken:  tokens.AccessToken,
		RefreshToken: plain.RefreshToken,
		IDToken:      plain.IDToken,
	}
	if tokens.RefreshToken != "" {
		next.RefreshToken = tokens.RefreshToken
	}
	if tokens.IDToken != "" {
		next.IDToken = tokens.IDToken
	}

	updated := acct.Clone()
	if err := storage.SealTokens(updated, next, s.vault); err != nil {
		return nil, fmt.Errorf("failed to seal refreshed tokens: %w", err)
	}
	updated.ExpiresAt = security.ExpiresAt(s.now(), tokens.ExpiresIn)
	if tokens.TokenType != "" {
		updated.TokenType = tokens.TokenType
	}
	if tokens.Scope != "" {
		updated.Scope = tokens.Scope
	}

	if err := s.store.UpdateAccountTokens(ctx, updated); err != nil {
		return nil, fmt.Errorf("failed to store refreshed tokens: %w", err)
	}

	s.Auditor.LogTokenRefreshed(acct.UserID, acct.Provider, rotated)
	if s.metrics != nil {
		s.metrics.RecordTokenRefresh(ctx, acct.Provider, rotated)
	}
	s.tokenRefreshed(ctx, updated)

	s.Logger.Debug("Refreshed provider token",
		"provider", acct.Provider,
		"account_id", acct.ID,
		"rotated", rotated)

	return &refreshedToken{
		AccessToken: AccessToken{
			Token:     tokens.AccessToken,
			TokenType: updated.TokenType,
			ExpiresAt: updated.ExpiresAt,
			Refreshed: true,
		},
		rotated: rotated,
	}, nil
}

func (s *Server) needsRefresh(acct *storage.OAuthAccount) bool {
	return security.IsExpiringSoon(acct.ExpiresAt, s.now(), s.Config.RefreshSkew)
}

// openAccessToken decrypts the stored access token of a still-valid account
func (s *Server) openAccessToken(ctx context.Context, acct *storage.OAuthAccount) (*AccessToken, error) {
	token, err := s.vault.Decrypt(acct.AccessToken)
	if err != nil {
		return nil, s.requireReauth(ctx, acct, "decryption_failed", err)
	}
	if token == "" {
		return nil, s.requireReauth(ctx, acct, "no_access_token", errors.New("no access token stored"))
	}

	var expiresAt *time.Time
	if acct.ExpiresAt != nil {
		exp := *acct.ExpiresAt
		expiresAt = &exp
	}
	return &AccessToken{
		Token:     token,
		TokenType: acct.TokenType,
		ExpiresAt: expiresAt,
	}, nil
}

// needsReseal reports whether any token of acct was sealed with a previous key
func (s *Server) needsReseal(acct *storage.OAuthAccount) bool {
	return s.vault.NeedsRotation(acct.AccessToken) ||
		s.vault.NeedsRotation(acct.RefreshToken) ||
		s.vault.NeedsRotation(acct.IDToken)
}

// reseal takes the refresh lock and re-encrypts the account's tokens with
// the primary key. Failures are logged; the caller already has its token.
func (s *Server) reseal(ctx context.Context, accountID string) {
	unlock, err := s.locker.Lock(ctx, storage.RefreshLockKey(accountID), s.Config.RefreshLockTTL)
	if err != nil {
		s.Logger.Warn("Failed to lock account for token re-encryption", "account_id", accountID, "error", err)
		return
	}
	defer unlock()

	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		s.Logger.Warn("Failed to reload account for token re-encryption", "account_id", accountID, "error", err)
		return
	}
	s.resealLocked(ctx, acct)
}

// resealLocked is reseal for a caller that holds the refresh lock
func (s *Server) resealLocked(ctx context.Context, acct *storage.OAuthAccount) {
	if !s.needsReseal(acct) {
		return
	}

	plain, err := storage.OpenTokens(acct, s.vault)
	if err != nil {
		s.Logger.Warn("Failed to open tokens for re-encryption", "account_id", acct.ID, "error", err)
		return
	}
	updated := acct.Clone()
	if err := storage.SealTokens(updated, plain, s.vault); err != nil {
		s.Logger.Warn("Failed to re-encrypt tokens", "account_id", acct.ID, "error", err)
		return
	}
	if err := s.store.UpdateAccountTokens(ctx, updated); err != nil {
		s.Logger.Warn("Failed to store re-encrypted tokens", "account_id", acct.ID, "error", err)
		return
	}

	s.Logger.Debug("Re-encrypted account tokens with primary key",
		"provider", acct.Provider,
		"account_id", acct.ID,
		"key_id", s.vault.PrimaryKeyID())
}

func (s *Server) requireReauth(ctx context.Context, acct *storage.OAuthAccount, reason string, cause error) error {
	s.Auditor.LogReauthenticationRequired(acct.UserID, acct.Provider, reason)
	if s.metrics != nil {
		s.metrics.RecordTokenRefreshFailed(ctx, acct.Provider, reason)
	}
	s.Logger.Info("Reauthentication required",
		"provider", acct.Provider,
		"account_id", acct.ID,
		"reason", reason,
		"error", cause)
	return reauthError(cause)
}
