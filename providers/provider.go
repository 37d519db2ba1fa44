package providers

import (
	"context"
)

// Provider is one registered identity provider.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name returns the registry key (e.g., "google", "github", "microsoft")
	Name() string

	// SupportsRefresh reports whether the provider issues usable refresh tokens
	SupportsRefresh() bool

	// AuthorizationURL builds the redirect URL for the authorization-code flow.
	// An empty redirectURI uses the configured default.
	AuthorizationURL(state, redirectURI string) string

	// ExchangeCode trades an authorization code for tokens.
	// It returns *TokenExchangeError for provider rejections and
	// *ProviderUnavailableError for transport failures and timeouts.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error)

	// FetchUserInfo returns the provider's raw user document for accessToken.
	FetchUserInfo(ctx context.Context, accessToken string) (RawProfile, error)

	// ExtractProfile maps a raw user document to a CanonicalProfile.
	// It performs no I/O.
	ExtractProfile(raw RawProfile) (*CanonicalProfile, error)

	// RefreshToken obtains a new access token. It returns ErrRefreshUnsupported
	// without any network call when the provider does not support refresh.
	RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error)

	// RevokeToken asks the provider to invalidate token. Callers treat any
	// error as advisory; ErrRevocationUnsupported means no endpoint exists.
	RevokeToken(ctx context.Context, token string) error
}

// TokenSet is the provider token response in plaintext. It is never
// persisted as-is; the identity linker encrypts every token before storage.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
	TokenType    string
	Scope        string

	// ExpiresIn is the lifetime in seconds reported by the provider.
	// Zero means the provider did not report one.
	ExpiresIn int64
}

// RawProfile is the decoded user-info document as returned by the provider.
type RawProfile map[string]any

// CanonicalProfile is the provider-independent view of a user.
type CanonicalProfile struct {
	Email       string
	DisplayName string
	ExternalID  string
	AvatarURL   string

	// Username is the provider's handle or a name-derived handle, if any.
	Username string

	// Optional profile enrichment. Never authoritative.
	Bio             string
	Location        string
	Website         string
	GitHubUsername  string
	TwitterUsername string
}
