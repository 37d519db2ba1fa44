package providers

import (
	"errors"
	"fmt"

	"github.com/giantswarm/oauth-identity/internal/util"
)

var (
	// ErrUnsupportedProvider is matched by *UnsupportedProviderError.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrTokenExchange is matched by *TokenExchangeError.
	ErrTokenExchange = errors.New("token exchange failed")

	// ErrTokenRefresh is matched by *TokenRefreshError.
	ErrTokenRefresh = errors.New("token refresh failed")

	// ErrUserInfoFetch is matched by *UserInfoFetchError.
	ErrUserInfoFetch = errors.New("user info fetch failed")

	// ErrProviderUnavailable is matched by *ProviderUnavailableError.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrRefreshUnsupported is returned by RefreshToken for providers that
	// do not issue refresh tokens.
	ErrRefreshUnsupported = errors.New("provider does not support token refresh")

	// ErrRevocationUnsupported is returned by RevokeToken for providers
	// without a revocation endpoint.
	ErrRevocationUnsupported = errors.New("provider does not support token revocation")

	// ErrEmailNotProvided is returned by ExtractProfile when the provider
	// document carries no email address.
	ErrEmailNotProvided = errors.New("provider did not return an email address")

	// ErrMissingExternalID is returned by ExtractProfile when the provider
	// document carries no stable user identifier.
	ErrMissingExternalID = errors.New("provider did not return a user id")
)

// maxErrorBodyLen bounds the provider response body kept on errors.
const maxErrorBodyLen = 512

// UnsupportedProviderError is returned for names missing from the registry.
type UnsupportedProviderError struct {
	Name string
}

func (e *UnsupportedProviderError) Error() string {
	return fmt.Sprintf("unsupported provider %q", e.Name)
}

func (e *UnsupportedProviderError) Is(target error) bool { return target == ErrUnsupportedProvider }

// TokenExchangeError is a non-2xx (or error-bearing) token endpoint response
// to an authorization-code exchange.
type TokenExchangeError struct {
	Provider   string
	StatusCode int
	ErrorCode  string
	Body       string
	Err        error
}

func (e *TokenExchangeError) Error() string {
	return formatHTTPError("token exchange", e.Provider, e.StatusCode, e.ErrorCode, e.Err)
}

func (e *TokenExchangeError) Unwrap() error { return e.Err }

func (e *TokenExchangeError) Is(target error) bool { return target == ErrTokenExchange }

// TokenRefreshError is a rejected refresh request.
type TokenRefreshError struct {
	Provider   string
	StatusCode int
	ErrorCode  string
	Body       string
	Err        error
}

func (e *TokenRefreshError) Error() string {
	return formatHTTPError("token refresh", e.Provider, e.StatusCode, e.ErrorCode, e.Err)
}

func (e *TokenRefreshError) Unwrap() error { return e.Err }

func (e *TokenRefreshError) Is(target error) bool { return target == ErrTokenRefresh }

// UserInfoFetchError is a non-2xx or undecodable user-info response.
type UserInfoFetchError struct {
	Provider   string
	StatusCode int
	Body       string
	Err        error
}

func (e *UserInfoFetchError) Error() string {
	return formatHTTPError("user info fetch", e.Provider, e.StatusCode, "", e.Err)
}

func (e *UserInfoFetchError) Unwrap() error { return e.Err }

func (e *UserInfoFetchError) Is(target error) bool { return target == ErrUserInfoFetch }

// ProviderUnavailableError is a transport failure or timeout talking to the provider.
type ProviderUnavailableError struct {
	Provider  string
	Operation string
	Err       error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("provider %s unavailable during %s: %v", e.Provider, e.Operation, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

func (e *ProviderUnavailableError) Is(target error) bool { return target == ErrProviderUnavailable }

func formatHTTPError(op, provider string, status int, code string, err error) string {
	msg := fmt.Sprintf("%s failed for provider %s", op, provider)
	if status != 0 {
		msg += fmt.Sprintf(" (status %d)", status)
	}
	if code != "" {
		msg += ": " + code
	}
	if err != nil {
		msg += ": " + err.Error()
	}
	return msg
}

func truncateBody(body []byte) string {
	return util.SafeTruncate(string(body), maxErrorBodyLen)
}
