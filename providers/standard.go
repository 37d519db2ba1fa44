package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// DefaultRequestTimeout bounds every outbound provider call.
const DefaultRequestTimeout = 10 * time.Second

// maxUserInfoSize bounds the user-info document read from a provider.
const maxUserInfoSize = 1 << 20

// Definition describes one provider's endpoints and behaviour. The google,
// github and microsoft subpackages each build one.
type Definition struct {
	// Name is the registry key.
	Name string

	// Endpoint holds the authorization and token URLs.
	Endpoint oauth2.Endpoint

	// UserInfoURL is fetched with the access token after exchange.
	UserInfoURL string

	// Scopes requested during authorization.
	Scopes []string

	// SupportsRefresh enables RefreshToken.
	SupportsRefresh bool

	// AuthHeaderScheme is the Authorization scheme for API calls
	// ("Bearer" when empty, "token" for GitHub).
	AuthHeaderScheme string

	// AuthParams are extra authorization URL parameters (e.g., access_type=offline).
	AuthParams map[string]string

	// Extract maps the user-info document to a CanonicalProfile.
	Extract func(raw RawProfile) (*CanonicalProfile, error)

	// Enrich optionally fetches additional documents into raw after the
	// user-info call. Errors are logged and ignored.
	Enrich func(ctx context.Context, s *Standard, accessToken string, raw RawProfile) error

	// RevokeRequest builds the revocation request. Nil means revocation
	// is unsupported.
	RevokeRequest func(ctx context.Context, c ClientCredentials, token string) (*http.Request, error)
}

// ClientCredentials is the OAuth client registration for one provider.
type ClientCredentials struct {
	// ClientID is the OAuth client ID.
	ClientID string

	// ClientSecret is the OAuth client secret.
	ClientSecret string

	// RedirectURL is the default callback URL.
	RedirectURL string
}

// Options configures the HTTP behaviour of a Standard provider.
type Options struct {
	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout bounds each provider call (default: 10s).
	RequestTimeout time.Duration

	// Logger is used for best-effort failures (default: slog.Default()).
	Logger *slog.Logger
}

// Standard implements Provider for any OAuth 2.0 authorization-code provider
// described by a Definition.
type Standard struct {
	def            Definition
	creds          ClientCredentials
	config         *oauth2.Config
	httpClient     *http.Client
	requestTimeout time.Duration
	logger         *slog.Logger
}

// Compile-time check that Standard implements Provider.
var _ Provider = (*Standard)(nil)

// NewStandard creates a provider from a definition and client registration.
func NewStandard(def Definition, creds ClientCredentials, opts Options) (*Standard, error) {
	if def.Name == "" {
		return nil, fmt.Errorf("provider name is required")
	}
	if def.Endpoint.AuthURL == "" || def.Endpoint.TokenURL == "" {
		return nil, fmt.Errorf("provider %s: authorization and token URLs are required", def.Name)
	}
	if def.UserInfoURL == "" {
		return nil, fmt.Errorf("provider %s: user info URL is required", def.Name)
	}
	if def.Extract == nil {
		return nil, fmt.Errorf("provider %s: profile extractor is required", def.Name)
	}
	if creds.ClientID == "" {
		return nil, fmt.Errorf("provider %s: client ID is required", def.Name)
	}
	if creds.ClientSecret == "" {
		return nil, fmt.Errorf("provider %s: client secret is required", def.Name)
	}

	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: requestTimeout}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Client credentials travel in the form body, as every supported
	// provider accepts them there.
	endpoint := def.Endpoint
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	scopes := make([]string, len(def.Scopes))
	copy(scopes, def.Scopes)

	return &Standard{
		def:   def,
		creds: creds,
		config: &oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		},
		httpClient:     httpClient,
		requestTimeout: requestTimeout,
		logger:         logger.With("provider", def.Name),
	}, nil
}

// Name returns the provider name.
func (s *Standard) Name() string {
	return s.def.Name
}

// SupportsRefresh reports whether RefreshToken may contact the provider.
func (s *Standard) SupportsRefresh() bool {
	return s.def.SupportsRefresh
}

// Scopes returns a copy of the requested scopes.
func (s *Standard) Scopes() []string {
	scopes := make([]string, len(s.config.Scopes))
	copy(scopes, s.config.Scopes)
	return scopes
}

// AuthorizationURL builds the authorization redirect URL.
func (s *Standard) AuthorizationURL(state, redirectURI string) string {
	opts := make([]oauth2.AuthCodeOption, 0, len(s.def.AuthParams)+1)
	for k, v := range s.def.AuthParams {
		opts = append(opts, oauth2.SetAuthURLParam(k, v))
	}
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}
	return s.config.AuthCodeURL(state, opts...)
}

// ensureContextTimeout ensures the context has a deadline, adding one if needed.
func (s *Standard) ensureContextTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.requestTimeout)
}

// ExchangeCode exchanges an authorization code for tokens. It is not retried.
func (s *Standard) ExchangeCode(ctx context.Context, code, redirectURI string) (*TokenSet, error) {
	ctx, cancel := s.ensureContextTimeout(ctx)
	defer cancel()

	var opts []oauth2.AuthCodeOption
	if redirectURI != "" {
		opts = append(opts, oauth2.SetAuthURLParam("redirect_uri", redirectURI))
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)

	token, err := s.config.Exchange(ctx, code, opts...)
	if err != nil {
		if isUnavailable(err) {
			return nil, &ProviderUnavailableError{Provider: s.def.Name, Operation: "exchange", Err: err}
		}
		exchangeErr := &TokenExchangeError{Provider: s.def.Name, Err: err}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			exchangeErr.StatusCode = retrieveStatus(re)
			exchangeErr.ErrorCode = re.ErrorCode
			exchangeErr.Body = truncateBody(re.Body)
		}
		return nil, exchangeErr
	}

	return tokenSetFromOAuth2(token, time.Now()), nil
}

// RefreshToken exchanges a refresh token for a new access token.
func (s *Standard) RefreshToken(ctx context.Context, refreshToken string) (*TokenSet, error) {
	if !s.def.SupportsRefresh {
		return nil, ErrRefreshUnsupported
	}
	if refreshToken == "" {
		return nil, &TokenRefreshError{Provider: s.def.Name, Err: errors.New("no refresh token")}
	}

	ctx, cancel := s.ensureContextTimeout(ctx)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)

	// An already-expired token forces the token source to refresh.
	expired := &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)}
	token, err := s.config.TokenSource(ctx, expired).Token()
	if err != nil {
		if isUnavailable(err) {
			return nil, &ProviderUnavailableError{Provider: s.def.Name, Operation: "refresh", Err: err}
		}
		refreshErr := &TokenRefreshError{Provider: s.def.Name, Err: err}
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			refreshErr.StatusCode = retrieveStatus(re)
			refreshErr.ErrorCode = re.ErrorCode
			refreshErr.Body = truncateBody(re.Body)
		}
		return nil, refreshErr
	}

	set := tokenSetFromOAuth2(token, time.Now())
	// The token source carries the old refresh token forward when none is
	// returned; report only what the provider actually issued.
	if set.RefreshToken == refreshToken {
		set.RefreshToken = ""
	}
	return set, nil
}

// FetchUserInfo retrieves the user-info document.
func (s *Standard) FetchUserInfo(ctx context.Context, accessToken string) (RawProfile, error) {
	ctx, cancel := s.ensureContextTimeout(ctx)
	defer cancel()

	raw := RawProfile{}
	if err := s.GetJSON(ctx, s.def.UserInfoURL, accessToken, &raw); err != nil {
		return nil, err
	}

	if s.def.Enrich != nil {
		if err := s.def.Enrich(ctx, s, accessToken, raw); err != nil {
			s.logger.Warn("Failed to enrich user info", "error", err)
		}
	}

	return raw, nil
}

// ExtractProfile maps raw to a CanonicalProfile.
func (s *Standard) ExtractProfile(raw RawProfile) (*CanonicalProfile, error) {
	return s.def.Extract(raw)
}

// GetJSON performs an authenticated GET against a provider API and decodes
// the JSON response into out. Non-2xx responses yield *UserInfoFetchError,
// transport failures *ProviderUnavailableError.
func (s *Standard) GetJSON(ctx context.Context, endpoint, accessToken string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	scheme := s.def.AuthHeaderScheme
	if scheme == "" {
		scheme = "Bearer"
	}
	req.Header.Set("Authorization", scheme+" "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return &ProviderUnavailableError{Provider: s.def.Name, Operation: "userinfo", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxUserInfoSize))
	if err != nil {
		return &ProviderUnavailableError{Provider: s.def.Name, Operation: "userinfo", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &UserInfoFetchError{
			Provider:   s.def.Name,
			StatusCode: resp.StatusCode,
			Body:       truncateBody(body),
		}
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return &UserInfoFetchError{
			Provider:   s.def.Name,
			StatusCode: resp.StatusCode,
			Body:       truncateBody(body),
			Err:        fmt.Errorf("failed to decode response: %w", err),
		}
	}

	return nil
}

// RevokeToken sends the provider's revocation request. Failures are logged
// here and also returned so callers can classify the outcome.
func (s *Standard) RevokeToken(ctx context.Context, token string) error {
	if s.def.RevokeRequest == nil {
		return ErrRevocationUnsupported
	}
	if token == "" {
		return nil
	}

	status, err := s.revoke(ctx, token)
	if err != nil {
		s.logger.Warn("Token revocation failed", "status", status, "error", err)
	}
	return err
}

func (s *Standard) revoke(ctx context.Context, token string) (int, error) {
	ctx, cancel := s.ensureContextTimeout(ctx)
	defer cancel()

	req, err := s.def.RevokeRequest(ctx, s.creds, token)
	if err != nil {
		return 0, fmt.Errorf("failed to create revocation request: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, &ProviderUnavailableError{Provider: s.def.Name, Operation: "revoke", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBodyLen))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("revocation failed for provider %s with status %d", s.def.Name, resp.StatusCode)
	}

	return resp.StatusCode, nil
}

func tokenSetFromOAuth2(token *oauth2.Token, now time.Time) *TokenSet {
	set := &TokenSet{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresIn:    token.ExpiresIn,
	}
	if set.ExpiresIn <= 0 && !token.Expiry.IsZero() {
		if d := token.Expiry.Sub(now); d > 0 {
			set.ExpiresIn = int64(d.Round(time.Second) / time.Second)
		}
	}
	if v, ok := token.Extra("id_token").(string); ok {
		set.IDToken = v
	}
	if v, ok := token.Extra("scope").(string); ok {
		set.Scope = v
	}
	return set
}

func retrieveStatus(re *oauth2.RetrieveError) int {
	if re.Response == nil {
		return 0
	}
	return re.Response.StatusCode
}

// isUnavailable reports transport-level failures: connection errors,
// timeouts and cancelled contexts.
func isUnavailable(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
