package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	oauthgithub "golang.org/x/oauth2/github"

	"github.com/giantswarm/oauth-identity/providers"
)

// providerName is the registry key.
const providerName = "github"

// GitHub API endpoints
const (
	userEndpoint   = "https://api.github.com/user"
	emailsEndpoint = "https://api.github.com/user/emails"
	apiBaseURL     = "https://api.github.com"
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"user:email"}

// Provider is the GitHub OAuth App provider.
// GitHub OAuth Apps issue non-expiring access tokens and no refresh tokens.
type Provider struct {
	*providers.Standard
}

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// Config holds GitHub OAuth configuration.
type Config struct {
	// ClientID is the GitHub OAuth App client ID.
	ClientID string

	// ClientSecret is the GitHub OAuth App client secret.
	ClientSecret string

	// RedirectURL is the OAuth callback URL.
	RedirectURL string

	// Scopes are optional custom scopes (defaults to ["user:email"]).
	Scopes []string

	// HTTPClient is an optional custom HTTP client.
	HTTPClient *http.Client

	// RequestTimeout is the timeout for GitHub API calls (default: 10s).
	RequestTimeout time.Duration

	// Logger receives best-effort failures.
	Logger *slog.Logger

	// AuthURL, TokenURL and APIBaseURL override the public endpoints.
	AuthURL    string
	TokenURL   string
	APIBaseURL string
}

// NewProvider creates a new GitHub OAuth provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	userURL, emailsURL, applicationsURL := userEndpoint, emailsEndpoint, apiBaseURL+"/applications"
	if cfg.APIBaseURL != "" {
		base := strings.TrimRight(cfg.APIBaseURL, "/")
		userURL, emailsURL, applicationsURL = base+"/user", base+"/user/emails", base+"/applications"
	}

	def := providers.Definition{
		Name: providerName,
		Endpoint: oauth2.Endpoint{
			AuthURL:  firstNonEmpty(cfg.AuthURL, oauthgithub.Endpoint.AuthURL),
			TokenURL: firstNonEmpty(cfg.TokenURL, oauthgithub.Endpoint.TokenURL),
		},
		UserInfoURL:      userURL,
		Scopes:           scopes,
		SupportsRefresh:  false,
		AuthHeaderScheme: "token",
		Extract:          Extract,
		Enrich: func(ctx context.Context, s *providers.Standard, accessToken string, raw providers.RawProfile) error {
			if raw.String("email") != "" {
				return nil
			}
			email, err := fetchPrimaryEmail(ctx, s, emailsURL, accessToken)
			if err != nil {
				return err
			}
			if email != "" {
				raw["email"] = email
			}
			return nil
		},
		RevokeRequest: func(ctx context.Context, c providers.ClientCredentials, token string) (*http.Request, error) {
			body, err := json.Marshal(map[string]string{"access_token": token})
			if err != nil {
				return nil, err
			}
			endpoint := applicationsURL + "/" + url.PathEscape(c.ClientID) + "/token"
			req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			req.SetBasicAuth(c.ClientID, c.ClientSecret)
			req.Header.Set("Accept", "application/vnd.github+json")
			req.Header.Set("Content-Type", "application/json")
			return req, nil
		},
	}

	std, err := providers.NewStandard(def, providers.ClientCredentials{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
	}, providers.Options{
		HTTPClient:     cfg.HTTPClient,
		RequestTimeout: cfg.RequestTimeout,
		Logger:         cfg.Logger,
	})
	if err != nil {
		return nil, err
	}

	return &Provider{Standard: std}, nil
}

// Extract maps a GitHub /user document to a CanonicalProfile.
func Extract(raw providers.RawProfile) (*providers.CanonicalProfile, error) {
	login := raw.String("login")
	return providers.RequireIdentity(&providers.CanonicalProfile{
		Email:           raw.String("email"),
		DisplayName:     raw.FirstString("name", "login"),
		ExternalID:      raw.String("id"),
		AvatarURL:       raw.String("avatar_url"),
		Username:        login,
		Bio:             raw.String("bio"),
		Location:        raw.String("location"),
		Website:         raw.String("blog"),
		GitHubUsername:  login,
		TwitterUsername: raw.String("twitter_username"),
	})
}

// fetchPrimaryEmail returns the primary verified address from /user/emails,
// falling back to the first verified one.
func fetchPrimaryEmail(ctx context.Context, s *providers.Standard, endpoint, accessToken string) (string, error) {
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := s.GetJSON(ctx, endpoint, accessToken, &emails); err != nil {
		return "", fmt.Errorf("failed to fetch emails: %w", err)
	}

	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	for _, e := range emails {
		if e.Verified {
			return e.Email, nil
		}
	}
	return "", nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
