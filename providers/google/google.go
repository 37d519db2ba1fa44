package google

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	oauthgoogle "golang.org/x/oauth2/google"

	"github.com/giantswarm/oauth-identity/providers"
)

// providerName is the registry key.
const providerName = "google"

// Google endpoints
const (
	authURL     = "https://accounts.google.com/o/oauth2/v2/auth"
	userInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"
	revokeURL   = "https://oauth2.googleapis.com/revoke"
)

// DefaultScopes are requested when Config.Scopes is empty.
var DefaultScopes = []string{"openid", "email", "profile"}

// Provider is the Google OAuth 2.0 provider.
type Provider struct {
	*providers.Standard
}

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// Config holds Google OAuth configuration
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	HTTPClient     *http.Client  // Optional custom HTTP client
	RequestTimeout time.Duration // Default: 10s
	Logger         *slog.Logger

	// Endpoint overrides, used against test servers.
	AuthURL     string
	TokenURL    string
	UserInfoURL string
	RevokeURL   string
}

// NewProvider creates a new Google OAuth provider
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	revoke := firstNonEmpty(cfg.RevokeURL, revokeURL)

	def := providers.Definition{
		Name: providerName,
		Endpoint: oauth2.Endpoint{
			AuthURL:  firstNonEmpty(cfg.AuthURL, authURL),
			TokenURL: firstNonEmpty(cfg.TokenURL, oauthgoogle.Endpoint.TokenURL),
		},
		UserInfoURL:     firstNonEmpty(cfg.UserInfoURL, userInfoURL),
		Scopes:          scopes,
		SupportsRefresh: true,
		// Google only returns a refresh token on every login with both set.
		AuthParams: map[string]string{
			"access_type": "offline",
			"prompt":      "consent",
		},
		Extract: Extract,
		RevokeRequest: func(ctx context.Context, _ providers.ClientCredentials, token string) (*http.Request, error) {
			form := url.Values{"token": {token}}
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, revoke, strings.NewReader(form.Encode()))
			if err != nil {
				return nil, err
			}
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
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

// Extract maps a Google v2 userinfo document to a CanonicalProfile.
func Extract(raw providers.RawProfile) (*providers.CanonicalProfile, error) {
	name := raw.String("name")
	return providers.RequireIdentity(&providers.CanonicalProfile{
		Email:       raw.String("email"),
		DisplayName: name,
		ExternalID:  raw.FirstString("id", "sub"),
		AvatarURL:   raw.String("picture"),
		Username:    providers.Handle(name),
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
