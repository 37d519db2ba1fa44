package microsoft

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	oauthmicrosoft "golang.org/x/oauth2/microsoft"

	"github.com/giantswarm/oauth-identity/providers"
)

// providerName is the registry key.
const providerName = "microsoft"

// DefaultTenant accepts both work/school and personal accounts.
const DefaultTenant = "common"

const graphMeURL = "https://graph.microsoft.com/v1.0/me"

// DefaultScopes are requested when Config.Scopes is empty.
// offline_access is what makes the token endpoint return a refresh token.
var DefaultScopes = []string{"openid", "email", "profile", "offline_access", "User.Read"}

// Provider is the Microsoft identity platform (v2.0) provider.
// Microsoft exposes no token revocation endpoint for this flow.
type Provider struct {
	*providers.Standard
	tenant string
}

// Compile-time check that Provider implements the providers.Provider interface.
var _ providers.Provider = (*Provider)(nil)

// Config holds Microsoft OAuth configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// TenantID selects the directory (default: "common").
	TenantID string

	Scopes []string

	HTTPClient     *http.Client
	RequestTimeout time.Duration
	Logger         *slog.Logger

	// Endpoint overrides, used against test servers.
	AuthURL     string
	TokenURL    string
	UserInfoURL string
}

// NewProvider creates a new Microsoft provider.
func NewProvider(cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	tenant := cfg.TenantID
	if tenant == "" {
		tenant = DefaultTenant
	}

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}

	endpoint := oauthmicrosoft.AzureADEndpoint(tenant)
	if cfg.AuthURL != "" {
		endpoint.AuthURL = cfg.AuthURL
	}
	if cfg.TokenURL != "" {
		endpoint.TokenURL = cfg.TokenURL
	}

	userInfo := graphMeURL
	if cfg.UserInfoURL != "" {
		userInfo = cfg.UserInfoURL
	}

	def := providers.Definition{
		Name:            providerName,
		Endpoint:        oauth2.Endpoint{AuthURL: endpoint.AuthURL, TokenURL: endpoint.TokenURL},
		UserInfoURL:     userInfo,
		Scopes:          scopes,
		SupportsRefresh: true,
		AuthParams: map[string]string{
			"response_mode": "query",
		},
		Extract: Extract,
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

	return &Provider{Standard: std, tenant: tenant}, nil
}

// Tenant returns the configured directory.
func (p *Provider) Tenant() string {
	return p.tenant
}

// Extract maps a Microsoft Graph /me document to a CanonicalProfile.
// The mail attribute is preferred; accounts without a mailbox fall back to
// the user principal name.
func Extract(raw providers.RawProfile) (*providers.CanonicalProfile, error) {
	name := raw.String("displayName")
	return providers.RequireIdentity(&providers.CanonicalProfile{
		Email:       raw.FirstString("mail", "userPrincipalName"),
		DisplayName: name,
		ExternalID:  raw.String("id"),
		Username:    providers.Handle(name),
		Location:    raw.String("officeLocation"),
	})
}
