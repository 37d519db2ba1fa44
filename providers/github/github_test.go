package github

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/giantswarm/oauth-identity/providers"
)

const (
	testAccessToken  = "gho_test-access-token"
	testClientID     = "test-client-id"
	testClientSecret = "test-client-secret"
	testCallbackURL  = "https://example.com/callback"
)

func newTestServer(t *testing.T, publicEmail string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/login/oauth/access_token", func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		w.Header().Set("Content-Type", "application/json")
		if r.Form.Get("code") != "valid-code" {
			_, _ = w.Write([]byte(`{"error":"bad_verification_code","error_description":"The code passed is incorrect or expired."}`))
			return
		}
		_, _ = w.Write([]byte(`{"access_token":"` + testAccessToken + `","token_type":"bearer","scope":"user:email"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token "+testAccessToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		doc := map[string]any{
			"id":               42,
			"login":            "octo",
			"name":             "Octo Cat",
			"avatar_url":       "https://avatars.example.com/42",
			"bio":              "builds things",
			"location":         "Berlin",
			"blog":             "https://octo.example.com",
			"twitter_username": "octo_tw",
		}
		if publicEmail != "" {
			doc["email"] = publicEmail
		} else {
			doc["email"] = nil
		}
		_ = json.NewEncoder(w).Encode(doc)
	})
	mux.HandleFunc("/user/emails", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"email":"old@x.com","primary":false,"verified":true},
			{"email":"a@x.com","primary":true,"verified":true}
		]`))
	})
	mux.HandleFunc("/applications/"+testClientID+"/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != testClientID || pass != testClientSecret {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body struct {
			AccessToken string `json:"access_token"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body.AccessToken != testAccessToken {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	return httptest.NewServer(mux)
}

func newTestProvider(t *testing.T, serverURL string) *Provider {
	t.Helper()
	p, err := NewProvider(&Config{
		ClientID:     testClientID,
		ClientSecret: testClientSecret,
		RedirectURL:  testCallbackURL,
		AuthURL:      serverURL + "/login/oauth/authorize",
		TokenURL:     serverURL + "/login/oauth/access_token",
		APIBaseURL:   serverURL,
	})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	return p
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "valid config", config: &Config{ClientID: testClientID, ClientSecret: testClientSecret}},
		{name: "nil config", config: nil, wantErr: true},
		{name: "missing client ID", config: &Config{ClientSecret: testClientSecret}, wantErr: true},
		{name: "missing client secret", config: &Config{ClientID: testClientID}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NewProvider() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if p.Name() != "github" {
					t.Errorf("Name() = %q, want github", p.Name())
				}
				if p.SupportsRefresh() {
					t.Error("SupportsRefresh() = true, want false")
				}
			}
		})
	}
}

func TestProvider_AuthorizationURL(t *testing.T) {
	p, err := NewProvider(&Config{ClientID: testClientID, ClientSecret: testClientSecret, RedirectURL: testCallbackURL})
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	u, err := url.Parse(p.AuthorizationURL("xyz", ""))
	if err != nil {
		t.Fatalf("invalid URL: %v", err)
	}
	if u.Host != "github.com" || u.Path != "/login/oauth/authorize" {
		t.Errorf("AuthorizationURL() = %s", u)
	}
	if got := u.Query().Get("scope"); got != "user:email" {
		t.Errorf("scope = %q, want user:email", got)
	}
	if got := u.Query().Get("state"); got != "xyz" {
		t.Errorf("state = %q, want xyz", got)
	}
}

func TestProvider_ExchangeCode(t *testing.T) {
	server := newTestServer(t, "")
	defer server.Close()
	p := newTestProvider(t, server.URL)

	tok, err := p.ExchangeCode(context.Background(), "valid-code", "")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if tok.AccessToken != testAccessToken {
		t.Errorf("AccessToken = %q", tok.AccessToken)
	}
	if tok.RefreshToken != "" || tok.ExpiresIn != 0 {
		t.Errorf("GitHub tokens should not carry refresh/expiry: %+v", tok)
	}

	// GitHub reports a bad code with HTTP 200 and an error body.
	_, err = p.ExchangeCode(context.Background(), "expired-code", "")
	var exErr *providers.TokenExchangeError
	if !errors.As(err, &exErr) {
		t.Fatalf("ExchangeCode() error = %v, want *TokenExchangeError", err)
	}
	if exErr.ErrorCode != "bad_verification_code" {
		t.Errorf("ErrorCode = %q", exErr.ErrorCode)
	}
}

func TestProvider_FetchUserInfo_EmailFallback(t *testing.T) {
	server := newTestServer(t, "")
	defer server.Close()
	p := newTestProvider(t, server.URL)

	raw, err := p.FetchUserInfo(context.Background(), testAccessToken)
	if err != nil {
		t.Fatalf("FetchUserInfo() error = %v", err)
	}
	profile, err := p.ExtractProfile(raw)
	if err != nil {
		t.Fatalf("ExtractProfile() error = %v", err)
	}

	if profile.ExternalID != "42" {
		t.Errorf("ExternalID = %q, want 42", profile.ExternalID)
	}
	if profile.Email != "a@x.com" {
		t.Errorf("Email = %q, want primary verified a@x.com", profile.Email)
	}
}

func TestProvider_FetchUserInfo_PublicEmail(t *testing.T) {
	server := newTestServer(t, "public@x.com")
	defer server.Close()
	p := newTestProvider(t, server.URL)

	raw, err := p.FetchUserInfo(context.Background(), testAccessToken)
	if err != nil {
		t.Fatalf("FetchUserInfo() error = %v", err)
	}
	if got := raw.String("email"); got != "public@x.com" {
		t.Errorf("email = %q, want public@x.com", got)
	}
}

func TestProvider_FetchUserInfo_InvalidToken(t *testing.T) {
	server := newTestServer(t, "")
	defer server.Close()
	p := newTestProvider(t, server.URL)

	_, err := p.FetchUserInfo(context.Background(), "wrong")
	if !errors.Is(err, providers.ErrUserInfoFetch) {
		t.Errorf("FetchUserInfo() error = %v, want ErrUserInfoFetch", err)
	}
}

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		raw     providers.RawProfile
		want    providers.CanonicalProfile
		wantErr error
	}{
		{
			name: "full profile",
			raw: providers.RawProfile{
				"id": json.Number("42"), "login": "octo", "name": "Octo Cat", "email": "a@x.com",
				"avatar_url": "https://a/42", "blog": "https://b", "twitter_username": "tw",
			},
			want: providers.CanonicalProfile{
				Email: "a@x.com", DisplayName: "Octo Cat", ExternalID: "42", AvatarURL: "https://a/42",
				Username: "octo", Website: "https://b", GitHubUsername: "octo", TwitterUsername: "tw",
			},
		},
		{
			name: "name falls back to login",
			raw:  providers.RawProfile{"id": json.Number("7"), "login": "octo", "email": "a@x.com"},
			want: providers.CanonicalProfile{
				Email: "a@x.com", DisplayName: "octo", ExternalID: "7", Username: "octo", GitHubUsername: "octo",
			},
		},
		{
			name:    "missing email",
			raw:     providers.RawProfile{"id": json.Number("7"), "login": "octo"},
			wantErr: providers.ErrEmailNotProvided,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Extract(tt.raw)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Extract() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if *got != tt.want {
				t.Errorf("Extract() = %+v, want %+v", *got, tt.want)
			}
		})
	}
}

func TestProvider_RefreshToken(t *testing.T) {
	p, _ := NewProvider(&Config{ClientID: testClientID, ClientSecret: testClientSecret})
	if _, err := p.RefreshToken(context.Background(), "anything"); !errors.Is(err, providers.ErrRefreshUnsupported) {
		t.Errorf("RefreshToken() error = %v, want ErrRefreshUnsupported", err)
	}
}

func TestProvider_RevokeToken(t *testing.T) {
	server := newTestServer(t, "")
	defer server.Close()
	p := newTestProvider(t, server.URL)

	if err := p.RevokeToken(context.Background(), testAccessToken); err != nil {
		t.Errorf("RevokeToken() error = %v", err)
	}
	if err := p.RevokeToken(context.Background(), "unknown-token"); err == nil {
		t.Error("RevokeToken() expected error for unknown token")
	}
}
