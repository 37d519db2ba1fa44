package testutil

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-identity/security"
	"github.com/giantswarm/oauth-identity/storage"
)

// MockTime provides a controllable, goroutine-safe time source for deterministic testing
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Set sets the mock time to a specific value
func (m *MockTime) Set(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// NewMockHTTPServer creates a test HTTP server closed when the test ends
func NewMockHTTPServer(t *testing.T, handler http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

// NewTestVault creates a vault with a fresh random key
func NewTestVault(t *testing.T) *security.Vault {
	t.Helper()
	key, err := security.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	v, err := security.NewVault(key)
	if err != nil {
		t.Fatalf("NewVault() error = %v", err)
	}
	return v
}

// GenerateRandomString generates a random URL-safe string of n bytes of entropy
func GenerateRandomString(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}

// GenerateTestUser creates a user candidate for the given email
func GenerateTestUser(email string) *storage.User {
	return &storage.User{
		Email:       email,
		Username:    "test_user",
		DisplayName: "Test User",
		IsVerified:  true,
	}
}

// GenerateTestAccount creates an account with opaque token values that expires in ttl.
// A zero ttl leaves ExpiresAt nil.
func GenerateTestAccount(userID, provider, providerAccountID string, ttl time.Duration) *storage.OAuthAccount {
	acct := &storage.OAuthAccount{
		UserID:            userID,
		Provider:          provider,
		ProviderAccountID: providerAccountID,
		AccessToken:       "at-" + GenerateRandomString(16),
		RefreshToken:      "rt-" + GenerateRandomString(16),
		TokenType:         storage.DefaultTokenType,
	}
	if ttl != 0 {
		exp := time.Now().Add(ttl)
		acct.ExpiresAt = &exp
	}
	return acct
}
