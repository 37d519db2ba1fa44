// Package mock provides a mock implementation of the Provider interface for testing.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/giantswarm/oauth-identity/providers"
)

// MockProvider is a mock implementation of the Provider interface for testing.
// Each method delegates to the matching Func field.
type MockProvider struct {
	ProviderName string
	Refreshable  bool

	AuthorizationURLFunc func(state, redirectURI string) string
	ExchangeCodeFunc     func(ctx context.Context, code, redirectURI string) (*providers.TokenSet, error)
	FetchUserInfoFunc    func(ctx context.Context, accessToken string) (providers.RawProfile, error)
	ExtractProfileFunc   func(raw providers.RawProfile) (*providers.CanonicalProfile, error)
	RefreshTokenFunc     func(ctx context.Context, refreshToken string) (*providers.TokenSet, error)
	RevokeTokenFunc      func(ctx context.Context, token string) error

	// CallCounts tracks how many times each method was called
	CallCounts map[string]int

	// mu protects CallCounts from concurrent access
	mu sync.RWMutex
}

// Compile-time check that MockProvider implements the providers.Provider interface.
var _ providers.Provider = (*MockProvider)(nil)

// NewMockProvider creates a mock provider named name with default
// implementations that succeed for a single fixed user.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		ProviderName: name,
		Refreshable:  true,
		CallCounts:   make(map[string]int),
		AuthorizationURLFunc: func(state, redirectURI string) string {
			return fmt.Sprintf("https://%s.example.com/authorize?state=%s&redirect_uri=%s", name, state, redirectURI)
		},
		ExchangeCodeFunc: func(ctx context.Context, code, redirectURI string) (*providers.TokenSet, error) {
			return &providers.TokenSet{
				AccessToken:  "mock-access-token",
				RefreshToken: "mock-refresh-token",
				TokenType:    "Bearer",
				ExpiresIn:    3600,
			}, nil
		},
		FetchUserInfoFunc: func(ctx context.Context, accessToken string) (providers.RawProfile, error) {
			return providers.RawProfile{
				"id":    "mock-user-123",
				"email": "mock@example.com",
				"name":  "Mock User",
			}, nil
		},
		ExtractProfileFunc: func(raw providers.RawProfile) (*providers.CanonicalProfile, error) {
			return providers.RequireIdentity(&providers.CanonicalProfile{
				Email:       raw.String("email"),
				DisplayName: raw.String("name"),
				ExternalID:  raw.String("id"),
				AvatarURL:   raw.String("avatar"),
				Username:    providers.Handle(raw.String("name")),
			})
		},
		RefreshTokenFunc: func(ctx context.Context, refreshToken string) (*providers.TokenSet, error) {
			return &providers.TokenSet{
				AccessToken: "new-mock-access-token",
				TokenType:   "Bearer",
				ExpiresIn:   3600,
			}, nil
		},
		RevokeTokenFunc: func(ctx context.Context, token string) error {
			return nil
		},
	}
}

func (m *MockProvider) record(method string) {
	// LOCK PATTERN: lock only to update the counter; user functions run
	// without the lock because they may call other mock methods.
	m.mu.Lock()
	if m.CallCounts == nil {
		m.CallCounts = make(map[string]int)
	}
	m.CallCounts[method]++
	m.mu.Unlock()
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	if m.ProviderName == "" {
		return "mock"
	}
	return m.ProviderName
}

// SupportsRefresh reports the Refreshable field
func (m *MockProvider) SupportsRefresh() bool {
	return m.Refreshable
}

// AuthorizationURL delegates to AuthorizationURLFunc
func (m *MockProvider) AuthorizationURL(state, redirectURI string) string {
	m.record("AuthorizationURL")
	if m.AuthorizationURLFunc == nil {
		return "https://mock.example.com/authorize?state=" + state
	}
	return m.AuthorizationURLFunc(state, redirectURI)
}

// ExchangeCode delegates to ExchangeCodeFunc
func (m *MockProvider) ExchangeCode(ctx context.Context, code, redirectURI string) (*providers.TokenSet, error) {
	m.record("ExchangeCode")
	if m.ExchangeCodeFunc == nil {
		return nil, fmt.Errorf("ExchangeCodeFunc not configured")
	}
	return m.ExchangeCodeFunc(ctx, code, redirectURI)
}

// FetchUserInfo delegates to FetchUserInfoFunc
func (m *MockProvider) FetchUserInfo(ctx context.Context, accessToken string) (providers.RawProfile, error) {
	m.record("FetchUserInfo")
	if m.FetchUserInfoFunc == nil {
		return nil, fmt.Errorf("FetchUserInfoFunc not configured")
	}
	return m.FetchUserInfoFunc(ctx, accessToken)
}

// ExtractProfile delegates to ExtractProfileFunc
func (m *MockProvider) ExtractProfile(raw providers.RawProfile) (*providers.CanonicalProfile, error) {
	m.record("ExtractProfile")
	if m.ExtractProfileFunc == nil {
		return nil, fmt.Errorf("ExtractProfileFunc not configured")
	}
	return m.ExtractProfileFunc(raw)
}

// RefreshToken returns providers.ErrRefreshUnsupported when Refreshable is
// false, otherwise delegates to RefreshTokenFunc
func (m *MockProvider) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenSet, error) {
	m.record("RefreshToken")
	if !m.Refreshable {
		return nil, providers.ErrRefreshUnsupported
	}
	if m.RefreshTokenFunc == nil {
		return nil, fmt.Errorf("RefreshTokenFunc not configured")
	}
	return m.RefreshTokenFunc(ctx, refreshToken)
}

// RevokeToken delegates to RevokeTokenFunc
func (m *MockProvider) RevokeToken(ctx context.Context, token string) error {
	m.record("RevokeToken")
	if m.RevokeTokenFunc == nil {
		return providers.ErrRevocationUnsupported
	}
	return m.RevokeTokenFunc(ctx, token)
}

// ResetCallCounts resets all call counters
func (m *MockProvider) ResetCallCounts() {
	m.mu.Lock()
	m.CallCounts = make(map[string]int)
	m.mu.Unlock()
}

// GetCallCount returns the number of times a method was called
func (m *MockProvider) GetCallCount(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.CallCounts[method]
}
