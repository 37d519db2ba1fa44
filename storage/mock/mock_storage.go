// Package mock provides a fault-injecting storage wrapper for testing.
package mock

import (
	"context"
	"sync"

	"github.com/giantswarm/oauth-identity/storage"
)

// IdentityStore wraps a real IdentityStore. Any Func field that is set
// replaces the corresponding method; unset ones fall through to the
// wrapped store. Every overridable call is counted in CallCounts.
type IdentityStore struct {
	storage.IdentityStore

	mu         sync.Mutex
	callCounts map[string]int

	GetOrCreateUserFunc     func(ctx context.Context, candidate *storage.User) (*storage.User, bool, error)
	UpsertAccountFunc       func(ctx context.Context, acct *storage.OAuthAccount) (*storage.OAuthAccount, bool, error)
	UpdateAccountTokensFunc func(ctx context.Context, acct *storage.OAuthAccount) error
	DeleteAccountFunc       func(ctx context.Context, accountID string) error
	DeleteUserFunc          func(ctx context.Context, userID string) error
	SaveProfileFunc         func(ctx context.Context, profile *storage.UserProfile) error
}

// NewIdentityStore wraps inner
func NewIdentityStore(inner storage.IdentityStore) *IdentityStore {
	return &IdentityStore{
		IdentityStore: inner,
		callCounts:    make(map[string]int),
	}
}

// Calls returns how many times method was invoked
func (m *IdentityStore) Calls(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCounts[method]
}

func (m *IdentityStore) count(method string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callCounts[method]++
}

// GetOrCreateUser calls GetOrCreateUserFunc or the wrapped store
func (m *IdentityStore) GetOrCreateUser(ctx context.Context, candidate *storage.User) (*storage.User, bool, error) {
	m.count("GetOrCreateUser")
	if m.GetOrCreateUserFunc != nil {
		return m.GetOrCreateUserFunc(ctx, candidate)
	}
	return m.IdentityStore.GetOrCreateUser(ctx, candidate)
}

// UpsertAccount calls UpsertAccountFunc or the wrapped store
func (m *IdentityStore) UpsertAccount(ctx context.Context, acct *storage.OAuthAccount) (*storage.OAuthAccount, bool, error) {
	m.count("UpsertAccount")
	if m.UpsertAccountFunc != nil {
		return m.UpsertAccountFunc(ctx, acct)
	}
	return m.IdentityStore.UpsertAccount(ctx, acct)
}

// UpdateAccountTokens calls UpdateAccountTokensFunc or the wrapped store
func (m *IdentityStore) UpdateAccountTokens(ctx context.Context, acct *storage.OAuthAccount) error {
	m.count("UpdateAccountTokens")
	if m.UpdateAccountTokensFunc != nil {
		return m.UpdateAccountTokensFunc(ctx, acct)
	}
	return m.IdentityStore.UpdateAccountTokens(ctx, acct)
}

// DeleteAccount calls DeleteAccountFunc or the wrapped store
func (m *IdentityStore) DeleteAccount(ctx context.Context, accountID string) error {
	m.count("DeleteAccount")
	if m.DeleteAccountFunc != nil {
		return m.DeleteAccountFunc(ctx, accountID)
	}
	return m.IdentityStore.DeleteAccount(ctx, accountID)
}

// DeleteUser calls DeleteUserFunc or the wrapped store
func (m *IdentityStore) DeleteUser(ctx context.Context, userID string) error {
	m.count("DeleteUser")
	if m.DeleteUserFunc != nil {
		return m.DeleteUserFunc(ctx, userID)
	}
	return m.IdentityStore.DeleteUser(ctx, userID)
}

// SaveProfile calls SaveProfileFunc or the wrapped store
func (m *IdentityStore) SaveProfile(ctx context.Context, profile *storage.UserProfile) error {
	m.count("SaveProfile")
	if m.SaveProfileFunc != nil {
		return m.SaveProfileFunc(ctx, profile)
	}
	return m.IdentityStore.SaveProfile(ctx, profile)
}
