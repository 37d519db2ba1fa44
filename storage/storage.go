package storage

import (
	"context"
	"errors"
	"strings"
	"time"
)

// DefaultTokenType is stored when a provider omits token_type
const DefaultTokenType = "Bearer"

var (
	// ErrUserNotFound is returned when no user matches the lookup
	ErrUserNotFound = errors.New("user not found")

	// ErrAccountNotFound is returned when no OAuth account matches the lookup
	ErrAccountNotFound = errors.New("oauth account not found")

	// ErrAccountOwnershipConflict is returned when a provider account is
	// already linked to a different local user. The account is never reassigned.
	ErrAccountOwnershipConflict = errors.New("oauth account is linked to another user")

	// ErrAuthStateNotFound is returned when no pending state matches the
	// (provider, session) pair, when it expired, or when the presented hash does not match.
	ErrAuthStateNotFound = errors.New("authorization state not found")

	// ErrProfileNotFound is returned when a user has no profile
	ErrProfileNotFound = errors.New("user profile not found")

	// ErrLockNotAcquired is returned when a Locker could not obtain a lock before the context ended
	ErrLockNotAcquired = errors.New("lock not acquired")
)

// User is the local identity that provider accounts are linked to.
type User struct {
	ID          string
	Email       string
	Username    string
	DisplayName string
	// IsVerified is true once any provider vouched for the email address.
	IsVerified bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OAuthAccount is one provider identity linked to a User.
// Token fields hold vault ciphertext, never plaintext.
type OAuthAccount struct {
	ID                string
	UserID            string
	Provider          string
	ProviderAccountID string
	AccessToken       string
	RefreshToken      string
	IDToken           string
	TokenType         string
	Scope             string
	// ExpiresAt is nil when the provider did not report a lifetime.
	ExpiresAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// HasTokens reports whether any token field is populated
func (a *OAuthAccount) HasTokens() bool {
	return a.AccessToken != "" || a.RefreshToken != "" || a.IDToken != ""
}

// ClearTokens empties the token fields but keeps the row and its expiry
func (a *OAuthAccount) ClearTokens() {
	a.AccessToken = ""
	a.RefreshToken = ""
	a.IDToken = ""
}

// Clone returns a deep copy so callers never share the stored instance
func (a *OAuthAccount) Clone() *OAuthAccount {
	if a == nil {
		return nil
	}
	c := *a
	if a.ExpiresAt != nil {
		exp := *a.ExpiresAt
		c.ExpiresAt = &exp
	}
	return &c
}

// UserProfile holds presentation data derived from provider profiles.
// Every user has exactly one profile, created together with the user.
type UserProfile struct {
	UserID          string
	AvatarURL       string
	Bio             string
	Location        string
	Website         string
	GitHubUsername  string
	TwitterUsername string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// IsEmpty reports whether no profile field carries data
func (p *UserProfile) IsEmpty() bool {
	return p == nil || (p.AvatarURL == "" && p.Bio == "" && p.Location == "" &&
		p.Website == "" && p.GitHubUsername == "" && p.TwitterUsername == "")
}

// PendingAuthState is an issued login state awaiting its callback.
// Only the HMAC of the state value is stored.
type PendingAuthState struct {
	Provider  string
	SessionID string
	StateHash string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// UserStore persists local users.
// All methods accept context.Context for tracing and cancellation.
type UserStore interface {
	// GetOrCreateUser returns the user owning candidate.Email (compared via
	// NormalizeEmail) or creates one from candidate together with an empty
	// profile. The lookup and insert are atomic with respect to the email.
	GetOrCreateUser(ctx context.Context, candidate *User) (user *User, created bool, err error)

	// GetUser retrieves a user by ID
	GetUser(ctx context.Context, userID string) (*User, error)

	// GetUserByEmail retrieves a user by email, case-insensitively
	GetUserByEmail(ctx context.Context, email string) (*User, error)

	// DeleteUser removes the user, its profile and all of its accounts
	DeleteUser(ctx context.Context, userID string) error

	// MergeUsers moves every account of duplicateID to primaryID, migrates the
	// profile when the primary one is empty, and deletes the duplicate.
	// The whole operation is atomic.
	MergeUsers(ctx context.Context, primaryID, duplicateID string) error
}

// AccountStore persists provider accounts.
// All methods accept context.Context for tracing and cancellation.
type AccountStore interface {
	// UpsertAccount links acct by (Provider, ProviderAccountID). It creates
	// the row when absent, updates token fields in place when the row already
	// belongs to acct.UserID, and returns ErrAccountOwnershipConflict when it
	// belongs to another user. The three outcomes are decided atomically.
	UpsertAccount(ctx context.Context, acct *OAuthAccount) (stored *OAuthAccount, created bool, err error)

	// GetAccount retrieves an account by ID
	GetAccount(ctx context.Context, accountID string) (*OAuthAccount, error)

	// FindAccount retrieves the account a user has for a provider
	FindAccount(ctx context.Context, userID, provider string) (*OAuthAccount, error)

	// FindAccountByProviderID retrieves an account by its provider-side identity
	FindAccountByProviderID(ctx context.Context, provider, providerAccountID string) (*OAuthAccount, error)

	// ListAccounts lists a user's accounts ordered by provider
	ListAccounts(ctx context.Context, userID string) ([]*OAuthAccount, error)

	// UpdateAccountTokens overwrites the token fields, expiry, token type and
	// scope of the account identified by acct.ID
	UpdateAccountTokens(ctx context.Context, acct *OAuthAccount) error

	// DeleteAccount removes an account by ID
	DeleteAccount(ctx context.Context, accountID string) error

	// ClearExpiredTokens empties the token fields of every account whose
	// ExpiresAt is before now and that still holds tokens. Rows are kept.
	// It returns the number of accounts changed.
	ClearExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

// ProfileStore persists user profiles.
type ProfileStore interface {
	// GetProfile retrieves the profile of a user
	GetProfile(ctx context.Context, userID string) (*UserProfile, error)

	// SaveProfile creates or replaces the profile of profile.UserID
	SaveProfile(ctx context.Context, profile *UserProfile) error
}

// StateStore persists pending login states.
type StateStore interface {
	// SaveAuthState stores a pending state, replacing any previous state for
	// the same (provider, session) pair
	SaveAuthState(ctx context.Context, state *PendingAuthState) error

	// ConsumeAuthState atomically deletes the pending state for (provider,
	// sessionID) if its hash equals stateHash and it has not expired at now.
	// A mismatching hash leaves the pending state in place. Every failure is
	// reported as ErrAuthStateNotFound.
	ConsumeAuthState(ctx context.Context, provider, sessionID, stateHash string, now time.Time) error

	// DeleteExpiredAuthStates removes states that expired before now
	DeleteExpiredAuthStates(ctx context.Context, now time.Time) (int, error)
}

// Locker provides mutual exclusion across callers sharing the same backend.
type Locker interface {
	// Lock blocks until key is held or ctx ends. The lock expires after ttl
	// if never released. The returned function releases it.
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// IdentityStore groups the stores that hold users, accounts and profiles.
type IdentityStore interface {
	UserStore
	AccountStore
	ProfileStore
}

// NormalizeEmail is the comparison form of an email address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// AccountLockKey is the Locker key scoped to one provider identity
func AccountLockKey(provider, providerAccountID string) string {
	return "account:" + provider + ":" + providerAccountID
}

// RefreshLockKey is the Locker key serializing refreshes of one account
func RefreshLockKey(accountID string) string {
	return "refresh:" + accountID
}
