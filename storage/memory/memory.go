package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-identity/instrumentation"
	"github.com/giantswarm/oauth-identity/security"
	"github.com/giantswarm/oauth-identity/storage"
)

// Store is an in-memory implementation of all storage interfaces.
// It implements UserStore, AccountStore, ProfileStore, StateStore and Locker.
type Store struct {
	mu sync.RWMutex

	users        map[string]*storage.User
	usersByEmail map[string]string // normalized email -> user ID

	accounts           map[string]*storage.OAuthAccount
	accountsByProvider map[string]string // provider + provider account id -> account ID

	profiles map[string]*storage.UserProfile // user ID -> profile

	states map[string]*storage.PendingAuthState // provider + session -> state

	// Locker
	lockMu sync.Mutex
	locks  map[string]*lockEntry

	// Instrumentation
	instrumentation *instrumentation.Instrumentation
	tracer          trace.Tracer

	// Atomic counters for metrics (lock-free access during metric collection)
	usersCountAtomic    atomic.Int64
	accountsCountAtomic atomic.Int64
	statesCountAtomic   atomic.Int64

	// Cleanup
	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
	now             func() time.Time
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// Compile-time interface checks to ensure Store implements all storage interfaces
var (
	_ storage.UserStore     = (*Store)(nil)
	_ storage.AccountStore  = (*Store)(nil)
	_ storage.ProfileStore  = (*Store)(nil)
	_ storage.StateStore    = (*Store)(nil)
	_ storage.Locker        = (*Store)(nil)
	_ storage.IdentityStore = (*Store)(nil)
)

// New creates a new in-memory store with default cleanup interval (1 minute)
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with custom cleanup interval.
// If cleanupInterval is 0 or negative, uses default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		users:              make(map[string]*storage.User),
		usersByEmail:       make(map[string]string),
		accounts:           make(map[string]*storage.OAuthAccount),
		accountsByProvider: make(map[string]string),
		profiles:           make(map[string]*storage.UserProfile),
		states:             make(map[string]*storage.PendingAuthState),
		locks:              make(map[string]*lockEntry),
		cleanupInterval:    cleanupInterval,
		stopCleanup:        make(chan struct{}),
		logger:             slog.Default(),
		now:                time.Now,
	}

	// Start background cleanup of expired pending states
	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if logger != nil {
		s.logger = logger
	}
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.instrumentation = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}

	s.usersCountAtomic.Store(int64(len(s.users)))
	s.accountsCountAtomic.Store(int64(len(s.accounts)))
	s.statesCountAtomic.Store(int64(len(s.states)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.usersCountAtomic.Load() },
			func() int64 { return s.accountsCountAtomic.Load() },
			func() int64 { return s.statesCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop stops the background cleanup goroutine. Safe to call more than once.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// UserStore Implementation
// ============================================================

// GetOrCreateUser returns the user owning candidate's normalized email or creates it
func (s *Store) GetOrCreateUser(ctx context.Context, candidate *storage.User) (*storage.User, bool, error) {
	ctx, span := s.startStorageSpan(ctx, "get_or_create_user")
	defer span.End()
	startTime := time.Now()

	user, created, err := s.getOrCreateUser(candidate)

	s.recordStorageOperation(ctx, span, "get_or_create_user", err, startTime)
	return user, created, err
}

func (s *Store) getOrCreateUser(candidate *storage.User) (*storage.User, bool, error) {
	if candidate == nil {
		return nil, false, fmt.Errorf("user cannot be nil")
	}
	key := storage.NormalizeEmail(candidate.Email)
	if key == "" {
		return nil, false, fmt.Errorf("user email cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.usersByEmail[key]; ok {
		u := *s.users[id]
		return &u, false, nil
	}

	now := s.now()
	u := *candidate
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	u.CreatedAt = now
	u.UpdatedAt = now

	s.users[u.ID] = &u
	s.usersByEmail[key] = u.ID
	s.profiles[u.ID] = &storage.UserProfile{UserID: u.ID, CreatedAt: now, UpdatedAt: now}
	s.usersCountAtomic.Add(1)

	out := u
	return &out, true, nil
}

// GetUser retrieves a user by ID
func (s *Store) GetUser(ctx context.Context, userID string) (*storage.User, error) {
	ctx, span := s.startStorageSpan(ctx, "get_user")
	defer span.End()
	startTime := time.Now()

	s.mu.RLock()
	u, ok := s.users[userID]
	var out storage.User
	if ok {
		out = *u
	}
	s.mu.RUnlock()

	var err error
	if !ok {
		err = storage.ErrUserNotFound
	}
	s.recordStorageOperation(ctx, span, "get_user", err, startTime)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetUserByEmail retrieves a user by email, case-insensitively
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*storage.User, error) {
	ctx, span := s.startStorageSpan(ctx, "get_user_by_email")
	defer span.End()
	startTime := time.Now()

	s.mu.RLock()
	id, ok := s.usersByEmail[storage.NormalizeEmail(email)]
	var out storage.User
	if ok {
		out = *s.users[id]
	}
	s.mu.RUnlock()

	var err error
	if !ok {
		err = storage.ErrUserNotFound
	}
	s.recordStorageOperation(ctx, span, "get_user_by_email", err, startTime)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteUser removes the user, its profile and all of its accounts
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_user")
	defer span.End()
	startTime := time.Now()

	err := s.deleteUser(userID)

	s.recordStorageOperation(ctx, span, "delete_user", err, startTime)
	return err
}

func (s *Store) deleteUser(userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}

	for id, acct := range s.accounts {
		if acct.UserID == userID {
			s.removeAccountLocked(id)
		}
	}
	delete(s.profiles, userID)
	delete(s.usersByEmail, storage.NormalizeEmail(u.Email))
	delete(s.users, userID)
	s.usersCountAtomic.Add(-1)
	return nil
}

// MergeUsers moves the duplicate's accounts to the primary user and deletes the duplicate
func (s *Store) MergeUsers(ctx context.Context, primaryID, duplicateID string) error {
	ctx, span := s.startStorageSpan(ctx, "merge_users")
	defer span.End()
	startTime := time.Now()

	err := s.mergeUsers(primaryID, duplicateID)

	s.recordStorageOperation(ctx, span, "merge_users", err, startTime)
	return err
}

func (s *Store) mergeUsers(primaryID, duplicateID string) error {
	if primaryID == duplicateID {
		return fmt.Errorf("cannot merge a user into itself")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[primaryID]; !ok {
		return storage.ErrUserNotFound
	}
	dup, ok := s.users[duplicateID]
	if !ok {
		return storage.ErrUserNotFound
	}

	now := s.now()
	for _, acct := range s.accounts {
		if acct.UserID == duplicateID {
			acct.UserID = primaryID
			acct.UpdatedAt = now
		}
	}

	if s.profiles[primaryID].IsEmpty() && !s.profiles[duplicateID].IsEmpty() {
		p := *s.profiles[duplicateID]
		p.UserID = primaryID
		p.UpdatedAt = now
		if existing := s.profiles[primaryID]; existing != nil {
			p.CreatedAt = existing.CreatedAt
		}
		s.profiles[primaryID] = &p
	}

	delete(s.profiles, duplicateID)
	delete(s.usersByEmail, storage.NormalizeEmail(dup.Email))
	delete(s.users, duplicateID)
	s.usersCountAtomic.Add(-1)
	return nil
}

// ============================================================
// AccountStore Implementation
// ============================================================

// UpsertAccount links acct by its provider identity
func (s *Store) UpsertAccount(ctx context.Context, acct *storage.OAuthAccount) (*storage.OAuthAccount, bool, error) {
	ctx, span := s.startStorageSpan(ctx, "upsert_account")
	defer span.End()
	startTime := time.Now()

	stored, created, err := s.upsertAccount(acct)

	s.recordStorageOperation(ctx, span, "upsert_account", err, startTime)
	return stored, created, err
}

func (s *Store) upsertAccount(acct *storage.OAuthAccount) (*storage.OAuthAccount, bool, error) {
	if acct == nil {
		return nil, false, fmt.Errorf("account cannot be nil")
	}
	if acct.Provider == "" || acct.ProviderAccountID == "" {
		return nil, false, fmt.Errorf("account provider and provider account id are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[acct.UserID]; !ok {
		return nil, false, storage.ErrUserNotFound
	}

	now := s.now()
	key := providerKey(acct.Provider, acct.ProviderAccountID)

	if id, ok := s.accountsByProvider[key]; ok {
		existing := s.accounts[id]
		if existing.UserID != acct.UserID {
			return nil, false, storage.ErrAccountOwnershipConflict
		}
		copyTokenFields(existing, acct)
		existing.UpdatedAt = now
		return existing.Clone(), false, nil
	}

	c := acct.Clone()
	c.ID = uuid.NewString()
	if c.TokenType == "" {
		c.TokenType = storage.DefaultTokenType
	}
	c.CreatedAt = now
	c.UpdatedAt = now
	s.accounts[c.ID] = c
	s.accountsByProvider[key] = c.ID
	s.accountsCountAtomic.Add(1)
	return c.Clone(), true, nil
}

// GetAccount retrieves an account by ID
func (s *Store) GetAccount(ctx context.Context, accountID string) (*storage.OAuthAccount, error) {
	ctx, span := s.startStorageSpan(ctx, "get_account")
	defer span.End()
	startTime := time.Now()

	s.mu.RLock()
	acct := s.accounts[accountID].Clone()
	s.mu.RUnlock()

	var err error
	if acct == nil {
		err = storage.ErrAccountNotFound
	}
	s.recordStorageOperation(ctx, span, "get_account", err, startTime)
	return acct, err
}

// FindAccount retrieves the account a user has for a provider
func (s *Store) FindAccount(ctx context.Context, userID, provider string) (*storage.OAuthAccount, error) {
	ctx, span := s.startStorageSpan(ctx, "find_account")
	defer span.End()
	startTime := time.Now()

	var found *storage.OAuthAccount
	s.mu.RLock()
	for _, acct := range s.accounts {
		if acct.UserID == userID && acct.Provider == provider {
			// oldest wins when a user linked two identities of one provider
			if found == nil || acct.CreatedAt.Before(found.CreatedAt) {
				found = acct
			}
		}
	}
	found = found.Clone()
	s.mu.RUnlock()

	var err error
	if found == nil {
		err = storage.ErrAccountNotFound
	}
	s.recordStorageOperation(ctx, span, "find_account", err, startTime)
	return found, err
}

// FindAccountByProviderID retrieves an account by its provider-side identity
func (s *Store) FindAccountByProviderID(ctx context.Context, provider, providerAccountID string) (*storage.OAuthAccount, error) {
	ctx, span := s.startStorageSpan(ctx, "find_account_by_provider_id")
	defer span.End()
	startTime := time.Now()

	s.mu.RLock()
	var acct *storage.OAuthAccount
	if id, ok := s.accountsByProvider[providerKey(provider, providerAccountID)]; ok {
		acct = s.accounts[id].Clone()
	}
	s.mu.RUnlock()

	var err error
	if acct == nil {
		err = storage.ErrAccountNotFound
	}
	s.recordStorageOperation(ctx, span, "find_account_by_provider_id", err, startTime)
	return acct, err
}

// ListAccounts lists a user's accounts ordered by provider
func (s *Store) ListAccounts(ctx context.Context, userID string) ([]*storage.OAuthAccount, error) {
	ctx, span := s.startStorageSpan(ctx, "list_accounts")
	defer span.End()
	startTime := time.Now()

	s.mu.RLock()
	out := make([]*storage.OAuthAccount, 0, 2)
	for _, acct := range s.accounts {
		if acct.UserID == userID {
			out = append(out, acct.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})

	s.recordStorageOperation(ctx, span, "list_accounts", nil, startTime)
	return out, nil
}

// UpdateAccountTokens overwrites the token fields of acct.ID
func (s *Store) UpdateAccountTokens(ctx context.Context, acct *storage.OAuthAccount) error {
	ctx, span := s.startStorageSpan(ctx, "update_account_tokens")
	defer span.End()
	startTime := time.Now()

	var err error
	s.mu.Lock()
	existing, ok := s.accounts[acct.ID]
	if ok {
		copyTokenFields(existing, acct)
		existing.UpdatedAt = s.now()
	} else {
		err = storage.ErrAccountNotFound
	}
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "update_account_tokens", err, startTime)
	return err
}

// DeleteAccount removes an account by ID
func (s *Store) DeleteAccount(ctx context.Context, accountID string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_account")
	defer span.End()
	startTime := time.Now()

	var err error
	s.mu.Lock()
	if _, ok := s.accounts[accountID]; ok {
		s.removeAccountLocked(accountID)
	} else {
		err = storage.ErrAccountNotFound
	}
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "delete_account", err, startTime)
	return err
}

// ClearExpiredTokens empties token fields of accounts that expired before now
func (s *Store) ClearExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "clear_expired_tokens")
	defer span.End()
	startTime := time.Now()

	cleared := 0
	s.mu.Lock()
	for _, acct := range s.accounts {
		if acct.ExpiresAt != nil && acct.ExpiresAt.Before(now) && acct.HasTokens() {
			acct.ClearTokens()
			acct.UpdatedAt = s.now()
			cleared++
		}
	}
	s.mu.Unlock()

	span.SetAttributes(attribute.Int("cleared", cleared))
	s.recordStorageOperation(ctx, span, "clear_expired_tokens", nil, startTime)
	return cleared, nil
}

// removeAccountLocked deletes an account and its index entry. Caller holds s.mu.
func (s *Store) removeAccountLocked(accountID string) {
	acct := s.accounts[accountID]
	delete(s.accountsByProvider, providerKey(acct.Provider, acct.ProviderAccountID))
	delete(s.accounts, accountID)
	s.accountsCountAtomic.Add(-1)
}

func copyTokenFields(dst, src *storage.OAuthAccount) {
	dst.AccessToken = src.AccessToken
	dst.RefreshToken = src.RefreshToken
	dst.IDToken = src.IDToken
	dst.TokenType = src.TokenType
	if dst.TokenType == "" {
		dst.TokenType = storage.DefaultTokenType
	}
	dst.Scope = src.Scope
	dst.ExpiresAt = nil
	if src.ExpiresAt != nil {
		exp := *src.ExpiresAt
		dst.ExpiresAt = &exp
	}
}

func providerKey(provider, providerAccountID string) string {
	return provider + "\x00" + providerAccountID
}

// ============================================================
// ProfileStore Implementation
// ============================================================

// GetProfile retrieves the profile of a user
func (s *Store) GetProfile(ctx context.Context, userID string) (*storage.UserProfile, error) {
	ctx, span := s.startStorageSpan(ctx, "get_profile")
	defer span.End()
	startTime := time.Now()

	s.mu.RLock()
	p, ok := s.profiles[userID]
	var out storage.UserProfile
	if ok {
		out = *p
	}
	s.mu.RUnlock()

	var err error
	if !ok {
		err = storage.ErrProfileNotFound
	}
	s.recordStorageOperation(ctx, span, "get_profile", err, startTime)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// SaveProfile creates or replaces the profile of profile.UserID
func (s *Store) SaveProfile(ctx context.Context, profile *storage.UserProfile) error {
	ctx, span := s.startStorageSpan(ctx, "save_profile")
	defer span.End()
	startTime := time.Now()

	var err error
	s.mu.Lock()
	if _, ok := s.users[profile.UserID]; !ok {
		err = storage.ErrUserNotFound
	} else {
		p := *profile
		now := s.now()
		if existing, ok := s.profiles[p.UserID]; ok {
			p.CreatedAt = existing.CreatedAt
		} else {
			p.CreatedAt = now
		}
		p.UpdatedAt = now
		s.profiles[p.UserID] = &p
	}
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "save_profile", err, startTime)
	return err
}

// ============================================================
// StateStore Implementation
// ============================================================

// SaveAuthState stores a pending state, replacing the previous one for the same session
func (s *Store) SaveAuthState(ctx context.Context, state *storage.PendingAuthState) error {
	ctx, span := s.startStorageSpan(ctx, "save_auth_state")
	defer span.End()
	startTime := time.Now()

	var err error
	if state == nil || state.Provider == "" || state.SessionID == "" || state.StateHash == "" {
		err = fmt.Errorf("pending state requires provider, session and hash")
	} else {
		st := *state
		key := providerKey(st.Provider, st.SessionID)
		s.mu.Lock()
		if _, exists := s.states[key]; !exists {
			s.statesCountAtomic.Add(1)
		}
		s.states[key] = &st
		s.mu.Unlock()
	}

	s.recordStorageOperation(ctx, span, "save_auth_state", err, startTime)
	return err
}

// ConsumeAuthState deletes the pending state if the hash matches and it has not expired
func (s *Store) ConsumeAuthState(ctx context.Context, provider, sessionID, stateHash string, now time.Time) error {
	ctx, span := s.startStorageSpan(ctx, "consume_auth_state")
	defer span.End()
	startTime := time.Now()

	err := s.consumeAuthState(provider, sessionID, stateHash, now)

	s.recordStorageOperation(ctx, span, "consume_auth_state", err, startTime)
	return err
}

func (s *Store) consumeAuthState(provider, sessionID, stateHash string, now time.Time) error {
	key := providerKey(provider, sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.states[key]
	if !ok {
		return storage.ErrAuthStateNotFound
	}
	if !now.Before(st.ExpiresAt) {
		delete(s.states, key)
		s.statesCountAtomic.Add(-1)
		return storage.ErrAuthStateNotFound
	}
	if !security.Equal(st.StateHash, stateHash) {
		return storage.ErrAuthStateNotFound
	}

	delete(s.states, key)
	s.statesCountAtomic.Add(-1)
	return nil
}

// DeleteExpiredAuthStates removes states that expired before now
func (s *Store) DeleteExpiredAuthStates(ctx context.Context, now time.Time) (int, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_expired_auth_states")
	defer span.End()
	startTime := time.Now()

	s.mu.Lock()
	removed := s.deleteExpiredStatesLocked(now)
	s.mu.Unlock()

	s.recordStorageOperation(ctx, span, "delete_expired_auth_states", nil, startTime)
	return removed, nil
}

func (s *Store) deleteExpiredStatesLocked(now time.Time) int {
	removed := 0
	for key, st := range s.states {
		if !now.Before(st.ExpiresAt) {
			delete(s.states, key)
			removed++
		}
	}
	s.statesCountAtomic.Add(int64(-removed))
	return removed
}

// ============================================================
// Locker Implementation
// ============================================================

// Lock acquires an in-process lock for key. The ttl is not enforced since
// the lock cannot outlive the process that holds it.
func (s *Store) Lock(ctx context.Context, key string, _ time.Duration) (func(), error) {
	s.lockMu.Lock()
	e, ok := s.locks[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		s.locks[key] = e
	}
	e.refs++
	s.lockMu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		s.releaseLockRef(key, e)
		return nil, fmt.Errorf("%w: %s: %w", storage.ErrLockNotAcquired, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			s.releaseLockRef(key, e)
		})
	}, nil
}

func (s *Store) releaseLockRef(key string, e *lockEntry) {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(s.locks, key)
	}
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *Store) cleanup() {
	s.mu.Lock()
	removed := s.deleteExpiredStatesLocked(s.now())
	logger := s.logger
	s.mu.Unlock()

	if removed > 0 {
		logger.Debug("Cleaned up expired pending states", "count", removed)
	}
}

// ============================================================
// Instrumentation helpers
// ============================================================

// startStorageSpan starts a new span for a storage operation
func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	ctx, span := s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
		))

	return ctx, span
}

// recordStorageOperation records metrics for a storage operation and sets span status
func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.instrumentation == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Microseconds()) / 1000
	result := "success"
	if err != nil {
		result = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}

	s.instrumentation.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
