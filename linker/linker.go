package linker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/giantswarm/oauth-identity/internal/util"
	"github.com/giantswarm/oauth-identity/providers"
	"github.com/giantswarm/oauth-identity/security"
	"github.com/giantswarm/oauth-identity/storage"
)

// DefaultLockTTL bounds how long an account link may hold its lock
const DefaultLockTTL = 10 * time.Second

// ErrMergeSameUser is returned when a user would be merged into itself
var ErrMergeSameUser = errors.New("cannot merge a user into itself")

// Config configures a Linker. Zero values select defaults.
type Config struct {
	// Locker serializes links of the same provider identity across
	// processes. Optional: the store's upsert is atomic on its own.
	Locker storage.Locker

	// LockTTL is the lock lease (default: 10 seconds)
	LockTTL time.Duration

	// Logger is the structured logger (default: slog.Default())
	Logger *slog.Logger

	// Now is the clock (default: time.Now)
	Now func() time.Time
}

// Linker maps provider identities to local users and stores their tokens
// encrypted.
type Linker struct {
	store   storage.IdentityStore
	cipher  storage.Cipher
	locker  storage.Locker
	lockTTL time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Linker over store. Every token is sealed with cipher.
func New(store storage.IdentityStore, cipher storage.Cipher, cfg Config) (*Linker, error) {
	if store == nil {
		return nil, fmt.Errorf("identity store is required")
	}
	if cipher == nil {
		return nil, fmt.Errorf("token cipher is required")
	}

	l := &Linker{
		store:   store,
		cipher:  cipher,
		locker:  cfg.Locker,
		lockTTL: cfg.LockTTL,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
	if l.lockTTL <= 0 {
		l.lockTTL = DefaultLockTTL
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.now == nil {
		l.now = time.Now
	}
	return l, nil
}

// ResolveOrCreateUser returns the user owning profile's email, matched
// case-insensitively, or creates a verified user with an empty profile.
// An existing user is returned unchanged.
func (l *Linker) ResolveOrCreateUser(ctx context.Context, profile *providers.CanonicalProfile) (*storage.User, bool, error) {
	if profile == nil || strings.TrimSpace(profile.Email) == "" {
		return nil, false, providers.ErrEmailNotProvided
	}

	user, created, err := l.store.GetOrCreateUser(ctx, &storage.User{
		Email:       strings.TrimSpace(profile.Email),
		Username:    DeriveUsername(profile),
		DisplayName: profile.DisplayName,
		IsVerified:  true,
	})
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve user: %w", err)
	}

	if created {
		l.logger.Debug("Created user",
			"user_id", user.ID,
			"email", util.RedactEmail(user.Email))
	}
	return user, created, nil
}

// DeriveUsername picks a default handle: the provider username, else the
// display name lower-cased with underscores, else the email local part.
func DeriveUsername(profile *providers.CanonicalProfile) string {
	if profile.Username != "" {
		return profile.Username
	}
	if h := providers.Handle(profile.DisplayName); h != "" {
		return h
	}
	local, _, _ := strings.Cut(profile.Email, "@")
	return strings.ToLower(local)
}

// LinkResult is the outcome of LinkIdentity
type LinkResult struct {
	User           *storage.User
	Account        *storage.OAuthAccount
	UserCreated    bool
	AccountCreated bool
}

// LinkIdentity resolves the local user for profile and links the provider
// account to it, holding the identity lock for the whole operation.
//
// When the provider identity already belongs to a user other than the one
// owning profile's email, it fails with storage.ErrAccountOwnershipConflict
// before any user is created. A user created here is removed again if the
// link fails, so a failed link leaves no user behind.
func (l *Linker) LinkIdentity(ctx context.Context, provider string, profile *providers.CanonicalProfile, tokens *providers.TokenSet) (*LinkResult, error) {
	if profile == nil || strings.TrimSpace(profile.Email) == "" {
		return nil, providers.ErrEmailNotProvided
	}
	if provider == "" || profile.ExternalID == "" {
		return nil, fmt.Errorf("provider and external id are required")
	}

	unlock, err := l.lock(ctx, provider, profile.ExternalID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if err := l.checkOwner(ctx, provider, profile); err != nil {
		return nil, err
	}

	user, userCreated, err := l.ResolveOrCreateUser(ctx, profile)
	if err != nil {
		return nil, err
	}

	acct, accountCreated, err := l.link(ctx, user, provider, profile.ExternalID, tokens)
	if err != nil {
		if userCreated {
			l.discardUser(ctx, user.ID)
		}
		return nil, err
	}

	return &LinkResult{
		User:           user,
		Account:        acct,
		UserCreated:    userCreated,
		AccountCreated: accountCreated,
	}, nil
}

// checkOwner fails with storage.ErrAccountOwnershipConflict when the
// provider identity is linked to a user that does not own profile's email
func (l *Linker) checkOwner(ctx context.Context, provider string, profile *providers.CanonicalProfile) error {
	existing, err := l.store.FindAccountByProviderID(ctx, provider, profile.ExternalID)
	switch {
	case errors.Is(err, storage.ErrAccountNotFound):
		return nil
	case err != nil:
		return fmt.Errorf("failed to look up account: %w", err)
	}

	owner, err := l.store.GetUserByEmail(ctx, profile.Email)
	switch {
	case errors.Is(err, storage.ErrUserNotFound):
	case err != nil:
		return fmt.Errorf("failed to resolve user: %w", err)
	case owner.ID == existing.UserID:
		return nil
	}

	l.logger.Warn("Provider account already linked to another user",
		"provider", provider,
		"owner_user_id", existing.UserID)
	return storage.ErrAccountOwnershipConflict
}

// discardUser removes a user created for a link that failed
func (l *Linker) discardUser(ctx context.Context, userID string) {
	if err := l.store.DeleteUser(context.WithoutCancel(ctx), userID); err != nil {
		l.logger.Error("Failed to remove user created for a failed link",
			"user_id", userID,
			"error", err)
		return
	}
	l.logger.Debug("Removed user created for a failed link", "user_id", userID)
}

// LinkAccount stores tokens for (provider, externalID) on user. It creates
// the account, updates it in place when user already owns it, or returns
// storage.ErrAccountOwnershipConflict when another user does. A token set
// without a refresh token keeps the one already stored.
func (l *Linker) LinkAccount(ctx context.Context, user *storage.User, provider, externalID string, tokens *providers.TokenSet) (*storage.OAuthAccount, bool, error) {
	if user == nil || user.ID == "" {
		return nil, false, fmt.Errorf("user is required")
	}
	if provider == "" || externalID == "" {
		return nil, false, fmt.Errorf("provider and external id are required")
	}

	unlock, err := l.lock(ctx, provider, externalID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	return l.link(ctx, user, provider, externalID, tokens)
}

// lock takes the per-identity lock when a Locker is configured
func (l *Linker) lock(ctx context.Context, provider, externalID string) (func(), error) {
	if l.locker == nil {
		return func() {}, nil
	}
	unlock, err := l.locker.Lock(ctx, storage.AccountLockKey(provider, externalID), l.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to lock account: %w", err)
	}
	return unlock, nil
}

// link seals tokens and upserts the account. The caller holds the lock.
func (l *Linker) link(ctx context.Context, user *storage.User, provider, externalID string, tokens *providers.TokenSet) (*storage.OAuthAccount, bool, error) {
	if tokens == nil {
		tokens = &providers.TokenSet{}
	}

	acct := &storage.OAuthAccount{
		UserID:            user.ID,
		Provider:          provider,
		ProviderAccountID: externalID,
		TokenType:         tokens.TokenType,
		Scope:             tokens.Scope,
		ExpiresAt:         security.ExpiresAt(l.now(), tokens.ExpiresIn),
	}
	if acct.TokenType == "" {
		acct.TokenType = storage.DefaultTokenType
	}
	if err := storage.SealTokens(acct, storage.PlainTokens{
		AccessToken:  tokens.AccessToken,
		RefreshToken: tokens.RefreshToken,
		IDToken:      tokens.IDToken,
	}, l.cipher); err != nil {
		return nil, false, err
	}

	if acct.RefreshToken == "" {
		existing, err := l.store.FindAccountByProviderID(ctx, provider, externalID)
		switch {
		case err == nil && existing.UserID == user.ID:
			acct.RefreshToken = existing.RefreshToken
		case err != nil && !errors.Is(err, storage.ErrAccountNotFound):
			return nil, false, fmt.Errorf("failed to look up account: %w", err)
		}
	}

	stored, created, err := l.store.UpsertAccount(ctx, acct)
	if err != nil {
		if errors.Is(err, storage.ErrAccountOwnershipConflict) {
			l.logger.Warn("Provider account already linked to another user",
				"provider", provider,
				"user_id", user.ID)
			return nil, false, err
		}
		return nil, false, fmt.Errorf("failed to link account: %w", err)
	}

	l.logger.Debug("Linked account",
		"provider", provider,
		"user_id", user.ID,
		"account_id", stored.ID,
		"created", created)
	return stored, created, nil
}

// ApplyProfile copies the optional profile fields profile carries onto the
// user's profile. User fields are never changed.
func (l *Linker) ApplyProfile(ctx context.Context, userID string, profile *providers.CanonicalProfile) error {
	if profile == nil {
		return nil
	}

	current, err := l.store.GetProfile(ctx, userID)
	switch {
	case errors.Is(err, storage.ErrProfileNotFound):
		current = &storage.UserProfile{UserID: userID}
	case err != nil:
		return fmt.Errorf("failed to load profile: %w", err)
	}

	changed := false
	set := func(dst *string, v string) {
		if v != "" && *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&current.AvatarURL, profile.AvatarURL)
	set(&current.Bio, profile.Bio)
	set(&current.Location, profile.Location)
	set(&current.Website, profile.Website)
	set(&current.GitHubUsername, profile.GitHubUsername)
	set(&current.TwitterUsername, profile.TwitterUsername)

	if !changed {
		return nil
	}
	if err := l.store.SaveProfile(ctx, current); err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// Merge folds duplicateID into primaryID: accounts move, the profile moves
// when the primary one is empty, and the duplicate user is deleted.
func (l *Linker) Merge(ctx context.Context, primaryID, duplicateID string) error {
	if primaryID == duplicateID {
		return ErrMergeSameUser
	}
	if err := l.store.MergeUsers(ctx, primaryID, duplicateID); err != nil {
		return fmt.Errorf("failed to merge users: %w", err)
	}

	l.logger.Info("Merged users",
		"primary_user_id", primaryID,
		"duplicate_user_id", duplicateID)
	return nil
}
