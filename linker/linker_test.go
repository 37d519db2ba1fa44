package linker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giantswarm/oauth-identity/internal/testutil"
	"github.com/giantswarm/oauth-identity/providers"
	"github.com/giantswarm/oauth-identity/security"
	"github.com/giantswarm/oauth-identity/storage"
	"github.com/giantswarm/oauth-identity/storage/memory"
	storagemock "github.com/giantswarm/oauth-identity/storage/mock"
)

type fixture struct {
	linker *Linker
	store  *memory.Store
	vault  *security.Vault
	clock  *testutil.MockTime
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)
	vault := testutil.NewTestVault(t)
	clock := testutil.NewMockTime(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	l, err := New(store, vault, Config{Locker: store, Now: clock.Now})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return &fixture{linker: l, store: store, vault: vault, clock: clock}
}

func TestNew_RequiresDependencies(t *testing.T) {
	store := memory.New()
	defer store.Stop()

	if _, err := New(nil, testutil.NewTestVault(t), Config{}); err == nil {
		t.Error("New() without store should fail")
	}
	if _, err := New(store, nil, Config{}); err == nil {
		t.Error("New() without cipher should fail")
	}
}

func TestDeriveUsername(t *testing.T) {
	tests := []struct {
		name    string
		profile providers.CanonicalProfile
		want    string
	}{
		{name: "provider handle", profile: providers.CanonicalProfile{Username: "octocat", DisplayName: "The Octocat"}, want: "octocat"},
		{name: "display name", profile: providers.CanonicalProfile{DisplayName: "Ada  Lovelace", Email: "a@x.com"}, want: "ada_lovelace"},
		{name: "email local part", profile: providers.CanonicalProfile{Email: "Ada.L@x.com"}, want: "ada.l"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveUsername(&tt.profile); got != tt.want {
				t.Errorf("DeriveUsername() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestResolveOrCreateUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	user, created, err := f.linker.ResolveOrCreateUser(ctx, &providers.CanonicalProfile{
		Email:       "a@x.com",
		DisplayName: "Ada",
		Username:    "ada",
		ExternalID:  "42",
	})
	if err != nil {
		t.Fatalf("ResolveOrCreateUser() error = %v", err)
	}
	if !created || !user.IsVerified || user.Username != "ada" {
		t.Errorf("unexpected new user: created=%v %+v", created, user)
	}

	if _, err := f.store.GetProfile(ctx, user.ID); err != nil {
		t.Errorf("new user should have an empty profile: %v", err)
	}

	again, created, err := f.linker.ResolveOrCreateUser(ctx, &providers.CanonicalProfile{
		Email:       "A@X.COM",
		DisplayName: "Someone Else",
	})
	if err != nil {
		t.Fatalf("ResolveOrCreateUser() error = %v", err)
	}
	if created || again.ID != user.ID {
		t.Errorf("expected existing user %s, got created=%v id=%s", user.ID, created, again.ID)
	}
	if again.DisplayName != "Ada" {
		t.Errorf("existing user was modified: DisplayName = %q", again.DisplayName)
	}

	if _, _, err := f.linker.ResolveOrCreateUser(ctx, &providers.CanonicalProfile{ExternalID: "1"}); !errors.Is(err, providers.ErrEmailNotProvided) {
		t.Errorf("error = %v, want ErrEmailNotProvided", err)
	}
}

func TestLinkAccount_CreateAndUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := mustUser(t, f, "a@x.com")

	acct, created, err := f.linker.LinkAccount(ctx, user, "github", "42", &providers.TokenSet{
		AccessToken:  "gho_first",
		RefreshToken: "ghr_first",
		Scope:        "user:email",
		ExpiresIn:    3600,
	})
	if err != nil {
		t.Fatalf("LinkAccount() error = %v", err)
	}
	if !created {
		t.Error("first link should create the account")
	}
	if strings.Contains(acct.AccessToken, "gho_first") || strings.Contains(acct.RefreshToken, "ghr_first") {
		t.Error("tokens stored in plaintext")
	}
	if acct.TokenType != storage.DefaultTokenType {
		t.Errorf("TokenType = %q, want %q", acct.TokenType, storage.DefaultTokenType)
	}
	wantExp := f.clock.Now().Add(time.Hour)
	if acct.ExpiresAt == nil || !acct.ExpiresAt.Equal(wantExp) {
		t.Errorf("ExpiresAt = %v, want %v", acct.ExpiresAt, wantExp)
	}

	plain, err := storage.OpenTokens(acct, f.vault)
	if err != nil {
		t.Fatalf("OpenTokens() error = %v", err)
	}
	if plain.AccessToken != "gho_first" {
		t.Errorf("AccessToken = %q, want gho_first", plain.AccessToken)
	}

	// Relink without a refresh token and without expiry.
	updated, created, err := f.linker.LinkAccount(ctx, user, "github", "42", &providers.TokenSet{AccessToken: "gho_second"})
	if err != nil {
		t.Fatalf("LinkAccount() error = %v", err)
	}
	if created || updated.ID != acct.ID {
		t.Errorf("relink should update account %s in place, got created=%v id=%s", acct.ID, created, updated.ID)
	}
	if updated.ExpiresAt != nil {
		t.Errorf("ExpiresAt = %v, want nil without expires_in", updated.ExpiresAt)
	}

	plain, err = storage.OpenTokens(updated, f.vault)
	if err != nil {
		t.Fatalf("OpenTokens() error = %v", err)
	}
	if plain.AccessToken != "gho_second" || plain.RefreshToken != "ghr_first" {
		t.Errorf("tokens after relink = %+v, want new access token and kept refresh token", plain)
	}

	accounts, _ := f.store.ListAccounts(ctx, user.ID)
	if len(accounts) != 1 {
		t.Errorf("user has %d accounts, want 1", len(accounts))
	}
}

func TestLinkAccount_OwnershipConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := mustUser(t, f, "a@x.com")
	other := mustUser(t, f, "b@x.com")

	first, _, err := f.linker.LinkAccount(ctx, owner, "github", "42", &providers.TokenSet{AccessToken: "owner-token"})
	if err != nil {
		t.Fatalf("LinkAccount() error = %v", err)
	}

	_, _, err = f.linker.LinkAccount(ctx, other, "github", "42", &providers.TokenSet{AccessToken: "intruder"})
	if !errors.Is(err, storage.ErrAccountOwnershipConflict) {
		t.Fatalf("error = %v, want ErrAccountOwnershipConflict", err)
	}

	stored, err := f.store.GetAccount(ctx, first.ID)
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	plain, _ := storage.OpenTokens(stored, f.vault)
	if stored.UserID != owner.ID || plain.AccessToken != "owner-token" {
		t.Error("conflicting link modified the existing account")
	}
}

func TestLinkIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	profile := &providers.CanonicalProfile{Email: "a@x.com", DisplayName: "Ada", ExternalID: "42"}

	first, err := f.linker.LinkIdentity(ctx, "github", profile, &providers.TokenSet{AccessToken: "gho_first"})
	if err != nil {
		t.Fatalf("LinkIdentity() error = %v", err)
	}
	if !first.UserCreated || !first.AccountCreated {
		t.Errorf("first link should create user and account, got %+v", first)
	}

	again, err := f.linker.LinkIdentity(ctx, "github", profile, &providers.TokenSet{AccessToken: "gho_second"})
	if err != nil {
		t.Fatalf("LinkIdentity() error = %v", err)
	}
	if again.UserCreated || again.AccountCreated {
		t.Errorf("relink should reuse user and account, got %+v", again)
	}
	if again.User.ID != first.User.ID || again.Account.ID != first.Account.ID {
		t.Error("relink resolved a different user or account")
	}

	if _, err := f.linker.LinkIdentity(ctx, "github", &providers.CanonicalProfile{ExternalID: "42"}, nil); !errors.Is(err, providers.ErrEmailNotProvided) {
		t.Errorf("error = %v, want ErrEmailNotProvided", err)
	}
}

func TestLinkIdentity_OwnershipConflict(t *testing.T) {
	tests := []struct {
		name  string
		email string
		setup func(t *testing.T, f *fixture)
	}{
		{
			name:  "new email",
			email: "new@x.com",
		},
		{
			name:  "email of another user",
			email: "b@x.com",
			setup: func(t *testing.T, f *fixture) { mustUser(t, f, "b@x.com") },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			ctx := context.Background()

			owner, err := f.linker.LinkIdentity(ctx, "github", &providers.CanonicalProfile{Email: "a@x.com", ExternalID: "42"},
				&providers.TokenSet{AccessToken: "owner-token"})
			if err != nil {
				t.Fatalf("LinkIdentity() error = %v", err)
			}
			if tt.setup != nil {
				tt.setup(t, f)
			}

			_, err = f.linker.LinkIdentity(ctx, "github", &providers.CanonicalProfile{Email: tt.email, ExternalID: "42"},
				&providers.TokenSet{AccessToken: "intruder"})
			if !errors.Is(err, storage.ErrAccountOwnershipConflict) {
				t.Fatalf("error = %v, want ErrAccountOwnershipConflict", err)
			}

			if tt.setup == nil {
				if _, err := f.store.GetUserByEmail(ctx, tt.email); !errors.Is(err, storage.ErrUserNotFound) {
					t.Errorf("GetUserByEmail() error = %v, want ErrUserNotFound", err)
				}
			}

			stored, err := f.store.GetAccount(ctx, owner.Account.ID)
			if err != nil {
				t.Fatalf("GetAccount() error = %v", err)
			}
			plain, _ := storage.OpenTokens(stored, f.vault)
			if stored.UserID != owner.User.ID || plain.AccessToken != "owner-token" {
				t.Error("conflicting link modified the existing account")
			}
		})
	}
}

func TestLinkIdentity_RemovesUserWhenLinkFails(t *testing.T) {
	store := memory.New()
	t.Cleanup(store.Stop)
	vault := testutil.NewTestVault(t)

	wrapped := storagemock.NewIdentityStore(store)
	wrapped.UpsertAccountFunc = func(ctx context.Context, acct *storage.OAuthAccount) (*storage.OAuthAccount, bool, error) {
		return nil, false, storage.ErrAccountOwnershipConflict
	}

	l, err := New(wrapped, vault, Config{Locker: store})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	_, err = l.LinkIdentity(ctx, "github", &providers.CanonicalProfile{Email: "a@x.com", ExternalID: "42"},
		&providers.TokenSet{AccessToken: "t"})
	if !errors.Is(err, storage.ErrAccountOwnershipConflict) {
		t.Fatalf("error = %v, want ErrAccountOwnershipConflict", err)
	}

	if got := wrapped.Calls("DeleteUser"); got != 1 {
		t.Errorf("DeleteUser calls = %d, want 1", got)
	}
	if _, err := store.GetUserByEmail(ctx, "a@x.com"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("GetUserByEmail() error = %v, want ErrUserNotFound", err)
	}
}

func TestLinkIdentity_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const workers = 10
	var (
		wg              sync.WaitGroup
		usersCreated    atomic.Int32
		accountsCreated atomic.Int32
		errs            = make(chan error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.linker.LinkIdentity(ctx, "github", &providers.CanonicalProfile{Email: "a@x.com", ExternalID: "42"},
				&providers.TokenSet{AccessToken: fmt.Sprintf("token-%d", i)})
			if err != nil {
				errs <- err
				return
			}
			if res.UserCreated {
				usersCreated.Add(1)
			}
			if res.AccountCreated {
				accountsCreated.Add(1)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("LinkIdentity() error = %v", err)
	}
	if got := usersCreated.Load(); got != 1 {
		t.Errorf("users created = %d, want 1", got)
	}
	if got := accountsCreated.Load(); got != 1 {
		t.Errorf("accounts created = %d, want 1", got)
	}

	user, err := f.store.GetUserByEmail(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	accounts, err := f.store.ListAccounts(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListAccounts() error = %v", err)
	}
	if len(accounts) != 1 {
		t.Errorf("user has %d accounts, want 1", len(accounts))
	}
}

func TestLinkAccount_Concurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := mustUser(t, f, "a@x.com")

	const workers = 10
	var (
		wg      sync.WaitGroup
		created atomic.Int32
		failed  atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := f.linker.LinkAccount(ctx, user, "github", "42", &providers.TokenSet{AccessToken: fmt.Sprintf("token-%d", i)})
			if err != nil {
				failed.Add(1)
				return
			}
			if ok {
				created.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := failed.Load(); got != 0 {
		t.Errorf("%d links failed", got)
	}
	if got := created.Load(); got != 1 {
		t.Errorf("accounts created = %d, want 1", got)
	}
}

func TestLinkAccount_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := mustUser(t, f, "a@x.com")

	if _, _, err := f.linker.LinkAccount(ctx, nil, "github", "42", nil); err == nil {
		t.Error("LinkAccount() without user should fail")
	}
	if _, _, err := f.linker.LinkAccount(ctx, user, "github", "", nil); err == nil {
		t.Error("LinkAccount() without external id should fail")
	}
	if _, _, err := f.linker.LinkAccount(ctx, &storage.User{ID: "ghost"}, "github", "1", nil); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("error = %v, want ErrUserNotFound", err)
	}
}

func TestApplyProfile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	user := mustUser(t, f, "a@x.com")

	err := f.linker.ApplyProfile(ctx, user.ID, &providers.CanonicalProfile{
		Email:          "changed@x.com",
		DisplayName:    "Changed",
		AvatarURL:      "https://avatars/1.png",
		GitHubUsername: "octocat",
		Location:       "Berlin",
	})
	if err != nil {
		t.Fatalf("ApplyProfile() error = %v", err)
	}

	p, err := f.store.GetProfile(ctx, user.ID)
	if err != nil {
		t.Fatalf("GetProfile() error = %v", err)
	}
	if p.AvatarURL != "https://avatars/1.png" || p.GitHubUsername != "octocat" || p.Location != "Berlin" {
		t.Errorf("profile not populated: %+v", p)
	}

	// Empty fields never erase stored values.
	if err := f.linker.ApplyProfile(ctx, user.ID, &providers.CanonicalProfile{Bio: "hello"}); err != nil {
		t.Fatalf("ApplyProfile() error = %v", err)
	}
	p, _ = f.store.GetProfile(ctx, user.ID)
	if p.AvatarURL == "" || p.Bio != "hello" {
		t.Errorf("profile after partial update: %+v", p)
	}

	u, _ := f.store.GetUser(ctx, user.ID)
	if u.Email != "a@x.com" || u.DisplayName != user.DisplayName {
		t.Error("ApplyProfile() changed user fields")
	}
}

func TestMerge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	primary := mustUser(t, f, "primary@x.com")
	dup := mustUser(t, f, "dup@x.com")

	if _, _, err := f.linker.LinkAccount(ctx, dup, "google", "g-1", &providers.TokenSet{AccessToken: "t"}); err != nil {
		t.Fatalf("LinkAccount() error = %v", err)
	}

	if err := f.linker.Merge(ctx, primary.ID, primary.ID); !errors.Is(err, ErrMergeSameUser) {
		t.Errorf("Merge(same) error = %v, want ErrMergeSameUser", err)
	}

	if err := f.linker.Merge(ctx, primary.ID, dup.ID); err != nil {
		t.Fatalf("Merge() error = %v", err)
	}

	acct, err := f.store.FindAccountByProviderID(ctx, "google", "g-1")
	if err != nil {
		t.Fatalf("FindAccountByProviderID() error = %v", err)
	}
	if acct.UserID != primary.ID {
		t.Errorf("account owner = %s, want %s", acct.UserID, primary.ID)
	}
	if _, err := f.store.GetUser(ctx, dup.ID); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("duplicate user still exists: %v", err)
	}
}

func mustUser(t *testing.T, f *fixture, email string) *storage.User {
	t.Helper()
	u, _, err := f.linker.ResolveOrCreateUser(context.Background(), &providers.CanonicalProfile{Email: email, DisplayName: "Test User"})
	if err != nil {
		t.Fatalf("ResolveOrCreateUser() error = %v", err)
	}
	return u
}
