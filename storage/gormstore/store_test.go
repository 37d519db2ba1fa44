package gormstore

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-identity/internal/testutil"
	"github.com/giantswarm/oauth-identity/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", testutil.GenerateRandomString(8))
	db, err := Open(DriverSQLite, dsn, nil)
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, AutoMigrate(db))
	return New(db)
}

func mustCreateUser(t *testing.T, s *Store, email string) *storage.User {
	t.Helper()
	u, created, err := s.GetOrCreateUser(context.Background(), testutil.GenerateTestUser(email))
	require.NoError(t, err)
	require.True(t, created, "expected %q to be created", email)
	return u
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open("oracle", "dsn", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestStore_GetOrCreateUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, s, "Ada@Example.com")
	assert.NotEmpty(t, u.ID)
	assert.Equal(t, "Ada@Example.com", u.Email)

	again, created, err := s.GetOrCreateUser(ctx, testutil.GenerateTestUser(" ada@example.COM"))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, u.ID, again.ID)

	profile, err := s.GetProfile(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, profile.IsEmpty())

	byEmail, err := s.GetUserByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, u.ID, byEmail.ID)

	_, _, err = s.GetOrCreateUser(ctx, &storage.User{Email: "  "})
	assert.Error(t, err)
}

func TestStore_GetOrCreateUser_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var (
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u, c, err := s.GetOrCreateUser(ctx, testutil.GenerateTestUser("race@x.com"))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[u.ID] = true
			if c {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)
}

func TestStore_DeleteUser_Cascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, s, "a@x.com")
	_, _, err := s.UpsertAccount(ctx, testutil.GenerateTestAccount(u.ID, "github", "42", time.Hour))
	require.NoError(t, err)
	_, _, err = s.UpsertAccount(ctx, testutil.GenerateTestAccount(u.ID, "google", "g-1", time.Hour))
	require.NoError(t, err)

	require.NoError(t, s.DeleteUser(ctx, u.ID))

	_, err = s.GetUser(ctx, u.ID)
	assert.ErrorIs(t, err, storage.ErrUserNotFound)
	_, err = s.GetProfile(ctx, u.ID)
	assert.ErrorIs(t, err, storage.ErrProfileNotFound)
	accounts, err := s.ListAccounts(ctx, u.ID)
	require.NoError(t, err)
	assert.Empty(t, accounts)
	_, err = s.FindAccountByProviderID(ctx, "github", "42")
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)

	assert.ErrorIs(t, s.DeleteUser(ctx, u.ID), storage.ErrUserNotFound)
}

func TestStore_MergeUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	primary := mustCreateUser(t, s, "primary@x.com")
	dup := mustCreateUser(t, s, "dup@x.com")

	_, _, err := s.UpsertAccount(ctx, testutil.GenerateTestAccount(dup.ID, "github", "42", time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.SaveProfile(ctx, &storage.UserProfile{UserID: dup.ID, Bio: "from dup", GitHubUsername: "octo"}))

	require.NoError(t, s.MergeUsers(ctx, primary.ID, dup.ID))

	acct, err := s.FindAccountByProviderID(ctx, "github", "42")
	require.NoError(t, err)
	assert.Equal(t, primary.ID, acct.UserID)

	profile, err := s.GetProfile(ctx, primary.ID)
	require.NoError(t, err)
	assert.Equal(t, "from dup", profile.Bio)
	assert.Equal(t, "octo", profile.GitHubUsername)

	_, err = s.GetUser(ctx, dup.ID)
	assert.ErrorIs(t, err, storage.ErrUserNotFound)

	assert.Error(t, s.MergeUsers(ctx, primary.ID, primary.ID))
	assert.ErrorIs(t, s.MergeUsers(ctx, primary.ID, "missing"), storage.ErrUserNotFound)
}

func TestStore_MergeUsers_KeepsPrimaryProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	primary := mustCreateUser(t, s, "primary@x.com")
	dup := mustCreateUser(t, s, "dup@x.com")
	require.NoError(t, s.SaveProfile(ctx, &storage.UserProfile{UserID: primary.ID, Bio: "mine"}))
	require.NoError(t, s.SaveProfile(ctx, &storage.UserProfile{UserID: dup.ID, Bio: "theirs"}))

	require.NoError(t, s.MergeUsers(ctx, primary.ID, dup.ID))

	profile, err := s.GetProfile(ctx, primary.ID)
	require.NoError(t, err)
	assert.Equal(t, "mine", profile.Bio)
}

func TestStore_UpsertAccount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, s, "a@x.com")
	other := mustCreateUser(t, s, "b@x.com")

	first := testutil.GenerateTestAccount(u.ID, "github", "42", time.Hour)
	first.Scope = "read:user"
	acct, created, err := s.UpsertAccount(ctx, first)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, acct.ID)
	assert.Equal(t, storage.DefaultTokenType, acct.TokenType)

	refreshed := testutil.GenerateTestAccount(u.ID, "github", "42", 2*time.Hour)
	updated, created, err := s.UpsertAccount(ctx, refreshed)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, acct.ID, updated.ID)
	assert.Equal(t, refreshed.AccessToken, updated.AccessToken)
	assert.Equal(t, refreshed.RefreshToken, updated.RefreshToken)

	_, _, err = s.UpsertAccount(ctx, testutil.GenerateTestAccount(other.ID, "github", "42", time.Hour))
	assert.ErrorIs(t, err, storage.ErrAccountOwnershipConflict)

	stored, err := s.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, stored.UserID, "conflict must not move the account")
	assert.Equal(t, refreshed.AccessToken, stored.AccessToken)

	_, _, err = s.UpsertAccount(ctx, testutil.GenerateTestAccount("missing", "google", "1", 0))
	assert.ErrorIs(t, err, storage.ErrUserNotFound)

	_, _, err = s.UpsertAccount(ctx, &storage.OAuthAccount{UserID: u.ID})
	assert.Error(t, err)
}

func TestStore_UpsertAccount_Concurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	u := mustCreateUser(t, s, "a@x.com")

	var (
		mu      sync.Mutex
		ids     = map[string]bool{}
		created int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			acct, c, err := s.UpsertAccount(ctx, testutil.GenerateTestAccount(u.ID, "github", "42", time.Hour))
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			ids[acct.ID] = true
			if c {
				created++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, ids, 1)
	assert.Equal(t, 1, created)

	accounts, err := s.ListAccounts(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, accounts, 1)
}

func TestStore_Accounts_FindListUpdateDelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, s, "a@x.com")
	gh, _, err := s.UpsertAccount(ctx, testutil.GenerateTestAccount(u.ID, "github", "42", 0))
	require.NoError(t, err)
	_, _, err = s.UpsertAccount(ctx, testutil.GenerateTestAccount(u.ID, "google", "g-1", time.Hour))
	require.NoError(t, err)

	assert.Nil(t, gh.ExpiresAt)

	found, err := s.FindAccount(ctx, u.ID, "github")
	require.NoError(t, err)
	assert.Equal(t, gh.ID, found.ID)

	_, err = s.FindAccount(ctx, u.ID, "microsoft")
	assert.ErrorIs(t, err, storage.ErrAccountNotFound)

	list, err := s.ListAccounts(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "github", list[0].Provider)
	assert.Equal(t, "google", list[1].Provider)

	exp := time.Now().Add(30 * time.Minute).UTC()
	found.AccessToken = "rotated"
	found.ExpiresAt = &exp
	require.NoError(t, s.UpdateAccountTokens(ctx, found))

	got, err := s.GetAccount(ctx, gh.ID)
	require.NoError(t, err)
	assert.Equal(t, "rotated", got.AccessToken)
	require.NotNil(t, got.ExpiresAt)
	assert.WithinDuration(t, exp, *got.ExpiresAt, time.Second)

	assert.ErrorIs(t, s.UpdateAccountTokens(ctx, &storage.OAuthAccount{ID: "missing"}), storage.ErrAccountNotFound)

	require.NoError(t, s.DeleteAccount(ctx, gh.ID))
	assert.ErrorIs(t, s.DeleteAccount(ctx, gh.ID), storage.ErrAccountNotFound)
}

func TestStore_ClearExpiredTokens(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, s, "a@x.com")
	expired, _, err := s.UpsertAccount(ctx, testutil.GenerateTestAccount(u.ID, "github", "42", -time.Hour))
	require.NoError(t, err)
	live, _, err := s.UpsertAccount(ctx, testutil.GenerateTestAccount(u.ID, "google", "g-1", time.Hour))
	require.NoError(t, err)
	forever, _, err := s.UpsertAccount(ctx, testutil.GenerateTestAccount(u.ID, "microsoft", "m-1", 0))
	require.NoError(t, err)

	n, err := s.ClearExpiredTokens(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.ClearExpiredTokens(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "second sweep should be a no-op")

	got, err := s.GetAccount(ctx, expired.ID)
	require.NoError(t, err)
	assert.False(t, got.HasTokens())
	assert.NotNil(t, got.ExpiresAt)

	for _, id := range []string{live.ID, forever.ID} {
		got, err := s.GetAccount(ctx, id)
		require.NoError(t, err)
		assert.True(t, got.HasTokens(), "account %s should keep its tokens", id)
	}
}

func TestStore_SaveProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := mustCreateUser(t, s, "a@x.com")
	require.NoError(t, s.SaveProfile(ctx, &storage.UserProfile{UserID: u.ID, AvatarURL: "https://a/1.png"}))
	require.NoError(t, s.SaveProfile(ctx, &storage.UserProfile{UserID: u.ID, AvatarURL: "https://a/2.png", Location: "Berlin"}))

	p, err := s.GetProfile(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://a/2.png", p.AvatarURL)
	assert.Equal(t, "Berlin", p.Location)

	assert.ErrorIs(t, s.SaveProfile(ctx, &storage.UserProfile{UserID: "missing"}), storage.ErrUserNotFound)
}

func TestStore_AuthStates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	save := func(session, hash string, ttl time.Duration) {
		t.Helper()
		require.NoError(t, s.SaveAuthState(ctx, &storage.PendingAuthState{
			Provider:  "github",
			SessionID: session,
			StateHash: hash,
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
		}))
	}

	t.Run("single use", func(t *testing.T) {
		save("s1", "h1", 10*time.Minute)
		require.NoError(t, s.ConsumeAuthState(ctx, "github", "s1", "h1", now))
		assert.ErrorIs(t, s.ConsumeAuthState(ctx, "github", "s1", "h1", now), storage.ErrAuthStateNotFound)
	})

	t.Run("mismatch keeps the state", func(t *testing.T) {
		save("s2", "h2", 10*time.Minute)
		assert.ErrorIs(t, s.ConsumeAuthState(ctx, "github", "s2", "wrong", now), storage.ErrAuthStateNotFound)
		assert.ErrorIs(t, s.ConsumeAuthState(ctx, "google", "s2", "h2", now), storage.ErrAuthStateNotFound)
		require.NoError(t, s.ConsumeAuthState(ctx, "github", "s2", "h2", now))
	})

	t.Run("new state replaces the old one", func(t *testing.T) {
		save("s3", "old", 10*time.Minute)
		save("s3", "new", 10*time.Minute)
		assert.ErrorIs(t, s.ConsumeAuthState(ctx, "github", "s3", "old", now), storage.ErrAuthStateNotFound)
		require.NoError(t, s.ConsumeAuthState(ctx, "github", "s3", "new", now))
	})

	t.Run("expired", func(t *testing.T) {
		save("s4", "h4", time.Minute)
		assert.ErrorIs(t, s.ConsumeAuthState(ctx, "github", "s4", "h4", now.Add(time.Minute)), storage.ErrAuthStateNotFound)
		assert.ErrorIs(t, s.ConsumeAuthState(ctx, "github", "s4", "h4", now), storage.ErrAuthStateNotFound,
			"expired state should have been deleted")
	})

	t.Run("cleanup", func(t *testing.T) {
		save("s5", "h5", time.Minute)
		save("s6", "h6", time.Hour)
		n, err := s.DeleteExpiredAuthStates(ctx, now.Add(2*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		require.NoError(t, s.ConsumeAuthState(ctx, "github", "s6", "h6", now))
	})

	assert.Error(t, s.SaveAuthState(ctx, &storage.PendingAuthState{Provider: "github"}))
}
