package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/giantswarm/oauth-identity/instrumentation"
	"github.com/giantswarm/oauth-identity/providers"
	"github.com/giantswarm/oauth-identity/providers/mock"
	"github.com/giantswarm/oauth-identity/security"
	"github.com/giantswarm/oauth-identity/storage"
	storagemock "github.com/giantswarm/oauth-identity/storage/mock"
)

func TestBeginLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	authURL, err := env.srv.BeginLogin(ctx, "mock", testSession, "")
	if err != nil {
		t.Fatalf("BeginLogin() error = %v", err)
	}
	if !strings.Contains(authURL, "redirect_uri=https://app.example.com/callback") {
		t.Errorf("BeginLogin() URL %q should use the default redirect URI", authURL)
	}

	if _, err := env.srv.BeginLogin(ctx, "unknown", testSession, ""); !errors.Is(err, providers.ErrUnsupportedProvider) {
		t.Errorf("BeginLogin(unknown) error = %v, want ErrUnsupportedProvider", err)
	}
	if _, err := env.srv.BeginLogin(ctx, "mock", "", ""); err == nil {
		t.Error("BeginLogin() with empty session should fail")
	}
}

func TestBeginLogin_RateLimited(t *testing.T) {
	env := newTestEnv(t)
	env.srv.SetLoginLimiter(security.NewLoginLimiter(1, 1, 0, testLogger()))
	ctx := context.Background()

	if _, err := env.srv.BeginLogin(ctx, "mock", testSession, ""); err != nil {
		t.Fatalf("first BeginLogin() error = %v", err)
	}
	if _, err := env.srv.BeginLogin(ctx, "mock", testSession, ""); !errors.Is(err, ErrRateLimited) {
		t.Errorf("second BeginLogin() error = %v, want ErrRateLimited", err)
	}
	if _, err := env.srv.BeginLogin(ctx, "mock", "other-session", ""); err != nil {
		t.Errorf("BeginLogin() for another session error = %v", err)
	}
}

func TestHandleCallback_Success(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	res := env.login(t, "mock", testSession)

	if res.Stage != StageComplete {
		t.Errorf("Stage = %s, want %s", res.Stage, StageComplete)
	}
	if !res.UserCreated || !res.AccountCreated {
		t.Errorf("UserCreated = %v, AccountCreated = %v, want both true", res.UserCreated, res.AccountCreated)
	}
	if res.User.Email != "mock@example.com" {
		t.Errorf("User.Email = %q, want mock@example.com", res.User.Email)
	}
	if res.Account.ProviderAccountID != "mock-user-123" {
		t.Errorf("ProviderAccountID = %q, want mock-user-123", res.Account.ProviderAccountID)
	}
	if res.Account.AccessToken == "mock-access-token" {
		t.Error("access token must be stored encrypted")
	}

	plain, err := storage.OpenTokens(res.Account, env.vault)
	if err != nil {
		t.Fatalf("OpenTokens() error = %v", err)
	}
	if plain.AccessToken != "mock-access-token" || plain.RefreshToken != "mock-refresh-token" {
		t.Errorf("decrypted tokens = %+v", plain)
	}

	// A second login for the same identity updates in place
	again := env.login(t, "mock", testSession)
	if again.UserCreated || again.AccountCreated {
		t.Errorf("relogin UserCreated = %v, AccountCreated = %v, want both false", again.UserCreated, again.AccountCreated)
	}
	if again.Account.ID != res.Account.ID {
		t.Errorf("relogin account ID = %q, want %q", again.Account.ID, res.Account.ID)
	}

	accounts, err := env.store.ListAccounts(ctx, res.User.ID)
	if err != nil {
		t.Fatalf("ListAccounts() error = %v", err)
	}
	if len(accounts) != 1 {
		t.Errorf("len(accounts) = %d, want 1", len(accounts))
	}
}

func TestHandleCallback_StateIsSingleUse(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	state := env.begin(t, "mock", testSession)
	params := CallbackParams{Code: "auth-code", State: state}

	if _, err := env.srv.HandleCallback(ctx, "mock", testSession, params); err != nil {
		t.Fatalf("first HandleCallback() error = %v", err)
	}

	_, err := env.srv.HandleCallback(ctx, "mock", testSession, params)
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("replayed HandleCallback() error = %v, want ErrInvalidState", err)
	}
	if got := env.provider.GetCallCount("ExchangeCode"); got != 1 {
		t.Errorf("ExchangeCode calls = %d, want 1", got)
	}
}

func TestHandleCallback_InvalidState(t *testing.T) {
	other := mock.NewMockProvider("other")

	tests := []struct {
		name      string
		provider  string
		sessionID string
		params    func(state string) CallbackParams
	}{
		{
			name:      "forged state",
			provider:  "mock",
			sessionID: testSession,
			params:    func(string) CallbackParams { return CallbackParams{Code: "auth-code", State: "forged"} },
		},
		{
			name:      "missing state",
			provider:  "mock",
			sessionID: testSession,
			params:    func(string) CallbackParams { return CallbackParams{Code: "auth-code"} },
		},
		{
			name:      "missing code",
			provider:  "mock",
			sessionID: testSession,
			params:    func(s string) CallbackParams { return CallbackParams{State: s} },
		},
		{
			name:      "other session",
			provider:  "mock",
			sessionID: "session-2",
			params:    func(s string) CallbackParams { return CallbackParams{Code: "auth-code", State: s} },
		},
		{
			name:      "other provider",
			provider:  "other",
			sessionID: testSession,
			params:    func(s string) CallbackParams { return CallbackParams{Code: "auth-code", State: s} },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, other)
			other.ResetCallCounts()
			ctx := context.Background()

			state := env.begin(t, "mock", testSession)
			_, err := env.srv.HandleCallback(ctx, tt.provider, tt.sessionID, tt.params(state))
			if !errors.Is(err, ErrInvalidState) {
				t.Fatalf("HandleCallback() error = %v, want ErrInvalidState", err)
			}

			var flowErr *FlowError
			if !errors.As(err, &flowErr) {
				t.Fatalf("error %T is not *FlowError", err)
			}
			if flowErr.Stage != StageAwaitingCode {
				t.Errorf("Stage = %s, want %s", flowErr.Stage, StageAwaitingCode)
			}
			if env.provider.GetCallCount("ExchangeCode")+other.GetCallCount("ExchangeCode") != 0 {
				t.Error("no code exchange may happen before the state validates")
			}

			// The genuine state still works afterwards
			if _, err := env.srv.HandleCallback(ctx, "mock", testSession, CallbackParams{Code: "auth-code", State: state}); err != nil {
				t.Errorf("genuine HandleCallback() error = %v", err)
			}
		})
	}
}

func TestHandleCallback_ProviderDenied(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	state := env.begin(t, "mock", testSession)
	_, err := env.srv.HandleCallback(ctx, "mock", testSession, CallbackParams{
		State:            state,
		Error:            "access_denied",
		ErrorDescription: "The user denied access",
	})
	if !errors.Is(err, ErrProviderDenied) {
		t.Fatalf("HandleCallback() error = %v, want ErrProviderDenied", err)
	}
	var denied *ProviderDeniedError
	if !errors.As(err, &denied) || denied.Code != "access_denied" {
		t.Errorf("error = %v, want *ProviderDeniedError with code access_denied", err)
	}

	// The state was burned by the error redirect
	_, err = env.srv.HandleCallback(ctx, "mock", testSession, CallbackParams{Code: "auth-code", State: state})
	if !errors.Is(err, ErrInvalidState) {
		t.Errorf("HandleCallback() after denial error = %v, want ErrInvalidState", err)
	}
}

func TestHandleCallback_ProviderFailures(t *testing.T) {
	tests := []struct {
		name      string
		configure func(p *mock.MockProvider)
		wantStage Stage
		wantErr   error
	}{
		{
			name: "exchange rejected",
			configure: func(p *mock.MockProvider) {
				p.ExchangeCodeFunc = func(ctx context.Context, code, redirectURI string) (*providers.TokenSet, error) {
					return nil, &providers.TokenExchangeError{Provider: "mock", StatusCode: 400, ErrorCode: "invalid_grant"}
				}
			},
			wantStage: StageStateValidated,
			wantErr:   providers.ErrTokenExchange,
		},
		{
			name: "provider unavailable",
			configure: func(p *mock.MockProvider) {
				p.ExchangeCodeFunc = func(ctx context.Context, code, redirectURI string) (*providers.TokenSet, error) {
					return nil, &providers.ProviderUnavailableError{Provider: "mock", Operation: "exchange", Err: context.DeadlineExceeded}
				}
			},
			wantStage: StageStateValidated,
			wantErr:   providers.ErrProviderUnavailable,
		},
		{
			name: "user info failure",
			configure: func(p *mock.MockProvider) {
				p.FetchUserInfoFunc = func(ctx context.Context, accessToken string) (providers.RawProfile, error) {
					return nil, &providers.UserInfoFetchError{Provider: "mock", StatusCode: 500}
				}
			},
			wantStage: StageTokensExchanged,
			wantErr:   providers.ErrUserInfoFetch,
		},
		{
			name: "missing email",
			configure: func(p *mock.MockProvider) {
				p.FetchUserInfoFunc = func(ctx context.Context, accessToken string) (providers.RawProfile, error) {
					return providers.RawProfile{"id": "mock-user-123"}, nil
				}
			},
			wantStage: StageTokensExchanged,
			wantErr:   providers.ErrEmailNotProvided,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			tt.configure(env.provider)
			ctx := context.Background()

			state := env.begin(t, "mock", testSession)
			_, err := env.srv.HandleCallback(ctx, "mock", testSession, CallbackParams{Code: "auth-code", State: state})
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("HandleCallback() error = %v, want %v", err, tt.wantErr)
			}
			var flowErr *FlowError
			if !errors.As(err, &flowErr) {
				t.Fatalf("error %T is not *FlowError", err)
			}
			if flowErr.Stage != tt.wantStage {
				t.Errorf("Stage = %s, want %s", flowErr.Stage, tt.wantStage)
			}

			if _, err := env.store.GetUserByEmail(ctx, "mock@example.com"); !errors.Is(err, storage.ErrUserNotFound) {
				t.Errorf("no user may be created on failure, GetUserByEmail() error = %v", err)
			}
		})
	}
}

func TestHandleCallback_OwnershipConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.login(t, "mock", testSession)

	var created []string
	env.srv.SetHooks(Hooks{
		OnUserCreated: func(ctx context.Context, user *storage.User) error {
			created = append(created, user.Email)
			return nil
		},
	})

	// Same provider identity now reports another email address
	env.provider.FetchUserInfoFunc = func(ctx context.Context, accessToken string) (providers.RawProfile, error) {
		return providers.RawProfile{"id": "mock-user-123", "email": "other@example.com", "name": "Other"}, nil
	}

	state := env.begin(t, "mock", testSession)
	_, err := env.srv.HandleCallback(ctx, "mock", testSession, CallbackParams{Code: "auth-code", State: state})
	if !errors.Is(err, storage.ErrAccountOwnershipConflict) {
		t.Fatalf("HandleCallback() error = %v, want ErrAccountOwnershipConflict", err)
	}
	var flowErr *FlowError
	if errors.As(err, &flowErr) && flowErr.Stage != StageProfileFetched {
		t.Errorf("Stage = %s, want %s", flowErr.Stage, StageProfileFetched)
	}

	acct, err := env.store.FindAccountByProviderID(ctx, "mock", "mock-user-123")
	if err != nil {
		t.Fatalf("FindAccountByProviderID() error = %v", err)
	}
	if acct.UserID != first.User.ID {
		t.Errorf("account owner = %q, want %q", acct.UserID, first.User.ID)
	}
	if acct.AccessToken != first.Account.AccessToken {
		t.Error("conflicting login must not touch the first owner's tokens")
	}

	// A failed flow leaves no user behind
	if _, err := env.store.GetUserByEmail(ctx, "other@example.com"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("GetUserByEmail(other@example.com) error = %v, want ErrUserNotFound", err)
	}
	if len(created) != 0 {
		t.Errorf("OnUserCreated fired for a failed login: %v", created)
	}
}

func TestHandleCallback_OwnershipConflict_ExistingUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	first := env.login(t, "mock", testSession)

	// other@example.com already exists through a different identity
	env.provider.FetchUserInfoFunc = func(ctx context.Context, accessToken string) (providers.RawProfile, error) {
		return providers.RawProfile{"id": "mock-user-456", "email": "other@example.com", "name": "Other"}, nil
	}
	second := env.login(t, "mock", "session-2")

	// The first identity now claims the second user's email
	env.provider.FetchUserInfoFunc = func(ctx context.Context, accessToken string) (providers.RawProfile, error) {
		return providers.RawProfile{"id": "mock-user-123", "email": "other@example.com", "name": "Other"}, nil
	}
	state := env.begin(t, "mock", testSession)
	_, err := env.srv.HandleCallback(ctx, "mock", testSession, CallbackParams{Code: "auth-code", State: state})
	if !errors.Is(err, storage.ErrAccountOwnershipConflict) {
		t.Fatalf("HandleCallback() error = %v, want ErrAccountOwnershipConflict", err)
	}

	for _, u := range []*storage.User{first.User, second.User} {
		accounts, err := env.store.ListAccounts(ctx, u.ID)
		if err != nil {
			t.Fatalf("ListAccounts() error = %v", err)
		}
		if len(accounts) != 1 {
			t.Errorf("user %s has %d accounts, want 1", u.Email, len(accounts))
		}
	}
}

func TestHandleCallback_StoreFailure(t *testing.T) {
	var wrapped *storagemock.IdentityStore
	env := newTestEnvWithStore(t, func(inner storage.IdentityStore) storage.IdentityStore {
		wrapped = storagemock.NewIdentityStore(inner)
		wrapped.UpsertAccountFunc = func(ctx context.Context, acct *storage.OAuthAccount) (*storage.OAuthAccount, bool, error) {
			return nil, false, errors.New("database is down")
		}
		return wrapped
	})
	ctx := context.Background()

	state := env.begin(t, "mock", testSession)
	_, err := env.srv.HandleCallback(ctx, "mock", testSession, CallbackParams{Code: "auth-code", State: state})

	var flowErr *FlowError
	if !errors.As(err, &flowErr) {
		t.Fatalf("HandleCallback() error = %v, want *FlowError", err)
	}
	if flowErr.Stage != StageProfileFetched {
		t.Errorf("Stage = %s, want %s", flowErr.Stage, StageProfileFetched)
	}
	if got := wrapped.Calls("UpsertAccount"); got != 1 {
		t.Errorf("UpsertAccount calls = %d, want 1", got)
	}
	if _, err := env.store.GetUserByEmail(ctx, "mock@example.com"); !errors.Is(err, storage.ErrUserNotFound) {
		t.Errorf("GetUserByEmail() error = %v, want ErrUserNotFound after a failed link", err)
	}
}

func TestHandleCallback_Hooks(t *testing.T) {
	env := newTestEnv(t)

	var (
		mu     sync.Mutex
		events []string
	)
	record := func(name string) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, name)
	}

	env.srv.SetHooks(Hooks{
		OnUserCreated: func(ctx context.Context, user *storage.User) error {
			record("user_created")
			return errors.New("hook failure is logged only")
		},
		OnAccountLinked: func(ctx context.Context, user *storage.User, acct *storage.OAuthAccount, created bool) error {
			if created {
				record("account_created")
			} else {
				record("account_updated")
			}
			return nil
		},
	})

	env.login(t, "mock", testSession)
	env.login(t, "mock", testSession)

	want := []string{"user_created", "account_created", "account_updated"}
	if strings.Join(events, ",") != strings.Join(want, ",") {
		t.Errorf("hook events = %v, want %v", events, want)
	}
}

func TestHandleCallback_Tracing(t *testing.T) {
	env := newTestEnv(t)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	inst, err := instrumentation.New(instrumentation.Config{Enabled: true, TracerProvider: tp})
	if err != nil {
		t.Fatalf("instrumentation.New() error = %v", err)
	}
	env.srv.SetInstrumentation(inst)

	env.login(t, "mock", testSession)

	state := env.begin(t, "mock", testSession)
	_, _ = env.srv.HandleCallback(context.Background(), "mock", testSession, CallbackParams{Code: "auth-code", State: state + "x"})

	var callbacks []sdktrace.ReadOnlySpan
	for _, span := range recorder.Ended() {
		if span.Name() == "oauth.callback" {
			callbacks = append(callbacks, span)
		}
	}
	if len(callbacks) != 2 {
		t.Fatalf("recorded %d callback spans, want 2", len(callbacks))
	}
	if callbacks[0].Status().Code != codes.Ok {
		t.Errorf("successful callback span status = %v, want Ok", callbacks[0].Status().Code)
	}
	if callbacks[1].Status().Code != codes.Error {
		t.Errorf("failed callback span status = %v, want Error", callbacks[1].Status().Code)
	}

	var stage string
	for _, kv := range callbacks[1].Attributes() {
		if string(kv.Key) == instrumentation.AttrStage {
			stage = kv.Value.AsString()
		}
	}
	if stage != string(StageAwaitingCode) {
		t.Errorf("failed span stage = %q, want %q", stage, StageAwaitingCode)
	}
}
