package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-identity/instrumentation"
	"github.com/giantswarm/oauth-identity/providers"
	"github.com/giantswarm/oauth-identity/storage"
)

// CallbackParams are the query parameters of a provider redirect.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string

	// RedirectURI must match the one used in BeginLogin. Empty uses the
	// provider's configured default.
	RedirectURI string
}

// CallbackResult is a completed login.
type CallbackResult struct {
	User           *storage.User
	Account        *storage.OAuthAccount
	Profile        *providers.CanonicalProfile
	UserCreated    bool
	AccountCreated bool
	Stage          Stage
}

// BeginLogin issues a state for (provider, sessionID) and returns the
// provider authorization URL to redirect the user to.
func (s *Server) BeginLogin(ctx context.Context, provider, sessionID, redirectURI string) (string, error) {
	ctx, span := s.startSpan(ctx, "oauth.begin_login")
	defer endSpan(span)
	instrumentation.AddIdentityAttributes(span, provider, "")

	p, err := s.registry.Get(provider)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", err
	}
	if sessionID == "" {
		return "", fmt.Errorf("session id is required")
	}

	if !s.LoginLimiter.Allow(provider + ":" + sessionID) {
		s.Auditor.LogRateLimitExceeded(provider, sessionID)
		if s.metrics != nil {
			s.metrics.RecordRateLimitExceeded(ctx, "login")
		}
		instrumentation.RecordError(span, ErrRateLimited)
		return "", ErrRateLimited
	}

	if redirectURI == "" {
		redirectURI = s.Config.DefaultRedirectURI
	}

	state, err := s.guard.Issue(ctx, provider, sessionID)
	if err != nil {
		instrumentation.RecordError(span, err)
		return "", fmt.Errorf("failed to issue state: %w", err)
	}

	s.Auditor.LogLoginStarted(provider, sessionID)
	if s.metrics != nil {
		s.metrics.RecordLoginStarted(ctx, provider)
	}
	instrumentation.SetSpanSuccess(span)

	return p.AuthorizationURL(state, redirectURI), nil
}

// callbackRun carries the per-callback bookkeeping shared by the steps
type callbackRun struct {
	s         *Server
	ctx       context.Context
	span      trace.Span
	provider  string
	sessionID string
	stage     Stage
	start     time.Time
}

func (r *callbackRun) fail(err error) (*CallbackResult, error) {
	flowErr := &FlowError{Provider: r.provider, Stage: r.stage, Err: err}

	instrumentation.SetSpanAttributes(r.span, attribute.String(instrumentation.AttrStage, string(r.stage)))
	instrumentation.RecordError(r.span, flowErr)

	if r.s.metrics != nil {
		r.s.metrics.RecordCallbackProcessed(r.ctx, r.provider, string(r.stage), false, msSince(r.start))
	}
	if r.stage != StageAwaitingCode {
		r.s.Auditor.LogAuthFailure(r.provider, r.sessionID, string(r.stage), err.Error())
	}
	r.s.Logger.Info("Login callback failed",
		"provider", r.provider,
		"stage", r.stage,
		"error", err)
	return nil, flowErr
}

// HandleCallback completes a login: it validates the state, exchanges the
// code, fetches and extracts the profile, resolves the user and links the
// account. Tokens are persisted only by the final link step.
//
// Failures are *FlowError carrying the stage the flow was in; provider
// error redirects wrap *ProviderDeniedError and bad states ErrInvalidState.
func (s *Server) HandleCallback(ctx context.Context, provider, sessionID string, params CallbackParams) (*CallbackResult, error) {
	ctx, span := s.startSpan(ctx, "oauth.callback")
	defer endSpan(span)
	instrumentation.AddIdentityAttributes(span, provider, "")

	run := &callbackRun{
		s:         s,
		ctx:       ctx,
		span:      span,
		provider:  provider,
		sessionID: sessionID,
		stage:     StageAwaitingCode,
		start:     time.Now(),
	}

	p, err := s.registry.Get(provider)
	if err != nil {
		return run.fail(err)
	}

	if params.Error != "" {
		// Burn the pending state so it cannot be replayed with a code later.
		if params.State != "" {
			s.guard.ValidateAndConsume(ctx, provider, sessionID, params.State)
		}
		s.Auditor.LogProviderDenied(provider, sessionID, params.Error)
		return run.fail(&ProviderDeniedError{
			Provider:    provider,
			Code:        params.Error,
			Description: params.ErrorDescription,
		})
	}

	if params.Code == "" || params.State == "" ||
		!s.guard.ValidateAndConsume(ctx, provider, sessionID, params.State) {
		s.Auditor.LogStateRejected(provider, sessionID)
		if s.metrics != nil {
			s.metrics.RecordStateRejected(ctx, provider)
		}
		return run.fail(ErrInvalidState)
	}
	run.stage = StageStateValidated

	redirectURI := params.RedirectURI
	if redirectURI == "" {
		redirectURI = s.Config.DefaultRedirectURI
	}

	callStart := time.Now()
	tokens, err := p.ExchangeCode(ctx, params.Code, redirectURI)
	s.recordProviderCall(ctx, provider, "exchange_code", callStart, err)
	if err != nil {
		return run.fail(err)
	}
	if tokens.AccessToken == "" {
		return run.fail(&providers.TokenExchangeError{
			Provider: provider,
			Err:      errors.New("token response carried no access token"),
		})
	}
	run.stage = StageTokensExchanged
	instrumentation.AddTokenAttributes(span, tokens.TokenType, tokens.ExpiresIn, tokens.RefreshToken != "")

	callStart = time.Now()
	raw, err := p.FetchUserInfo(ctx, tokens.AccessToken)
	s.recordProviderCall(ctx, provider, "userinfo", callStart, err)
	if err != nil {
		return run.fail(err)
	}
	profile, err := p.ExtractProfile(raw)
	if err != nil {
		return run.fail(err)
	}
	run.stage = StageProfileFetched

	link, err := s.linker.LinkIdentity(ctx, provider, profile, tokens)
	if err != nil {
		if errors.Is(err, storage.ErrAccountOwnershipConflict) {
			s.Auditor.LogOwnershipConflict(provider, sessionID)
			if s.metrics != nil {
				s.metrics.RecordOwnershipConflict(ctx, provider)
			}
		}
		return run.fail(err)
	}
	user, acct := link.User, link.Account
	userCreated, accountCreated := link.UserCreated, link.AccountCreated
	instrumentation.AddIdentityAttributes(span, provider, user.ID)

	if userCreated {
		s.Auditor.LogUserCreated(user.ID, provider)
		if s.metrics != nil {
			s.metrics.RecordUserCreated(ctx, provider)
		}
		s.userCreated(ctx, user)
	}
	run.stage = StageIdentityLinked

	s.Auditor.LogAccountLinked(user.ID, provider, accountCreated)
	if s.metrics != nil {
		s.metrics.RecordAccountLinked(ctx, provider, accountCreated)
	}
	s.accountLinked(ctx, user, acct, accountCreated)

	if err := s.linker.ApplyProfile(ctx, user.ID, profile); err != nil {
		s.Logger.Warn("Failed to update profile", "user_id", user.ID, "error", err)
	}

	s.Auditor.LogLoginSucceeded(user.ID, provider, userCreated, accountCreated)
	if s.metrics != nil {
		s.metrics.RecordCallbackProcessed(ctx, provider, string(StageComplete), true, msSince(run.start))
	}
	instrumentation.AddLinkAttributes(span, userCreated, accountCreated)
	instrumentation.SetSpanSuccess(span)

	return &CallbackResult{
		User:           user,
		Account:        acct,
		Profile:        profile,
		UserCreated:    userCreated,
		AccountCreated: accountCreated,
		Stage:          StageComplete,
	}, nil
}

// recordProviderCall records latency and outcome of one provider request
func (s *Server) recordProviderCall(ctx context.Context, provider, operation string, start time.Time, err error) {
	instrumentation.AddProviderAttributes(trace.SpanFromContext(ctx), provider, operation)
	if s.metrics == nil {
		return
	}
	status := 200
	var (
		exchangeErr *providers.TokenExchangeError
		refreshErr  *providers.TokenRefreshError
		userInfoErr *providers.UserInfoFetchError
	)
	switch {
	case err == nil:
	case errors.As(err, &exchangeErr):
		status = exchangeErr.StatusCode
	case errors.As(err, &refreshErr):
		status = refreshErr.StatusCode
	case errors.As(err, &userInfoErr):
		status = userInfoErr.StatusCode
	default:
		status = 0
	}
	s.metrics.RecordProviderAPICall(ctx, provider, operation, status, msSince(start), err)
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}
