package server

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidState is returned when a callback's state is missing,
	// expired, forged, bound to another provider or session, or reused.
	ErrInvalidState = errors.New("invalid or expired authorization state")

	// ErrReauthenticationRequired means the stored credential can no longer
	// produce an access token and the user must log in again.
	ErrReauthenticationRequired = errors.New("reauthentication required")

	// ErrRateLimited is returned when a session starts logins too quickly.
	ErrRateLimited = errors.New("too many login attempts")

	// ErrProviderDenied is matched by *ProviderDeniedError.
	ErrProviderDenied = errors.New("provider denied authorization")
)

// Stage is a step of the callback state machine.
type Stage string

// Callback stages in order. A failed flow reports the stage it was in.
const (
	StageAwaitingCode    Stage = "AWAITING_CODE"
	StageStateValidated  Stage = "STATE_VALIDATED"
	StageTokensExchanged Stage = "TOKENS_EXCHANGED"
	StageProfileFetched  Stage = "PROFILE_FETCHED"
	StageIdentityLinked  Stage = "IDENTITY_LINKED"
	StageComplete        Stage = "COMPLETE"
	StageFailed          Stage = "FAILED"
)

// FlowError is a failed callback. Stage is where the flow stopped; Err is
// the typed cause and is reachable with errors.Is / errors.As.
type FlowError struct {
	Provider string
	Stage    Stage
	Err      error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s callback failed at %s: %v", e.Provider, e.Stage, e.Err)
}

func (e *FlowError) Unwrap() error { return e.Err }

// ProviderDeniedError is an error redirect from the provider, such as the
// user declining consent.
type ProviderDeniedError struct {
	Provider    string
	Code        string
	Description string
}

func (e *ProviderDeniedError) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s denied authorization: %s (%s)", e.Provider, e.Code, e.Description)
	}
	return fmt.Sprintf("%s denied authorization: %s", e.Provider, e.Code)
}

func (e *ProviderDeniedError) Is(target error) bool { return target == ErrProviderDenied }

// reauthError wraps cause so that errors.Is matches both
// ErrReauthenticationRequired and cause.
func reauthError(cause error) error {
	return fmt.Errorf("%w: %w", ErrReauthenticationRequired, cause)
}
