package identity

import (
	"github.com/giantswarm/oauth-identity/linker"
	"github.com/giantswarm/oauth-identity/providers"
	"github.com/giantswarm/oauth-identity/security"
	"github.com/giantswarm/oauth-identity/server"
	"github.com/giantswarm/oauth-identity/storage"
)

// Errors returned by Manager operations. They are the same values the
// subpackages return, so errors.Is works against either.
var (
	// Provider errors
	ErrUnsupportedProvider   = providers.ErrUnsupportedProvider
	ErrTokenExchange         = providers.ErrTokenExchange
	ErrTokenRefresh          = providers.ErrTokenRefresh
	ErrUserInfoFetch         = providers.ErrUserInfoFetch
	ErrProviderUnavailable   = providers.ErrProviderUnavailable
	ErrRefreshUnsupported    = providers.ErrRefreshUnsupported
	ErrRevocationUnsupported = providers.ErrRevocationUnsupported
	ErrEmailNotProvided      = providers.ErrEmailNotProvided

	// Flow errors
	ErrInvalidState             = server.ErrInvalidState
	ErrReauthenticationRequired = server.ErrReauthenticationRequired
	ErrRateLimited              = server.ErrRateLimited
	ErrProviderDenied           = server.ErrProviderDenied

	// Storage errors
	ErrUserNotFound             = storage.ErrUserNotFound
	ErrAccountNotFound          = storage.ErrAccountNotFound
	ErrAccountOwnershipConflict = storage.ErrAccountOwnershipConflict

	// Vault errors
	ErrDecryptionFailure     = security.ErrDecryptionFailure
	ErrEncryptionKeyRequired = security.ErrEncryptionKeyRequired

	ErrMergeSameUser = linker.ErrMergeSameUser
)

// Typed errors carrying failure details.
type (
	FlowError                = server.FlowError
	ProviderDeniedError      = server.ProviderDeniedError
	TokenExchangeError       = providers.TokenExchangeError
	TokenRefreshError        = providers.TokenRefreshError
	UserInfoFetchError       = providers.UserInfoFetchError
	ProviderUnavailableError = providers.ProviderUnavailableError
	UnsupportedProviderError = providers.UnsupportedProviderError
)

// Stage is a step of the login callback.
type Stage = server.Stage

// Callback stages, re-exported for callers matching FlowError.Stage.
const (
	StageAwaitingCode    = server.StageAwaitingCode
	StageStateValidated  = server.StageStateValidated
	StageTokensExchanged = server.StageTokensExchanged
	StageProfileFetched  = server.StageProfileFetched
	StageIdentityLinked  = server.StageIdentityLinked
	StageComplete        = server.StageComplete
)
