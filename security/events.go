package security

// Event type constants for security audit logging.
const (
	// Login flow events

	// EventLoginStarted is logged when an authorization redirect is issued
	EventLoginStarted = "login_started"

	// EventLoginSucceeded is logged when a callback completes and the user is resolved
	EventLoginSucceeded = "login_succeeded"

	// EventAuthFailure is logged when a callback fails after state validation
	EventAuthFailure = "auth_failure"

	// EventStateRejected is logged when a callback carries a missing, expired or forged state
	EventStateRejected = "state_rejected"

	// EventProviderDenied is logged when the provider redirected back with an error parameter
	EventProviderDenied = "provider_denied"

	// EventRateLimitExceeded is logged when a session exceeds the login rate limit
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Identity events

	// EventUserCreated is logged when a new local user is created from a provider profile
	EventUserCreated = "user_created"

	// EventAccountLinked is logged when a provider account is linked or its tokens updated
	EventAccountLinked = "account_linked"

	// EventOwnershipConflict is logged when a provider account already belongs to another user
	EventOwnershipConflict = "account_ownership_conflict"

	// EventAccountDisconnected is logged when a provider account is removed
	EventAccountDisconnected = "account_disconnected"

	// EventUserDeleted is logged when a user and all owned data are removed
	EventUserDeleted = "user_deleted"

	// EventUsersMerged is logged when a duplicate user is merged into a primary one
	EventUsersMerged = "users_merged"

	// Token lifecycle events

	// EventTokenRefreshed is logged when a provider access token is refreshed
	EventTokenRefreshed = "token_refreshed" //nolint:gosec // G101: event type name, not a credential

	// EventReauthenticationRequired is logged when a stored credential can no longer be used
	EventReauthenticationRequired = "reauthentication_required"

	// EventTokenRevoked is logged when a provider accepted a revocation request
	EventTokenRevoked = "token_revoked" //nolint:gosec // G101: event type name, not a credential

	// EventTokenRevocationFailed is logged when best-effort revocation did not succeed
	EventTokenRevocationFailed = "token_revocation_failed" //nolint:gosec // G101: event type name, not a credential

	// EventTokenRevocationNotSupported is logged when the provider has no revocation endpoint
	EventTokenRevocationNotSupported = "token_revocation_not_supported" //nolint:gosec // G101: event type name, not a credential

	// EventExpiredTokensCleared is logged when the sweeper clears expired token fields
	EventExpiredTokensCleared = "expired_tokens_cleared" //nolint:gosec // G101: event type name, not a credential
)
