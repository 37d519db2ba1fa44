package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: never put token values, authorization codes, state values
// or client secrets in span attributes. Only metadata such as presence flags,
// token types and expiry durations belongs here.
const (
	// Identity flow attributes
	AttrProvider       = "identity.provider"
	AttrUserID         = "identity.user_id"
	AttrAccountID      = "identity.account_id"
	AttrStage          = "identity.stage"
	AttrUserCreated    = "identity.user_created"
	AttrAccountCreated = "identity.account_created"
	AttrTokenRotated   = "identity.token.rotated"    //nolint:gosec // boolean flag, not a credential
	AttrTokenType      = "identity.token.type"       //nolint:gosec // token type (Bearer), not the token
	AttrExpiresIn      = "identity.token.expires_in" //nolint:gosec // expiry in seconds
	AttrRefreshPresent = "identity.token.refresh_present"
	AttrRevokeOutcome  = "identity.token.revoke_outcome"
	AttrError          = "identity.error"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"

	// Provider attributes
	AttrProviderName      = "provider.name"
	AttrProviderOperation = "provider.operation"
	AttrProviderStatus    = "provider.status"
	AttrProviderErrorType = "provider.error_type"

	// Security attributes
	AttrRateLimiterType     = "security.rate_limiter.type"
	AttrAuditEventType      = "security.audit.event_type"
	AttrEncryptionOperation = "security.encryption.operation"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddIdentityAttributes adds the provider and, when known, the local user to a span
func AddIdentityAttributes(span trace.Span, provider, userID string) {
	if provider != "" {
		SetSpanAttributes(span, attribute.String(AttrProvider, provider))
	}
	if userID != "" {
		SetSpanAttributes(span, attribute.String(AttrUserID, userID))
	}
}

// AddLinkAttributes records whether the callback created a user or account
func AddLinkAttributes(span trace.Span, userCreated, accountCreated bool) {
	SetSpanAttributes(span,
		attribute.Bool(AttrUserCreated, userCreated),
		attribute.Bool(AttrAccountCreated, accountCreated),
	)
}

// AddTokenAttributes adds token metadata. Token values are never recorded.
func AddTokenAttributes(span trace.Span, tokenType string, expiresIn int64, refreshPresent bool) {
	if tokenType != "" {
		SetSpanAttributes(span, attribute.String(AttrTokenType, tokenType))
	}
	SetSpanAttributes(span,
		attribute.Int64(AttrExpiresIn, expiresIn),
		attribute.Bool(AttrRefreshPresent, refreshPresent),
	)
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}

// AddProviderAttributes adds provider attributes to a span (nil-safe)
func AddProviderAttributes(span trace.Span, providerName, operation string) {
	SetSpanAttributes(span,
		attribute.String(AttrProviderName, providerName),
		attribute.String(AttrProviderOperation, operation),
	)
}
