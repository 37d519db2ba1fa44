package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"

	"github.com/giantswarm/oauth-identity/instrumentation"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
	now     func() time.Time
	metrics *instrumentation.Metrics
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
		now:     time.Now,
	}
}

// SetMetrics counts audit events by type. A nil Auditor is a no-op.
func (a *Auditor) SetMetrics(m *instrumentation.Metrics) {
	if a == nil {
		return
	}
	a.metrics = m
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	Provider  string
	SessionID string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event. User and session identifiers are hashed.
// A nil Auditor is a no-op.
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	event.Timestamp = a.now()
	if a.metrics != nil {
		a.metrics.RecordAuditEvent(context.Background(), event.Type)
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"session_hash", hashForLogging(event.SessionID),
		"provider", event.Provider,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogLoginStarted logs an issued authorization redirect
func (a *Auditor) LogLoginStarted(provider, sessionID string) {
	a.LogEvent(Event{Type: EventLoginStarted, Provider: provider, SessionID: sessionID})
}

// LogLoginSucceeded logs a completed callback
func (a *Auditor) LogLoginSucceeded(userID, provider string, userCreated, accountCreated bool) {
	a.LogEvent(Event{
		Type:     EventLoginSucceeded,
		UserID:   userID,
		Provider: provider,
		Details: map[string]any{
			"user_created":    userCreated,
			"account_created": accountCreated,
		},
	})
}

// LogAuthFailure logs a callback that failed after state validation
func (a *Auditor) LogAuthFailure(provider, sessionID, stage, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		Provider:  provider,
		SessionID: sessionID,
		Details: map[string]any{
			"stage":  stage,
			"reason": reason,
		},
	})
}

// LogStateRejected logs a callback whose state did not validate
func (a *Auditor) LogStateRejected(provider, sessionID string) {
	a.LogEvent(Event{Type: EventStateRejected, Provider: provider, SessionID: sessionID})
}

// LogProviderDenied logs an error redirect from the provider
func (a *Auditor) LogProviderDenied(provider, sessionID, errorCode string) {
	a.LogEvent(Event{
		Type:      EventProviderDenied,
		Provider:  provider,
		SessionID: sessionID,
		Details:   map[string]any{"error": errorCode},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(provider, sessionID string) {
	a.LogEvent(Event{Type: EventRateLimitExceeded, Provider: provider, SessionID: sessionID})
}

// LogUserCreated logs a new local user
func (a *Auditor) LogUserCreated(userID, provider string) {
	a.LogEvent(Event{Type: EventUserCreated, UserID: userID, Provider: provider})
}

// LogAccountLinked logs a linked or updated provider account
func (a *Auditor) LogAccountLinked(userID, provider string, created bool) {
	a.LogEvent(Event{
		Type:     EventAccountLinked,
		UserID:   userID,
		Provider: provider,
		Details:  map[string]any{"created": created},
	})
}

// LogOwnershipConflict logs a login whose provider account is owned by
// another user
func (a *Auditor) LogOwnershipConflict(provider, sessionID string) {
	a.LogEvent(Event{Type: EventOwnershipConflict, Provider: provider, SessionID: sessionID})
}

// LogAccountDisconnected logs a removed provider account
func (a *Auditor) LogAccountDisconnected(userID, provider string) {
	a.LogEvent(Event{Type: EventAccountDisconnected, UserID: userID, Provider: provider})
}

// LogUserDeleted logs a deleted user
func (a *Auditor) LogUserDeleted(userID string, accounts int) {
	a.LogEvent(Event{
		Type:    EventUserDeleted,
		UserID:  userID,
		Details: map[string]any{"accounts": accounts},
	})
}

// LogUsersMerged logs an administrative merge
func (a *Auditor) LogUsersMerged(primaryID, duplicateID string) {
	a.LogEvent(Event{
		Type:    EventUsersMerged,
		UserID:  primaryID,
		Details: map[string]any{"duplicate_id_hash": hashForLogging(duplicateID)},
	})
}

// LogTokenRefreshed logs a refreshed provider token
func (a *Auditor) LogTokenRefreshed(userID, provider string, rotated bool) {
	a.LogEvent(Event{
		Type:     EventTokenRefreshed,
		UserID:   userID,
		Provider: provider,
		Details:  map[string]any{"rotated": rotated},
	})
}

// LogReauthenticationRequired logs a credential that can no longer be used
func (a *Auditor) LogReauthenticationRequired(userID, provider, reason string) {
	a.LogEvent(Event{
		Type:     EventReauthenticationRequired,
		UserID:   userID,
		Provider: provider,
		Details:  map[string]any{"reason": reason},
	})
}

// LogTokenRevocation logs the outcome of a best-effort revocation
func (a *Auditor) LogTokenRevocation(userID, provider, outcome string) {
	eventType := EventTokenRevoked
	switch outcome {
	case "failed":
		eventType = EventTokenRevocationFailed
	case "unsupported":
		eventType = EventTokenRevocationNotSupported
	}
	a.LogEvent(Event{Type: eventType, UserID: userID, Provider: provider})
}

// LogExpiredTokensCleared logs a sweep that changed at least one account
func (a *Auditor) LogExpiredTokensCleared(count int) {
	a.LogEvent(Event{
		Type:    EventExpiredTokensCleared,
		Details: map[string]any{"accounts": count},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
