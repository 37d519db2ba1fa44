package instrumentation

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments for the identity lifecycle
type Metrics struct {
	// Login flow metrics
	LoginStarted      metric.Int64Counter
	CallbackProcessed metric.Int64Counter
	CallbackDuration  metric.Float64Histogram
	StateRejected     metric.Int64Counter
	RateLimitExceeded metric.Int64Counter

	// Identity metrics
	UsersCreated        metric.Int64Counter
	AccountsLinked      metric.Int64Counter
	OwnershipConflicts  metric.Int64Counter
	AccountDisconnected metric.Int64Counter
	UsersDeleted        metric.Int64Counter
	UsersMerged         metric.Int64Counter

	// Token lifecycle metrics
	TokenRefreshed       metric.Int64Counter
	TokenRefreshFailed   metric.Int64Counter
	TokenRevocations     metric.Int64Counter
	ExpiredTokensCleared metric.Int64Counter

	// Storage metrics
	StorageOperationTotal     metric.Int64Counter
	StorageOperationDuration  metric.Float64Histogram
	StorageUsersCount         metric.Int64ObservableGauge
	StorageAccountsCount      metric.Int64ObservableGauge
	StoragePendingStatesCount metric.Int64ObservableGauge

	// Provider metrics
	ProviderAPICallsTotal metric.Int64Counter
	ProviderAPIDuration   metric.Float64Histogram
	ProviderAPIErrors     metric.Int64Counter

	// Audit metrics
	AuditEventsTotal metric.Int64Counter

	// Encryption metrics
	EncryptionOperationsTotal metric.Int64Counter
	EncryptionDuration        metric.Float64Histogram
}

// newMetrics creates and registers all metric instruments
func newMetrics(inst *Instrumentation) (*Metrics, error) {
	m := &Metrics{}
	serverMeter := inst.Meter("server")
	storageMeter := inst.Meter("storage")
	providerMeter := inst.Meter("provider")
	securityMeter := inst.Meter("security")

	var err error

	// Login flow metrics
	m.LoginStarted, err = serverMeter.Int64Counter(
		"identity.login.started",
		metric.WithDescription("Number of login flows started"),
		metric.WithUnit("{flow}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create login.started counter: %w", err)
	}

	m.CallbackProcessed, err = serverMeter.Int64Counter(
		"identity.callback.processed",
		metric.WithDescription("Number of provider callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.processed counter: %w", err)
	}

	m.CallbackDuration, err = serverMeter.Float64Histogram(
		"identity.callback.duration",
		metric.WithDescription("Callback processing duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create callback.duration histogram: %w", err)
	}

	m.StateRejected, err = securityMeter.Int64Counter(
		"identity.state.rejected",
		metric.WithDescription("Number of callbacks rejected for an invalid state"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create state.rejected counter: %w", err)
	}

	m.RateLimitExceeded, err = securityMeter.Int64Counter(
		"identity.rate_limit.exceeded",
		metric.WithDescription("Number of rate limit violations"),
		metric.WithUnit("{violation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rate_limit.exceeded counter: %w", err)
	}

	// Identity metrics
	m.UsersCreated, err = serverMeter.Int64Counter(
		"identity.user.created",
		metric.WithDescription("Number of local users created"),
		metric.WithUnit("{user}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user.created counter: %w", err)
	}

	m.AccountsLinked, err = serverMeter.Int64Counter(
		"identity.account.linked",
		metric.WithDescription("Number of provider accounts linked or updated"),
		metric.WithUnit("{account}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account.linked counter: %w", err)
	}

	m.OwnershipConflicts, err = securityMeter.Int64Counter(
		"identity.account.ownership_conflict",
		metric.WithDescription("Number of provider accounts already owned by another user"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account.ownership_conflict counter: %w", err)
	}

	m.AccountDisconnected, err = serverMeter.Int64Counter(
		"identity.account.disconnected",
		metric.WithDescription("Number of provider accounts disconnected"),
		metric.WithUnit("{account}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create account.disconnected counter: %w", err)
	}

	m.UsersDeleted, err = serverMeter.Int64Counter(
		"identity.user.deleted",
		metric.WithDescription("Number of users deleted"),
		metric.WithUnit("{user}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user.deleted counter: %w", err)
	}

	m.UsersMerged, err = serverMeter.Int64Counter(
		"identity.user.merged",
		metric.WithDescription("Number of duplicate users merged"),
		metric.WithUnit("{user}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user.merged counter: %w", err)
	}

	// Token lifecycle metrics
	m.TokenRefreshed, err = serverMeter.Int64Counter(
		"identity.token.refreshed",
		metric.WithDescription("Number of provider tokens refreshed"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refreshed counter: %w", err)
	}

	m.TokenRefreshFailed, err = serverMeter.Int64Counter(
		"identity.token.refresh_failed",
		metric.WithDescription("Number of refresh attempts that require re-authentication"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.refresh_failed counter: %w", err)
	}

	m.TokenRevocations, err = serverMeter.Int64Counter(
		"identity.token.revocations",
		metric.WithDescription("Number of provider revocation attempts by outcome"),
		metric.WithUnit("{revocation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.revocations counter: %w", err)
	}

	m.ExpiredTokensCleared, err = serverMeter.Int64Counter(
		"identity.token.expired_cleared",
		metric.WithDescription("Number of accounts whose expired tokens were cleared by the sweeper"),
		metric.WithUnit("{account}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create token.expired_cleared counter: %w", err)
	}

	// Storage metrics
	m.StorageOperationTotal, err = storageMeter.Int64Counter(
		"storage.operation.total",
		metric.WithDescription("Total storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.total counter: %w", err)
	}

	m.StorageOperationDuration, err = storageMeter.Float64Histogram(
		"storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.operation.duration histogram: %w", err)
	}

	m.StorageUsersCount, err = storageMeter.Int64ObservableGauge(
		"storage.users.count",
		metric.WithDescription("Number of stored users"),
		metric.WithUnit("{user}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.users.count gauge: %w", err)
	}

	m.StorageAccountsCount, err = storageMeter.Int64ObservableGauge(
		"storage.accounts.count",
		metric.WithDescription("Number of stored provider accounts"),
		metric.WithUnit("{account}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.accounts.count gauge: %w", err)
	}

	m.StoragePendingStatesCount, err = storageMeter.Int64ObservableGauge(
		"storage.pending_states.count",
		metric.WithDescription("Number of pending authorization states"),
		metric.WithUnit("{state}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage.pending_states.count gauge: %w", err)
	}

	// Provider metrics
	m.ProviderAPICallsTotal, err = providerMeter.Int64Counter(
		"provider.api.calls.total",
		metric.WithDescription("Total provider API calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.calls.total counter: %w", err)
	}

	m.ProviderAPIDuration, err = providerMeter.Float64Histogram(
		"provider.api.duration",
		metric.WithDescription("Provider API call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.duration histogram: %w", err)
	}

	m.ProviderAPIErrors, err = providerMeter.Int64Counter(
		"provider.api.errors.total",
		metric.WithDescription("Total provider API errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider.api.errors.total counter: %w", err)
	}

	// Audit metrics
	m.AuditEventsTotal, err = securityMeter.Int64Counter(
		"identity.audit.events.total",
		metric.WithDescription("Total security audit events"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit.events.total counter: %w", err)
	}

	// Encryption metrics
	m.EncryptionOperationsTotal, err = securityMeter.Int64Counter(
		"identity.encryption.operations.total",
		metric.WithDescription("Total token encryption and decryption operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.operations.total counter: %w", err)
	}

	m.EncryptionDuration, err = securityMeter.Float64Histogram(
		"identity.encryption.duration",
		metric.WithDescription("Token encryption and decryption duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create encryption.duration histogram: %w", err)
	}

	return m, nil
}

// Helper methods for common metric recording patterns

// RecordLoginStarted records a login flow start
func (m *Metrics) RecordLoginStarted(ctx context.Context, provider string) {
	m.LoginStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordCallbackProcessed records a provider callback outcome. stage is the
// stage the flow failed at, or "complete" on success.
func (m *Metrics) RecordCallbackProcessed(ctx context.Context, provider, stage string, success bool, durationMs float64) {
	m.CallbackProcessed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("stage", stage),
		attribute.Bool("success", success),
	))
	m.CallbackDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordStateRejected records a callback with a missing, expired or mismatched state
func (m *Metrics) RecordStateRejected(ctx context.Context, provider string) {
	m.StateRejected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordRateLimitExceeded records a rate limit violation
func (m *Metrics) RecordRateLimitExceeded(ctx context.Context, limiterType string) {
	m.RateLimitExceeded.Add(ctx, 1, metric.WithAttributes(
		attribute.String("limiter_type", limiterType),
	))
}

// RecordUserCreated records a new local user
func (m *Metrics) RecordUserCreated(ctx context.Context, provider string) {
	m.UsersCreated.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordAccountLinked records a linked (created) or updated provider account
func (m *Metrics) RecordAccountLinked(ctx context.Context, provider string, created bool) {
	m.AccountsLinked.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("created", created),
	))
}

// RecordOwnershipConflict records a refused link to an account owned by another user
func (m *Metrics) RecordOwnershipConflict(ctx context.Context, provider string) {
	m.OwnershipConflicts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordAccountDisconnected records a disconnected provider account
func (m *Metrics) RecordAccountDisconnected(ctx context.Context, provider string) {
	m.AccountDisconnected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
	))
}

// RecordUserDeleted records a deleted user
func (m *Metrics) RecordUserDeleted(ctx context.Context) {
	m.UsersDeleted.Add(ctx, 1)
}

// RecordUsersMerged records a merge of a duplicate user into a primary user
func (m *Metrics) RecordUsersMerged(ctx context.Context) {
	m.UsersMerged.Add(ctx, 1)
}

// RecordTokenRefresh records a successful token refresh
func (m *Metrics) RecordTokenRefresh(ctx context.Context, provider string, rotated bool) {
	m.TokenRefreshed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("rotated", rotated),
	))
}

// RecordTokenRefreshFailed records a refresh that ended in re-authentication
func (m *Metrics) RecordTokenRefreshFailed(ctx context.Context, provider, reason string) {
	m.TokenRefreshFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("reason", reason),
	))
}

// RecordTokenRevocation records a revocation attempt
func (m *Metrics) RecordTokenRevocation(ctx context.Context, provider, outcome string) {
	m.TokenRevocations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("outcome", outcome),
	))
}

// RecordExpiredTokensCleared records the number of accounts cleared by one sweep
func (m *Metrics) RecordExpiredTokensCleared(ctx context.Context, count int) {
	if count <= 0 {
		return
	}
	m.ExpiredTokensCleared.Add(ctx, int64(count))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(ctx context.Context, operation, result string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("result", result),
	}

	m.StorageOperationTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.StorageOperationDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}

// RecordProviderAPICall records a provider API call
func (m *Metrics) RecordProviderAPICall(ctx context.Context, provider, operation string, statusCode int, durationMs float64, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("provider", provider),
		attribute.String("operation", operation),
		attribute.Int("status", statusCode),
	}

	m.ProviderAPICallsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.ProviderAPIDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("operation", operation),
	))

	if err != nil {
		m.ProviderAPIErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("operation", operation),
			attribute.String("error_type", ErrorType(statusCode)),
		))
	}
}

// ErrorType buckets an HTTP status into the provider error_type attribute value
func ErrorType(statusCode int) string {
	switch {
	case statusCode >= 500:
		return "server_error"
	case statusCode >= 400:
		return "client_error"
	default:
		return "unknown"
	}
}

// RecordAuditEvent records an audit event
func (m *Metrics) RecordAuditEvent(ctx context.Context, eventType string) {
	m.AuditEventsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
	))
}

// RecordEncryptionOperation records an encryption/decryption operation
func (m *Metrics) RecordEncryptionOperation(ctx context.Context, operation string, durationMs float64) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
	}

	m.EncryptionOperationsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.EncryptionDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("operation", operation),
	))
}
