// Package instrumentation provides OpenTelemetry (OTEL) instrumentation for the identity lifecycle.
//
// It exposes a Metrics holder with pre-registered instruments and a set of
// nil-safe span helpers used by the storage, provider and server layers.
//
// # Quick Start
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "accounts-api",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//
// Callers with an existing OTEL pipeline pass their providers through
// Config.TracerProvider and Config.MeterProvider.
//
// # Available Metrics
//
// Login flow:
//   - identity.login.started{provider}
//   - identity.callback.processed{provider, stage, success}
//   - identity.callback.duration{provider}
//   - identity.state.rejected{provider}
//   - identity.rate_limit.exceeded{limiter_type}
//
// Identity:
//   - identity.user.created{provider}
//   - identity.account.linked{provider, created}
//   - identity.account.ownership_conflict{provider}
//   - identity.account.disconnected{provider}
//   - identity.user.deleted, identity.user.merged
//
// Tokens:
//   - identity.token.refreshed{provider, rotated}
//   - identity.token.refresh_failed{provider, reason}
//   - identity.token.revocations{provider, outcome}
//   - identity.token.expired_cleared
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.operation.duration{operation}
//   - storage.users.count, storage.accounts.count, storage.pending_states.count
//
// Provider:
//   - provider.api.calls.total{provider, operation, status}
//   - provider.api.duration{provider, operation}
//   - provider.api.errors.total{provider, operation, error_type}
//
// # Security Considerations
//
// Traces and metrics never carry token values, authorization codes or state
// values. User IDs are opaque UUIDs; email addresses are not recorded.
package instrumentation
