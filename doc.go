// Package identity links third-party OAuth logins (Google, GitHub, Microsoft)
// to local users and manages the provider tokens afterwards.
//
// A Manager is built from a Config, usually read from the environment:
//
//	cfg, err := identity.LoadConfigFromEnv()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	mgr, err := identity.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mgr.Close()
//
// Login is two calls. BeginLogin returns the provider URL to redirect the
// browser to; HandleCallback completes the flow when the provider redirects
// back and returns the local user and the linked account:
//
//	authURL, err := mgr.BeginLogin(ctx, "github", sessionID, "")
//	...
//	res, err := mgr.HandleCallback(ctx, "github", sessionID, server.CallbackParams{
//	    Code:  q.Get("code"),
//	    State: q.Get("state"),
//	})
//
// RefreshIfNeeded returns a usable access token for a linked account.
// When it returns ErrReauthenticationRequired the user must log in again.
//
// Provider tokens are encrypted with AES-256-GCM before they are stored.
// Users, accounts and profiles live in memory or in SQL (SQLite, MySQL,
// PostgreSQL through GORM); pending states and refresh locks may be moved
// to Valkey so that several processes share them.
//
// Subpackages:
//   - providers: provider registry and the Google, GitHub and Microsoft clients
//   - stateguard: single-use authorization state
//   - linker: user resolution, account linking and merging
//   - server: the login and token lifecycle orchestrator
//   - storage: storage interfaces and the memory, gormstore and valkey backends
//   - security: token vault, state hashing, login rate limiting and auditing
//   - instrumentation: OpenTelemetry tracing and metrics
package identity
