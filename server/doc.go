// Package server implements the identity lifecycle orchestrator.
//
// The Server drives the login callback state machine and owns every
// operation that touches stored provider credentials after login:
//
//   - BeginLogin issues a single-use state and returns the provider redirect
//   - HandleCallback validates the state, exchanges the code, fetches the
//     profile, resolves the local user and links the provider account
//   - RefreshIfNeeded returns a usable access token, refreshing it under a
//     per-account lock when it has expired
//   - Disconnect, DeleteUser and MergeUsers manage linked accounts
//   - SweepExpiredTokens and StartSweeper clear credentials that expired
//
// Callback stages are reported on failure through *FlowError:
//
//	AWAITING_CODE -> STATE_VALIDATED -> TOKENS_EXCHANGED ->
//	PROFILE_FETCHED -> IDENTITY_LINKED -> COMPLETE
//
// Tokens are encrypted with the security.Vault before they reach storage
// and are only decrypted to be returned by RefreshIfNeeded or revoked.
//
// Example usage:
//
//	registry, _ := providers.NewRegistry(googleProvider, githubProvider)
//	store := memory.New()
//
//	srv, err := server.New(registry, store, store, store, vault, &server.Config{
//	    DefaultRedirectURI: "https://app.example.com/callback",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Shutdown()
//
//	authURL, err := srv.BeginLogin(ctx, "google", sessionID, "")
//	...
//	res, err := srv.HandleCallback(ctx, "google", sessionID, server.CallbackParams{
//	    Code:  r.URL.Query().Get("code"),
//	    State: r.URL.Query().Get("state"),
//	})
package server
