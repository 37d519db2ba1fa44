// Package providers defines the identity provider abstraction.
//
// A Provider covers the outbound half of the OAuth 2.0 authorization-code
// flow: building the authorization URL, exchanging the code, fetching the
// user-info document, mapping it to a CanonicalProfile, refreshing and
// revoking tokens.
//
// Standard implements Provider for any provider described by a Definition,
// using golang.org/x/oauth2 for the token endpoint. Implementations are
// provided in subpackages:
//   - providers/google: Google OAuth 2.0 (refresh and revocation supported)
//   - providers/github: GitHub OAuth Apps (no refresh; revocation via the applications API)
//   - providers/microsoft: Microsoft identity platform v2.0 (tenant scoped)
//   - providers/mock: function-field mock for tests
//
// Providers are collected into an immutable Registry at startup:
//
//	gh, err := github.NewProvider(&github.Config{
//	    ClientID:     "client-id",
//	    ClientSecret: "client-secret",
//	    RedirectURL:  "https://app.example.com/oauth/github/callback",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	registry, err := providers.NewRegistry(gh)
//
// Errors returned by providers are typed (TokenExchangeError,
// UserInfoFetchError, ProviderUnavailableError, TokenRefreshError) and
// match their sentinel with errors.Is.
package providers
