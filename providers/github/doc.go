// Package github implements the identity provider for GitHub OAuth Apps.
//
// GitHub OAuth differs from the other providers in several ways:
//   - Non-expiring tokens: OAuth Apps issue tokens that don't expire
//   - No refresh tokens: RefreshToken returns providers.ErrRefreshUnsupported
//   - Email privacy: when /user has no public email, the primary verified
//     address is read from /user/emails
//   - API calls use the "token" Authorization scheme
//
// Revocation deletes the grant through the applications API
// (DELETE /applications/{client_id}/token) authenticated with the client
// credentials.
//
// # Example Usage
//
//	provider, err := github.NewProvider(&github.Config{
//	    ClientID:     os.Getenv("GITHUB_CLIENT_ID"),
//	    ClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
//	    RedirectURL:  "http://localhost:8080/oauth/github/callback",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
package github
