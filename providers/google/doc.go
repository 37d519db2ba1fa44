// Package google provides the Google OAuth 2.0 provider.
//
// It supports:
//   - Authorization code flow with offline access (refresh tokens on every consent)
//   - Token refresh
//   - Token revocation via https://oauth2.googleapis.com/revoke
//   - User info retrieval via the v2 userinfo endpoint
//
// Default scopes are "openid", "email" and "profile".
//
// Example usage:
//
//	provider, err := google.NewProvider(&google.Config{
//	    ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
//	    ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
//	    RedirectURL:  "http://localhost:8080/oauth/google/callback",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
package google
