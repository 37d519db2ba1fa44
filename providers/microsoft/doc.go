// Package microsoft provides the Microsoft identity platform provider.
//
// Endpoints are tenant scoped (login.microsoftonline.com/{tenant}/oauth2/v2.0)
// and the profile is read from Microsoft Graph /me. Refresh is supported when
// the offline_access scope is granted. Token revocation is not available, so
// RevokeToken returns providers.ErrRevocationUnsupported.
package microsoft
