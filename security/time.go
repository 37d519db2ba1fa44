package security

import "time"

// IsExpired reports whether a token with the given expiry is expired at now.
// A nil expiry means the provider did not report one and the token is
// treated as non-expiring. A token is expired from its expiry instant onward.
func IsExpired(expiresAt *time.Time, now time.Time) bool {
	if expiresAt == nil || expiresAt.IsZero() {
		return false
	}
	return !now.Before(*expiresAt)
}

// IsExpiringSoon reports whether a token expires within threshold of now.
// Use it to refresh slightly ahead of expiry.
func IsExpiringSoon(expiresAt *time.Time, now time.Time, threshold time.Duration) bool {
	if expiresAt == nil || expiresAt.IsZero() {
		return false
	}
	return !now.Add(threshold).Before(*expiresAt)
}

// ExpiresAt converts a provider expires_in value into an absolute instant.
// Non-positive values yield nil.
func ExpiresAt(now time.Time, expiresIn int64) *time.Time {
	if expiresIn <= 0 {
		return nil
	}
	t := now.Add(time.Duration(expiresIn) * time.Second)
	return &t
}
