// Package stateguard protects the authorization-code flow against CSRF.
//
// Issue returns a 256-bit random state that the caller places in the
// provider redirect. Only an HMAC of the state, keyed with a subkey of the
// token vault, is persisted next to the provider and session it was issued
// for. ValidateAndConsume succeeds at most once per issued state; the
// underlying store performs the compare-and-delete atomically.
package stateguard
