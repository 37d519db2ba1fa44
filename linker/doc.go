// Package linker maintains one canonical local user per email address and
// attaches provider accounts to it.
//
// A provider identity, (provider, external id), belongs to exactly one
// user. Linking it again for the same user refreshes the stored tokens in
// place; linking it for a different user fails with
// storage.ErrAccountOwnershipConflict and leaves the existing account
// untouched. Tokens are sealed with the configured cipher before they reach
// the store.
package linker
