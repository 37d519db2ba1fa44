// Package testutil provides testing utilities and fixtures for the identity
// module: a controllable clock, a throwaway vault, and user and account
// fixtures for storage tests.
package testutil
