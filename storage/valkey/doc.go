// Package valkey provides Valkey-backed pending-state storage and
// distributed locking for deployments that run more than one instance.
//
// Valkey is wire-compatible with Redis. The Store type implements:
//
//   - [storage.StateStore]: pending login states with native TTL expiry
//   - [storage.Locker]: a SET NX PX mutex used to serialize account linking
//     and token refresh across processes
//
// # Key Schema
//
// All keys use a configurable prefix (default "oauth-identity:"):
//
//	{prefix}state:{provider}:{sessionID}  -> JSON(state hash, timestamps) (with TTL)
//	{prefix}lock:{key}                    -> holder token (with TTL)
//
// # Atomic Operations
//
// ConsumeAuthState checks expiry, compares the state hash and deletes the
// key inside one Lua script, so a state can be consumed at most once even
// when callbacks race on different instances. Unlock compares the holder
// token before deleting, so an expired holder never releases a lock that
// another process has since acquired.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "valkey.example.com:6379",
//	    Password:  os.Getenv("VALKEY_PASSWORD"),
//	    TLS:       &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// Users, accounts and profiles live in a relational store; see package
// gormstore.
package valkey
