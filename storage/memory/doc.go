// Package memory provides an in-memory implementation of the identity storage interfaces.
//
// This package implements UserStore, AccountStore, ProfileStore, StateStore
// and Locker using Go maps with mutex protection. It is suitable for
// development, testing, and single-instance deployments where persistence is
// not required.
//
// Features:
//   - Thread-safe operations using sync.RWMutex
//   - Automatic cleanup of expired pending login states
//   - In-process keyed locks for refresh and link serialization
//   - Storage size gauges when instrumentation is set
//
// For persistence use storage/gormstore, and storage/valkey for pending
// states and locks shared between replicas.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
package memory
