// Package storage defines the persistence contracts for local users, their
// linked provider accounts, user profiles and pending login states.
//
// The storage package defines the interfaces used throughout the module:
//   - UserStore: users keyed by ID and by normalized email
//   - AccountStore: provider accounts, unique per (provider, provider account id)
//   - ProfileStore: one profile per user
//   - StateStore: single-use pending login states
//   - Locker: mutual exclusion for refresh and link operations
//
// It also provides the token sealing helpers that move account tokens through
// the encryption vault before they reach a store.
//
// Implementations are provided in subpackages:
//   - storage/memory: in-memory storage for development and testing
//   - storage/gormstore: relational storage on MySQL, PostgreSQL or SQLite
//   - storage/valkey: Valkey/Redis-compatible state store and distributed locker
package storage
