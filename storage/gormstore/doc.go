// Package gormstore provides a relational implementation of the identity
// storage interfaces on GORM, supporting MySQL, PostgreSQL and SQLite.
//
// Uniqueness of normalized emails and of (provider, provider account id)
// pairs is enforced by unique indexes, so concurrent callers across several
// processes cannot create duplicate users or double-link an account. Account
// upserts and state consumption run in transactions with row locks where the
// dialect supports them.
//
// Token columns hold whatever the caller stores; use storage.SealTokens to
// encrypt them before saving.
//
// Usage:
//
//	db, err := gormstore.Open(gormstore.DriverPostgres, dsn, logger)
//	if err != nil {
//		return err
//	}
//	if err := gormstore.AutoMigrate(db); err != nil {
//		return err
//	}
//	store := gormstore.New(db)
//
// The store does not implement storage.Locker; pair it with the memory
// locker for a single instance or the valkey locker for a fleet.
package gormstore
