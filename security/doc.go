// Package security holds the cryptographic and protective pieces of the
// identity manager.
//
// # Token Vault
//
// Vault encrypts provider tokens with AES-256-GCM before they are stored.
// Ciphertexts are prefixed with a short key identifier so previous keys can
// stay in the keyring for decryption while new values use the primary key:
//
//	vault, err := security.LoadVault(cfg.EncryptionKey, cfg.PreviousEncryptionKeys, false, logger)
//	sealed, _ := vault.Encrypt(accessToken)
//	plain, err := vault.Decrypt(sealed) // *DecryptionFailure on tampering
//
// Startup fails with ErrEncryptionKeyRequired when no key is configured, unless
// an ephemeral key is explicitly allowed for development.
//
// # State hashing
//
// StateHasher stores an HMAC of each authorization state instead of the state
// itself. Its key is derived from the vault key with HKDF.
//
// # Login rate limiting
//
// LoginLimiter is a per-key token bucket with LRU eviction, used to throttle
// repeated login starts from one session.
//
// # Audit logging
//
// Auditor writes "security_audit" records through log/slog with user and
// session identifiers hashed.
package security
