package security

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/giantswarm/oauth-identity/instrumentation"
)

// KeySize is the required key length for AES-256.
const KeySize = 32

// keyIDSeparator separates the key identifier from the sealed payload.
// It never appears in base64url output.
const keyIDSeparator = "."

var (
	// ErrDecryptionFailure is matched by every *DecryptionFailure.
	ErrDecryptionFailure = errors.New("token decryption failed")

	// ErrEncryptionKeyRequired is returned when no encryption key is configured
	// and an ephemeral key was not explicitly allowed.
	ErrEncryptionKeyRequired = errors.New("token encryption key is required")
)

// DecryptionFailure reports a ciphertext that could not be opened: malformed
// encoding, a key that is no longer in the keyring, or a failed GCM tag check.
type DecryptionFailure struct {
	Reason string
	Err    error
}

func (e *DecryptionFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "token decryption failed: " + e.Reason
}

func (e *DecryptionFailure) Unwrap() error { return e.Err }

// Is reports whether target is ErrDecryptionFailure.
func (e *DecryptionFailure) Is(target error) bool {
	return target == ErrDecryptionFailure
}

// Vault encrypts provider tokens at rest using AES-256-GCM.
//
// A Vault holds one primary key, used for all new ciphertexts, and any number
// of previous keys that are only used for decryption. Each ciphertext carries
// the identifier of the key that sealed it, so keys can be rotated without
// rewriting stored rows up front.
type Vault struct {
	primaryID string
	primary   []byte
	aeads     map[string]cipher.AEAD
	metrics   *instrumentation.Metrics
}

// SetMetrics records encrypt and decrypt operations. Call before the vault
// is shared.
func (v *Vault) SetMetrics(m *instrumentation.Metrics) {
	v.metrics = m
}

func (v *Vault) recordOperation(operation string, start time.Time) {
	if v.metrics == nil {
		return
	}
	v.metrics.RecordEncryptionOperation(context.Background(), operation,
		float64(time.Since(start).Microseconds())/1000)
}

// NewVault creates a vault from a 32-byte primary key and optional previous keys.
func NewVault(primary []byte, previous ...[]byte) (*Vault, error) {
	if len(primary) != KeySize {
		return nil, fmt.Errorf("encryption key must be exactly %d bytes for AES-256, got %d", KeySize, len(primary))
	}

	v := &Vault{
		primaryID: keyID(primary),
		primary:   append([]byte(nil), primary...),
		aeads:     make(map[string]cipher.AEAD, len(previous)+1),
	}

	for i, key := range append([][]byte{primary}, previous...) {
		if len(key) != KeySize {
			return nil, fmt.Errorf("previous encryption key %d must be %d bytes, got %d", i, KeySize, len(key))
		}
		aead, err := newAEAD(key)
		if err != nil {
			return nil, err
		}
		id := keyID(key)
		if _, exists := v.aeads[id]; !exists {
			v.aeads[id] = aead
		}
	}

	return v, nil
}

// LoadVault builds a vault from base64-encoded keys as they appear in
// configuration. When encodedKey is empty the call fails with
// ErrEncryptionKeyRequired unless allowEphemeral is set, in which case a
// random key is generated and a warning is logged: every token written with
// it becomes unreadable after a restart.
func LoadVault(encodedKey string, encodedPrevious []string, allowEphemeral bool, logger *slog.Logger) (*Vault, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var primary []byte
	if encodedKey == "" {
		if !allowEphemeral {
			return nil, ErrEncryptionKeyRequired
		}
		key, err := GenerateKey()
		if err != nil {
			return nil, err
		}
		primary = key
		logger.Warn("No token encryption key configured, using an ephemeral key",
			"risk", "stored provider tokens cannot be decrypted after restart",
			"recommendation", "set a persistent base64-encoded 32-byte key")
	} else {
		key, err := KeyFromBase64(encodedKey)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption key: %w", err)
		}
		primary = key
	}

	previous := make([][]byte, 0, len(encodedPrevious))
	for i, enc := range encodedPrevious {
		if enc == "" {
			continue
		}
		key, err := KeyFromBase64(enc)
		if err != nil {
			return nil, fmt.Errorf("invalid previous encryption key %d: %w", i, err)
		}
		previous = append(previous, key)
	}

	return NewVault(primary, previous...)
}

// Encrypt seals plaintext with the primary key.
// The empty string is passed through unchanged.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	defer v.recordOperation("encrypt", time.Now())

	aead := v.aeads[v.primaryID]
	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Storage format: <key id>.<base64url(nonce || ciphertext || tag)>
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return v.primaryID + keyIDSeparator + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by Encrypt with any key in the keyring.
// The empty string is passed through unchanged. All failures are reported as
// *DecryptionFailure.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	defer v.recordOperation("decrypt", time.Now())

	id, payload, ok := strings.Cut(ciphertext, keyIDSeparator)
	if !ok || id == "" || payload == "" {
		return "", &DecryptionFailure{Reason: "malformed ciphertext"}
	}

	aead, ok := v.aeads[id]
	if !ok {
		return "", &DecryptionFailure{Reason: "unknown key id"}
	}

	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return "", &DecryptionFailure{Reason: "invalid encoding", Err: err}
	}

	nonceSize := aead.NonceSize()
	if len(raw) < nonceSize+aead.Overhead() {
		return "", &DecryptionFailure{Reason: "ciphertext too short"}
	}

	plaintext, err := aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", &DecryptionFailure{Reason: "authentication failed", Err: err}
	}

	return string(plaintext), nil
}

// NeedsRotation reports whether ciphertext was sealed with a key other than
// the current primary key.
func (v *Vault) NeedsRotation(ciphertext string) bool {
	if ciphertext == "" {
		return false
	}
	id, _, _ := strings.Cut(ciphertext, keyIDSeparator)
	return id != v.primaryID
}

// PrimaryKeyID returns the identifier embedded in new ciphertexts.
func (v *Vault) PrimaryKeyID() string {
	return v.primaryID
}

// DeriveSubkey derives an independent 32-byte key for the given purpose from
// the primary key using HKDF-SHA256.
func (v *Vault) DeriveSubkey(purpose string) ([]byte, error) {
	if purpose == "" {
		return nil, fmt.Errorf("subkey purpose must not be empty")
	}
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, v.primary, nil, []byte("oauth-identity/"+purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("failed to derive subkey: %w", err)
	}
	return out, nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// keyID is a short, non-reversible fingerprint of a key.
func keyID(key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("oauth-identity/key-id"))
	return hex.EncodeToString(mac.Sum(nil))[:8]
}

// GenerateKey generates a new 32-byte encryption key for AES-256
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// KeyFromBase64 decodes a base64-encoded encryption key
func KeyFromBase64(s string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64 key: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}

// KeyToBase64 encodes an encryption key to base64
func KeyToBase64(key []byte) string {
	return base64.StdEncoding.EncodeToString(key)
}
