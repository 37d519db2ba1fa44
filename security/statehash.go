package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// StateHasher computes keyed digests of authorization state values so the raw
// state never reaches storage.
type StateHasher struct {
	key []byte
}

// NewStateHasher creates a hasher from a key of at least 32 bytes.
func NewStateHasher(key []byte) (*StateHasher, error) {
	if len(key) < KeySize {
		return nil, fmt.Errorf("state hash key must be at least %d bytes, got %d", KeySize, len(key))
	}
	return &StateHasher{key: append([]byte(nil), key...)}, nil
}

// NewStateHasherFromVault derives the hasher key from the vault's primary key.
func NewStateHasherFromVault(v *Vault) (*StateHasher, error) {
	key, err := v.DeriveSubkey("state-hmac")
	if err != nil {
		return nil, err
	}
	return NewStateHasher(key)
}

// Hash returns the hex HMAC-SHA256 of state.
func (h *StateHasher) Hash(state string) string {
	mac := hmac.New(sha256.New, h.key)
	mac.Write([]byte(state))
	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
