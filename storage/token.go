package storage

import (
	"fmt"
)

// Cipher encrypts token fields before they reach a store.
// *security.Vault satisfies it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// PlainTokens is the decrypted form of an account's token fields.
// It must never be persisted or logged.
type PlainTokens struct {
	AccessToken  string
	RefreshToken string
	IDToken      string
}

// SealTokens encrypts tokens into acct's token fields.
// Empty values stay empty so "no token" remains distinguishable.
func SealTokens(acct *OAuthAccount, tokens PlainTokens, c Cipher) error {
	if c == nil {
		return fmt.Errorf("cipher is required to seal tokens")
	}

	sealed := make([]string, 3)
	for i, v := range []string{tokens.AccessToken, tokens.RefreshToken, tokens.IDToken} {
		ct, err := c.Encrypt(v)
		if err != nil {
			return fmt.Errorf("failed to encrypt %s: %w", sealedFieldNames[i], err)
		}
		sealed[i] = ct
	}

	acct.AccessToken = sealed[0]
	acct.RefreshToken = sealed[1]
	acct.IDToken = sealed[2]
	return nil
}

// OpenTokens decrypts acct's token fields.
func OpenTokens(acct *OAuthAccount, c Cipher) (PlainTokens, error) {
	if c == nil {
		return PlainTokens{}, fmt.Errorf("cipher is required to open tokens")
	}

	opened := make([]string, 3)
	for i, v := range []string{acct.AccessToken, acct.RefreshToken, acct.IDToken} {
		pt, err := c.Decrypt(v)
		if err != nil {
			return PlainTokens{}, fmt.Errorf("failed to decrypt %s: %w", sealedFieldNames[i], err)
		}
		opened[i] = pt
	}

	return PlainTokens{AccessToken: opened[0], RefreshToken: opened[1], IDToken: opened[2]}, nil
}

var sealedFieldNames = [...]string{"access_token", "refresh_token", "id_token"}
