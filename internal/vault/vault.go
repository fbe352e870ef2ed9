// Package vault implements the credential encryption boundary (spec.md C1):
// authenticated symmetric encryption of broker API secrets at rest, with a
// memory-hard key derivation so the process secret alone is not enough to
// brute-force the key offline.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// IVSize is the random nonce size used per encryption, within the 12-16
// byte range spec.md §4.1 allows; 12 bytes is the standard GCM nonce size.
const IVSize = 12

// TagSize is the authentication tag size GCM appends to the ciphertext.
const TagSize = 16

// ErrDecryptFailure is returned when the authentication tag does not match;
// the vault never returns partial plaintext in this case.
var ErrDecryptFailure = errors.New("vault: decrypt failure")

// Vault performs authenticated encryption for credential storage. It is
// agnostic to credential_type: callers pass paper/live secrets through the
// same Encrypt/Decrypt pair, scoping is the caller's concern.
type Vault struct {
	aead cipher.AEAD
}

// New derives a 256-bit key from secret+salt via scrypt and builds an
// AES-256-GCM AEAD from it. secret is typically ENCRYPTION_SECRET /
// BROKER_ENCRYPTION_KEY from the environment (spec.md §6.5).
func New(secret, salt string) (*Vault, error) {
	if secret == "" {
		return nil, fmt.Errorf("vault: empty secret")
	}

	key, err := scrypt.Key([]byte(secret), []byte(salt), 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("vault: key derivation failed: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: cipher init failed: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: gcm init failed: %w", err)
	}

	return &Vault{aead: aead}, nil
}

// Sealed is the persisted form of one encrypted secret: the ciphertext
// without its authentication tag, the IV used, and the tag split out for
// callers that store it in a separate column (broker_credentials.key_tag /
// secret_tag).
type Sealed struct {
	Ciphertext []byte
	IV         []byte
	Tag        []byte
}

// Encrypt seals plaintext under a fresh random IV.
func (v *Vault) Encrypt(plaintext []byte) (Sealed, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return Sealed{}, fmt.Errorf("vault: iv generation failed: %w", err)
	}

	sealed := v.aead.Seal(nil, iv, plaintext, nil)
	// GCM appends the tag to the ciphertext; split it so callers can store
	// ciphertext and tag in separate columns as spec.md §6.4 lays out.
	ctLen := len(sealed) - TagSize
	return Sealed{
		Ciphertext: sealed[:ctLen],
		IV:         iv,
		Tag:        sealed[ctLen:],
	}, nil
}

// Decrypt opens a previously sealed secret. Any tag mismatch, truncation,
// or corruption returns ErrDecryptFailure and no plaintext.
func (v *Vault) Decrypt(s Sealed) ([]byte, error) {
	combined := append(append([]byte{}, s.Ciphertext...), s.Tag...)

	plaintext, err := v.aead.Open(nil, s.IV, combined, nil)
	if err != nil {
		return nil, ErrDecryptFailure
	}
	return plaintext, nil
}
