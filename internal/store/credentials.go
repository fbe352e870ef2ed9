// Package store holds the repositories over the tables in spec.md §6.4.
// Adapted from the teacher's *Repository-wrapping-*sql.DB pattern (see
// portfolio.PositionRepository): one small struct per table, explicit SQL,
// no ORM.
package store

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/domain"
	"github.com/aristath/daily-rebalancer/internal/vault"
)

// CredentialRepository persists and decrypts broker_credentials rows. The
// API key and secret are sealed independently, each with its own IV/tag,
// since AES-GCM requires a fresh nonce per encryption.
type CredentialRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewCredentialRepository builds a credential repository.
func NewCredentialRepository(db *sql.DB, log zerolog.Logger) *CredentialRepository {
	return &CredentialRepository{db: db, log: log.With().Str("repo", "credentials").Logger()}
}

// Put encrypts and stores one account's broker API key/secret pair.
func (r *CredentialRepository) Put(v *vault.Vault, userID string, credType domain.CredentialType, apiKey, apiSecret, baseURL string) error {
	sealedKey, err := v.Encrypt([]byte(apiKey))
	if err != nil {
		return fmt.Errorf("credentials: encrypt api key: %w", err)
	}
	sealedSecret, err := v.Encrypt([]byte(apiSecret))
	if err != nil {
		return fmt.Errorf("credentials: encrypt api secret: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO broker_credentials (user_id, credential_type, encrypted_api_key, key_iv, key_tag, encrypted_api_secret, secret_iv, secret_tag, base_url)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, credential_type) DO UPDATE SET
			encrypted_api_key = excluded.encrypted_api_key,
			key_iv = excluded.key_iv,
			key_tag = excluded.key_tag,
			encrypted_api_secret = excluded.encrypted_api_secret,
			secret_iv = excluded.secret_iv,
			secret_tag = excluded.secret_tag,
			base_url = excluded.base_url`,
		userID, string(credType),
		sealedKey.Ciphertext, sealedKey.IV, sealedKey.Tag,
		sealedSecret.Ciphertext, sealedSecret.IV, sealedSecret.Tag,
		baseURL)
	if err != nil {
		return fmt.Errorf("credentials: upsert: %w", err)
	}
	return nil
}

// Decrypt loads and decrypts one account's credentials. Returns
// sql.ErrNoRows if the account has none configured (spec.md §4.9 step 3a:
// "missing → fail user with NoCredentials").
func (r *CredentialRepository) Decrypt(v *vault.Vault, userID string, credType domain.CredentialType) (apiKey, apiSecret, baseURL string, err error) {
	var keyCipher, keyIV, keyTag, secretCipher, secretIV, secretTag []byte
	err = r.db.QueryRow(`
		SELECT encrypted_api_key, key_iv, key_tag, encrypted_api_secret, secret_iv, secret_tag, base_url
		FROM broker_credentials WHERE user_id = ? AND credential_type = ?`,
		userID, string(credType),
	).Scan(&keyCipher, &keyIV, &keyTag, &secretCipher, &secretIV, &secretTag, &baseURL)
	if err != nil {
		return "", "", "", err
	}

	keyPlain, err := v.Decrypt(vault.Sealed{Ciphertext: keyCipher, IV: keyIV, Tag: keyTag})
	if err != nil {
		return "", "", "", fmt.Errorf("credentials: decrypt api key: %w", err)
	}
	secretPlain, err := v.Decrypt(vault.Sealed{Ciphertext: secretCipher, IV: secretIV, Tag: secretTag})
	if err != nil {
		return "", "", "", fmt.Errorf("credentials: decrypt api secret: %w", err)
	}

	return string(keyPlain), string(secretPlain), baseURL, nil
}
