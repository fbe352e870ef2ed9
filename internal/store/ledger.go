package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/domain"
)

// LedgerRepository reads/writes bot_position_ledger, the per-(user,
// credential_type,bucket,ticker) share attribution table. bot_id is the
// storage name for domain.Bucket.ID().
type LedgerRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewLedgerRepository builds a ledger repository.
func NewLedgerRepository(db *sql.DB, log zerolog.Logger) *LedgerRepository {
	return &LedgerRepository{db: db, log: log.With().Str("repo", "ledger").Logger()}
}

// ForAccount returns every ledger row with positive shares for one account.
func (r *LedgerRepository) ForAccount(userID string, credType domain.CredentialType) ([]domain.LedgerEntry, error) {
	rows, err := r.db.Query(`
		SELECT bot_id, symbol, shares, avg_price, updated_at
		FROM bot_position_ledger WHERE user_id = ? AND credential_type = ? AND shares > ?`,
		userID, string(credType), domain.ShareEpsilon)
	if err != nil {
		return nil, fmt.Errorf("ledger: query %s/%s: %w", userID, credType, err)
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var bucketID, updatedAt string
		entry := domain.LedgerEntry{UserID: userID, CredentialType: credType}
		if err := rows.Scan(&bucketID, &entry.Ticker, &entry.Shares, &entry.AvgPrice, &updatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		entry.Bucket = domain.BucketFromID(bucketID)
		if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
			entry.UpdatedAt = t
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// Upsert writes one ledger row, creating or replacing the share/avg_price
// for (user, credential_type, bucket, ticker).
func (r *LedgerRepository) Upsert(entry domain.LedgerEntry) error {
	_, err := r.db.Exec(`
		INSERT INTO bot_position_ledger (user_id, credential_type, bot_id, symbol, shares, avg_price, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, credential_type, bot_id, symbol) DO UPDATE SET
			shares = excluded.shares,
			avg_price = excluded.avg_price,
			updated_at = excluded.updated_at`,
		entry.UserID, string(entry.CredentialType), entry.Bucket.ID(), entry.Ticker,
		entry.Shares, entry.AvgPrice, entry.UpdatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("ledger: upsert %s/%s/%s/%s: %w", entry.UserID, entry.CredentialType, entry.Bucket.ID(), entry.Ticker, err)
	}
	return nil
}

// Delete removes one ledger row outright, used for phantom purges.
func (r *LedgerRepository) Delete(userID string, credType domain.CredentialType, bucket domain.Bucket, ticker string) error {
	_, err := r.db.Exec(`
		DELETE FROM bot_position_ledger WHERE user_id = ? AND credential_type = ? AND bot_id = ? AND symbol = ?`,
		userID, string(credType), bucket.ID(), ticker)
	if err != nil {
		return fmt.Errorf("ledger: delete %s/%s/%s/%s: %w", userID, credType, bucket.ID(), ticker, err)
	}
	return nil
}
