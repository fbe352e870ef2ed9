package store

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/domain"
)

// InvestmentRepository reads user_bot_investments (bot_id is the storage
// column name for what the domain model calls a system).
type InvestmentRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewInvestmentRepository builds an investment repository.
func NewInvestmentRepository(db *sql.DB, log zerolog.Logger) *InvestmentRepository {
	return &InvestmentRepository{db: db, log: log.With().Str("repo", "investments").Logger()}
}

// ForAccount returns every investment row for one (user, credential_type).
func (r *InvestmentRepository) ForAccount(userID string, credType domain.CredentialType) ([]domain.Investment, error) {
	rows, err := r.db.Query(`
		SELECT bot_id, investment_amount, weight_mode
		FROM user_bot_investments WHERE user_id = ? AND credential_type = ?`,
		userID, string(credType))
	if err != nil {
		return nil, fmt.Errorf("investments: query %s/%s: %w", userID, credType, err)
	}
	defer rows.Close()

	var out []domain.Investment
	for rows.Next() {
		inv := domain.Investment{UserID: userID, CredentialType: credType}
		var weightMode string
		if err := rows.Scan(&inv.SystemID, &inv.Amount, &weightMode); err != nil {
			return nil, fmt.Errorf("investments: scan: %w", err)
		}
		inv.WeightMode = domain.WeightMode(weightMode)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// HasAnyInvestmentOrLedgerPosition reports whether this account has a
// reason to be scheduled at all (spec.md §4.5 step 1).
func (r *InvestmentRepository) HasAnyInvestmentOrLedgerPosition(userID string, credType domain.CredentialType) (bool, error) {
	var count int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM user_bot_investments WHERE user_id = ? AND credential_type = ?`,
		userID, string(credType)).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("investments: count %s/%s: %w", userID, credType, err)
	}
	if count > 0 {
		return true, nil
	}

	err = r.db.QueryRow(`SELECT COUNT(*) FROM bot_position_ledger WHERE user_id = ? AND credential_type = ? AND shares > ?`,
		userID, string(credType), domain.ShareEpsilon).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("investments: count ledger %s/%s: %w", userID, credType, err)
	}
	return count > 0, nil
}
