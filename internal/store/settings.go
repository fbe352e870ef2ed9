package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/domain"
)

// SettingsRepository reads/writes trading_settings.
type SettingsRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSettingsRepository builds a settings repository.
func NewSettingsRepository(db *sql.DB, log zerolog.Logger) *SettingsRepository {
	return &SettingsRepository{db: db, log: log.With().Str("repo", "settings").Logger()}
}

// Get loads one user's trading settings, falling back to
// domain.DefaultTradingSettings if the user has none configured yet.
func (r *SettingsRepository) Get(userID string) (domain.TradingSettings, error) {
	var s domain.TradingSettings
	var pairedJSON string
	var enabled int
	var orderType, cashReserveMode string
	var fallbackTicker sql.NullString

	err := r.db.QueryRow(`
		SELECT enabled, minutes_before_close, order_type, limit_percent, max_allocation_percent,
		       fallback_ticker, cash_reserve_mode, cash_reserve_amount, paired_tickers, market_hours_check_hour
		FROM trading_settings WHERE user_id = ?`, userID,
	).Scan(&enabled, &s.MinutesBeforeClose, &orderType, &s.LimitPercent, &s.MaxAllocationPercent,
		&fallbackTicker, &cashReserveMode, &s.CashReserveAmount, &pairedJSON, &s.MarketHoursCheckHour)

	if err == sql.ErrNoRows {
		return domain.DefaultTradingSettings(), nil
	}
	if err != nil {
		return domain.TradingSettings{}, fmt.Errorf("settings: query %s: %w", userID, err)
	}

	s.Enabled = enabled != 0
	s.OrderType = domain.OrderType(orderType)
	s.CashReserveMode = domain.CashReserveMode(cashReserveMode)
	s.FallbackTicker = fallbackTicker.String

	if pairedJSON != "" {
		if err := json.Unmarshal([]byte(pairedJSON), &s.PairedTickers); err != nil {
			return domain.TradingSettings{}, fmt.Errorf("settings: decode paired_tickers for %s: %w", userID, err)
		}
	}

	return s, nil
}

// EnabledUserIDs returns every user_id with enabled=1.
func (r *SettingsRepository) EnabledUserIDs() ([]string, error) {
	rows, err := r.db.Query(`SELECT user_id FROM trading_settings WHERE enabled = 1`)
	if err != nil {
		return nil, fmt.Errorf("settings: query enabled users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("settings: scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
