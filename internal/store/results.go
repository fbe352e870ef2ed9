package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/domain"
)

// UserResult is one user's recorded outcome for an execution (spec.md §4.9
// step 3l).
type UserResult struct {
	ExecutionID     string
	UserID          string
	CredentialType  domain.CredentialType
	QueuePosition   int
	Status          domain.QueueStatus
	NetTrades       map[string]float64
	OrdersExecuted  []OrderOutcome
	Attribution     map[string]map[string]float64 // system -> ticker -> shares
	PnL             map[string]SystemPnL           // system -> pnl
	Errors          []string
	StartedAt       time.Time
	CompletedAt     time.Time
}

// OrderOutcome records one submitted order's fate.
type OrderOutcome struct {
	Ticker string  `json:"ticker"`
	Side   string  `json:"side"`
	Qty    float64 `json:"qty"`
	Status string  `json:"status"`
	Error  string  `json:"error,omitempty"`
}

// SystemPnL is one system's unrealized P&L for a user at execution time.
type SystemPnL struct {
	MarketValue    float64 `json:"market_value"`
	CostBasis      float64 `json:"cost_basis"`
	Unrealized     float64 `json:"unrealized"`
	UnrealizedPct  float64 `json:"unrealized_pct"`
	Sharpe         *float64 `json:"sharpe,omitempty"`
	Volatility     *float64 `json:"volatility,omitempty"`
	RSI            *float64 `json:"rsi,omitempty"`
}

// ResultRepository owns user_execution_results.
type ResultRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewResultRepository builds a result repository.
func NewResultRepository(db *sql.DB, log zerolog.Logger) *ResultRepository {
	return &ResultRepository{db: db, log: log.With().Str("repo", "results").Logger()}
}

// Save upserts one user's execution result row.
func (r *ResultRepository) Save(res UserResult) error {
	netTradesJSON, err := json.Marshal(res.NetTrades)
	if err != nil {
		return fmt.Errorf("results: marshal net_trades: %w", err)
	}
	ordersJSON, err := json.Marshal(res.OrdersExecuted)
	if err != nil {
		return fmt.Errorf("results: marshal orders: %w", err)
	}
	attributionJSON, err := json.Marshal(res.Attribution)
	if err != nil {
		return fmt.Errorf("results: marshal attribution: %w", err)
	}
	pnlJSON, err := json.Marshal(res.PnL)
	if err != nil {
		return fmt.Errorf("results: marshal pnl: %w", err)
	}
	errorsJSON, err := json.Marshal(res.Errors)
	if err != nil {
		return fmt.Errorf("results: marshal errors: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO user_execution_results (execution_id, user_id, credential_type, queue_position, status,
			net_trades, orders_executed, attribution_results, pnl_results, errors, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(execution_id, user_id, credential_type) DO UPDATE SET
			status = excluded.status,
			net_trades = excluded.net_trades,
			orders_executed = excluded.orders_executed,
			attribution_results = excluded.attribution_results,
			pnl_results = excluded.pnl_results,
			errors = excluded.errors,
			completed_at = excluded.completed_at`,
		res.ExecutionID, res.UserID, string(res.CredentialType), res.QueuePosition, string(res.Status),
		string(netTradesJSON), string(ordersJSON), string(attributionJSON), string(pnlJSON), string(errorsJSON),
		res.StartedAt.UTC().Format(time.RFC3339), res.CompletedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("results: save %s/%s: %w", res.UserID, res.ExecutionID, err)
	}
	return nil
}
