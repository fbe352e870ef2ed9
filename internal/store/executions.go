package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/domain"
)

// ExecutionRepository owns trade_executions_v2, the top-level execution
// lifecycle row the orchestrator (C10) drives.
type ExecutionRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewExecutionRepository builds an execution repository.
func NewExecutionRepository(db *sql.DB, log zerolog.Logger) *ExecutionRepository {
	return &ExecutionRepository{db: db, log: log.With().Str("repo", "executions").Logger()}
}

// Create inserts a new execution row in the warmup phase.
func (r *ExecutionRepository) Create(executionID string, startedAt time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO trade_executions_v2 (execution_id, phase, started_at, errors)
		VALUES (?, ?, ?, '[]')`,
		executionID, string(domain.PhaseWarmup), startedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("executions: create %s: %w", executionID, err)
	}
	return nil
}

// SetPhase transitions an execution's phase.
func (r *ExecutionRepository) SetPhase(executionID string, phase domain.ExecutionPhase) error {
	_, err := r.db.Exec(`UPDATE trade_executions_v2 SET phase = ? WHERE execution_id = ?`, string(phase), executionID)
	if err != nil {
		return fmt.Errorf("executions: set phase %s: %w", executionID, err)
	}
	return nil
}

// Complete finalizes an execution with totals, errors, and completion time.
func (r *ExecutionRepository) Complete(executionID string, phase domain.ExecutionPhase, totals domain.ExecutionTotals, errs []string, completedAt time.Time) error {
	errJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("executions: marshal errors %s: %w", executionID, err)
	}
	_, err = r.db.Exec(`
		UPDATE trade_executions_v2 SET phase = ?, completed_at = ?, total_users = ?, total_systems = ?,
			total_tickers = ?, total_trades = ?, errors = ? WHERE execution_id = ?`,
		string(phase), completedAt.UTC().Format(time.RFC3339), totals.Users, totals.Systems,
		totals.Tickers, totals.Trades, string(errJSON), executionID)
	if err != nil {
		return fmt.Errorf("executions: complete %s: %w", executionID, err)
	}
	return nil
}

// History returns the most recent executions, newest first.
func (r *ExecutionRepository) History(limit int) ([]domain.ExecutionRecord, error) {
	rows, err := r.db.Query(`
		SELECT execution_id, phase, started_at, completed_at, total_users, total_systems, total_tickers, total_trades, errors
		FROM trade_executions_v2 ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("executions: history: %w", err)
	}
	defer rows.Close()

	var out []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecutionRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Details loads one execution by id.
func (r *ExecutionRepository) Details(executionID string) (domain.ExecutionRecord, error) {
	row := r.db.QueryRow(`
		SELECT execution_id, phase, started_at, completed_at, total_users, total_systems, total_tickers, total_trades, errors
		FROM trade_executions_v2 WHERE execution_id = ?`, executionID)
	return scanExecutionRecord(row)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanExecutionRecord(row rowScanner) (domain.ExecutionRecord, error) {
	var rec domain.ExecutionRecord
	var phase, startedAt string
	var completedAt sql.NullString
	var errJSON string

	err := row.Scan(&rec.ExecutionID, &phase, &startedAt, &completedAt,
		&rec.Totals.Users, &rec.Totals.Systems, &rec.Totals.Tickers, &rec.Totals.Trades, &errJSON)
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("executions: scan: %w", err)
	}

	rec.Phase = domain.ExecutionPhase(phase)
	if t, err := time.Parse(time.RFC3339, startedAt); err == nil {
		rec.StartedAt = t
	}
	if completedAt.Valid {
		if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
			rec.CompletedAt = &t
		}
	}
	if errJSON != "" {
		_ = json.Unmarshal([]byte(errJSON), &rec.Errors)
	}

	return rec, nil
}

// QueueRepository owns execution_queue, the per-run randomized user order.
type QueueRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewQueueRepository builds a queue repository.
func NewQueueRepository(db *sql.DB, log zerolog.Logger) *QueueRepository {
	return &QueueRepository{db: db, log: log.With().Str("repo", "queue").Logger()}
}

// Persist writes the shuffled queue rows for one execution, all starting
// pending.
func (r *QueueRepository) Persist(executionID string, accounts []domain.Account) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("queue: begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO execution_queue (execution_id, user_id, credential_type, queue_position, status)
		VALUES (?, ?, ?, ?, 'pending')`)
	if err != nil {
		return fmt.Errorf("queue: prepare: %w", err)
	}
	defer stmt.Close()

	for i, acc := range accounts {
		if _, err := stmt.Exec(executionID, acc.UserID, string(acc.CredentialType), i); err != nil {
			return fmt.Errorf("queue: insert position %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// MarkStatus transitions one queue row's status, recording start/completion
// timestamps as appropriate. No transition back is enforced by the caller
// (the execution pipeline only ever calls this forward).
func (r *QueueRepository) MarkStatus(executionID, userID string, credType domain.CredentialType, status domain.QueueStatus, at time.Time) error {
	switch status {
	case domain.QueueExecuting:
		_, err := r.db.Exec(`UPDATE execution_queue SET status = ?, started_at = ? WHERE execution_id = ? AND user_id = ? AND credential_type = ?`,
			string(status), at.UTC().Format(time.RFC3339), executionID, userID, string(credType))
		return err
	case domain.QueueCompleted, domain.QueueFailed:
		_, err := r.db.Exec(`UPDATE execution_queue SET status = ?, completed_at = ? WHERE execution_id = ? AND user_id = ? AND credential_type = ?`,
			string(status), at.UTC().Format(time.RFC3339), executionID, userID, string(credType))
		return err
	default:
		_, err := r.db.Exec(`UPDATE execution_queue SET status = ? WHERE execution_id = ? AND user_id = ? AND credential_type = ?`,
			string(status), executionID, userID, string(credType))
		return err
	}
}

// Rows returns the full queue for one execution in position order.
func (r *QueueRepository) Rows(executionID string) ([]domain.QueueRow, error) {
	rows, err := r.db.Query(`
		SELECT user_id, credential_type, queue_position, status, started_at, completed_at
		FROM execution_queue WHERE execution_id = ? ORDER BY queue_position ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("queue: rows %s: %w", executionID, err)
	}
	defer rows.Close()

	var out []domain.QueueRow
	for rows.Next() {
		var q domain.QueueRow
		var credType, status string
		var startedAt, completedAt sql.NullString
		q.ExecutionID = executionID
		if err := rows.Scan(&q.UserID, &credType, &q.Position, &status, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("queue: scan: %w", err)
		}
		q.CredentialType = domain.CredentialType(credType)
		q.Status = domain.QueueStatus(status)
		if startedAt.Valid {
			if t, err := time.Parse(time.RFC3339, startedAt.String); err == nil {
				q.StartedAt = &t
			}
		}
		if completedAt.Valid {
			if t, err := time.Parse(time.RFC3339, completedAt.String); err == nil {
				q.CompletedAt = &t
			}
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// DedupRepository owns system_deduplication.
type DedupRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewDedupRepository builds a dedup repository.
func NewDedupRepository(db *sql.DB, log zerolog.Logger) *DedupRepository {
	return &DedupRepository{db: db, log: log.With().Str("repo", "dedup").Logger()}
}

// Upsert records the user count for a unique system as of this run.
func (r *DedupRepository) Upsert(systemID string, userCount int, now time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO system_deduplication (system_id, user_count, last_allocation, last_updated)
		VALUES (?, ?, '{}', ?)
		ON CONFLICT(system_id) DO UPDATE SET user_count = excluded.user_count, last_updated = excluded.last_updated`,
		systemID, userCount, now.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("dedup: upsert %s: %w", systemID, err)
	}
	return nil
}

// SaveLastAllocation persists the allocation computed for a unique system
// this run, for dedup/debugging visibility (spec.md §4.9 step 2).
func (r *DedupRepository) SaveLastAllocation(systemID string, allocation map[string]float64, now time.Time) error {
	raw, err := json.Marshal(allocation)
	if err != nil {
		return fmt.Errorf("dedup: marshal allocation %s: %w", systemID, err)
	}
	_, err = r.db.Exec(`UPDATE system_deduplication SET last_allocation = ?, last_updated = ? WHERE system_id = ?`,
		string(raw), now.UTC().Format(time.RFC3339), systemID)
	if err != nil {
		return fmt.Errorf("dedup: save allocation %s: %w", systemID, err)
	}
	return nil
}
