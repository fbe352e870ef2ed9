package store

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog"
)

// LastExecutionDateKey is the scheduler_state row holding the Eastern date
// string of the last scheduled (non-manual) completion, per spec.md §9's
// single-writer lock design note.
const LastExecutionDateKey = "last_execution_date"

// SchedulerStateRepository persists the small amount of cross-restart
// state the trigger needs: today's fire suppression.
type SchedulerStateRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewSchedulerStateRepository builds a scheduler-state repository.
func NewSchedulerStateRepository(db *sql.DB, log zerolog.Logger) *SchedulerStateRepository {
	return &SchedulerStateRepository{db: db, log: log.With().Str("repo", "scheduler_state").Logger()}
}

// Get reads one key, returning "" if unset.
func (r *SchedulerStateRepository) Get(key string) (string, error) {
	var value string
	err := r.db.QueryRow(`SELECT value FROM scheduler_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scheduler_state: get %s: %w", key, err)
	}
	return value, nil
}

// Set upserts one key/value pair.
func (r *SchedulerStateRepository) Set(key, value string) error {
	_, err := r.db.Exec(`
		INSERT INTO scheduler_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("scheduler_state: set %s: %w", key, err)
	}
	return nil
}

// Clear removes one key, equivalent to an empty value.
func (r *SchedulerStateRepository) Clear(key string) error {
	_, err := r.db.Exec(`DELETE FROM scheduler_state WHERE key = ?`, key)
	if err != nil {
		return fmt.Errorf("scheduler_state: clear %s: %w", key, err)
	}
	return nil
}
