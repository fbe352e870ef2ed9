// Package orchestrator implements C10: it binds the calendar trigger (C2)
// to one run of Phase 1 (warmup) then Phase 2 (execution), tracking the
// execution's lifecycle and exposing history/manual-trigger queries.
// Adapted from the teacher's sync_cycle.go step sequencing and its
// isExecuting/lastExecutionDate single-writer lock idiom, generalized here
// through internal/locking.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/domain"
	"github.com/aristath/daily-rebalancer/internal/execution"
	"github.com/aristath/daily-rebalancer/internal/locking"
	"github.com/aristath/daily-rebalancer/internal/store"
	"github.com/aristath/daily-rebalancer/internal/warmup"
)

const executionLockName = "execution"

// Orchestrator binds trigger to run, tracking state in trade_executions_v2.
type Orchestrator struct {
	deduplicator *warmup.Deduplicator
	pipeline     *execution.Pipeline
	executions   *store.ExecutionRepository
	state        *store.SchedulerStateRepository
	locks        *locking.Manager
	log          zerolog.Logger
}

// NewOrchestrator builds an orchestrator.
func NewOrchestrator(
	deduplicator *warmup.Deduplicator,
	pipeline *execution.Pipeline,
	executions *store.ExecutionRepository,
	state *store.SchedulerStateRepository,
	locks *locking.Manager,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		deduplicator: deduplicator,
		pipeline:     pipeline,
		executions:   executions,
		state:        state,
		locks:        locks,
		log:          log.With().Str("component", "orchestrator").Logger(),
	}
}

// LastExecutionDate returns the Eastern date string of the last completed
// scheduled run, used by the calendar trigger to suppress re-firing within
// the same day. Backed by the persisted scheduler_state table (not an
// in-memory field) so the suppression survives a process restart, per
// spec.md §9. Kept distinct from execution history so a manual trigger
// never bleeds into the scheduled-run suppression (spec.md §4.10).
func (o *Orchestrator) LastExecutionDate() string {
	value, err := o.state.Get(store.LastExecutionDateKey)
	if err != nil {
		o.log.Warn().Err(err).Msg("failed to read last_execution_date")
		return ""
	}
	return value
}

// IsExecuting reports whether a run is currently in progress.
func (o *Orchestrator) IsExecuting() bool {
	return o.locks.IsHeld(executionLockName)
}

// RunScheduled executes one full run as triggered by the calendar, eastern
// being the market's local date at fire time. On success it persists that
// date to scheduler_state so the trigger won't fire again today, across a
// restart.
func (o *Orchestrator) RunScheduled(ctx context.Context, eastern *time.Location, mode execution.Mode) error {
	if err := o.run(ctx, nil, mode); err != nil {
		return err
	}
	today := time.Now().In(eastern).Format("2006-01-02")
	if err := o.state.Set(store.LastExecutionDateKey, today); err != nil {
		o.log.Warn().Err(err).Msg("failed to persist last_execution_date")
	}
	return nil
}

// TriggerManual runs once immediately; rejects if a run is already in
// progress (spec.md §4.10). It explicitly resets last_execution_date
// beforehand, so a manual run never suppresses that day's still-pending
// scheduled trigger. override scopes the run to a single account when set,
// mirroring manual single-user reruns from support tooling.
func (o *Orchestrator) TriggerManual(ctx context.Context, override *warmup.Override, mode execution.Mode) error {
	if o.locks.IsHeld(executionLockName) {
		return fmt.Errorf("orchestrator: execution already in progress")
	}
	if err := o.state.Clear(store.LastExecutionDateKey); err != nil {
		o.log.Warn().Err(err).Msg("failed to reset last_execution_date")
	}
	return o.run(ctx, override, mode)
}

func (o *Orchestrator) run(ctx context.Context, override *warmup.Override, mode execution.Mode) error {
	if err := o.locks.Acquire(executionLockName); err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	defer o.locks.Release(executionLockName)

	executionID := uuid.NewString()
	startedAt := time.Now()

	if err := o.executions.Create(executionID, startedAt); err != nil {
		return fmt.Errorf("orchestrator: create execution %s: %w", executionID, err)
	}

	warm, err := o.deduplicator.Run(executionID, override)
	if err != nil {
		o.fail(executionID, startedAt, domain.ExecutionTotals{}, []string{err.Error()})
		return fmt.Errorf("orchestrator: warmup failed: %w", err)
	}

	if err := o.executions.SetPhase(executionID, domain.PhaseExecution); err != nil {
		o.log.Warn().Err(err).Str("execution_id", executionID).Msg("failed to set execution phase")
	}

	trades, errs := o.pipeline.Run(ctx, executionID, warm, mode)

	totals := domain.ExecutionTotals{
		Users:   warm.Stats.EligibleAccounts,
		Systems: warm.Stats.UniqueSystems,
		Tickers: warm.Stats.Tickers,
		Trades:  trades,
	}

	phase := domain.PhaseCompleted
	if len(errs) > 0 && len(errs) == warm.Stats.EligibleAccounts {
		// Every account failed: the run as a whole failed, not merely
		// degraded.
		phase = domain.PhaseFailed
	}

	if err := o.executions.Complete(executionID, phase, totals, errs, time.Now()); err != nil {
		o.log.Warn().Err(err).Str("execution_id", executionID).Msg("failed to finalize execution record")
	}

	o.log.Info().
		Str("execution_id", executionID).
		Str("phase", string(phase)).
		Int("trades", trades).
		Int("errors", len(errs)).
		Msg("execution complete")

	if phase == domain.PhaseFailed {
		return fmt.Errorf("orchestrator: execution %s failed for all accounts", executionID)
	}
	return nil
}

func (o *Orchestrator) fail(executionID string, startedAt time.Time, totals domain.ExecutionTotals, errs []string) {
	if err := o.executions.Complete(executionID, domain.PhaseFailed, totals, errs, time.Now()); err != nil {
		o.log.Warn().Err(err).Str("execution_id", executionID).Msg("failed to record failed execution")
	}
}

// ExecutionHistory returns the most recent executions, newest first.
func (o *Orchestrator) ExecutionHistory(limit int) ([]domain.ExecutionRecord, error) {
	return o.executions.History(limit)
}

// ExecutionDetails loads one execution record by id.
func (o *Orchestrator) ExecutionDetails(executionID string) (domain.ExecutionRecord, error) {
	return o.executions.Details(executionID)
}
