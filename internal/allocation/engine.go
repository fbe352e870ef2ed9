// Package allocation implements the allocation engine (spec.md C4): a thin,
// opinion-free wrapper over the external evaluator that normalizes its
// output into a flat percent map. Adapted from the teacher's evaluation
// client usage pattern in the planning module.
package allocation

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/clients/evaluator"
)

// Engine resolves one system's payload into today's target allocation.
type Engine struct {
	evaluator *evaluator.Client
	log       zerolog.Logger
}

// NewEngine builds an allocation engine.
func NewEngine(evaluatorClient *evaluator.Client, log zerolog.Logger) *Engine {
	return &Engine{
		evaluator: evaluatorClient,
		log:       log.With().Str("component", "allocation_engine").Logger(),
	}
}

// AllocationsFor implements spec.md §4.4. Returns nil on evaluator error,
// missing payload, or an empty final allocation; the engine never
// interprets the payload tree itself, that's the evaluator's contract.
func (e *Engine) AllocationsFor(ctx context.Context, systemID string, payload json.RawMessage, opts evaluator.Options) map[string]float64 {
	if len(payload) == 0 {
		e.log.Warn().Str("system_id", systemID).Msg("empty payload, skipping allocation")
		return nil
	}

	days, err := e.evaluator.Evaluate(ctx, payload, opts)
	if err != nil {
		e.log.Warn().Err(err).Str("system_id", systemID).Msg("evaluator call failed")
		return nil
	}
	if len(days) == 0 {
		e.log.Warn().Str("system_id", systemID).Msg("evaluator returned no allocation days")
		return nil
	}

	last := days[len(days)-1]
	result := make(map[string]float64, len(last.Entries))
	for _, entry := range last.Entries {
		if entry.Weight <= 0 {
			continue
		}
		ticker := strings.ToUpper(strings.TrimSpace(entry.Ticker))
		if ticker == "" {
			continue
		}
		result[ticker] = entry.Weight * 100
	}

	if len(result) == 0 {
		e.log.Warn().Str("system_id", systemID).Msg("final allocation empty after normalization")
		return nil
	}

	return result
}
