package allocation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/aristath/daily-rebalancer/internal/clients/evaluator"
)

func newTestEngine(t *testing.T, handler http.HandlerFunc) (*Engine, func()) {
	t.Helper()
	srv := httptest.NewServer(handler)
	client := evaluator.NewClient(srv.URL, zerolog.Nop())
	return NewEngine(client, zerolog.Nop()), srv.Close
}

func TestAllocationsFor_NormalizesTickersAndDropsZeroWeight(t *testing.T) {
	engine, closeSrv := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"allocations": []map[string]interface{}{
				{"date": "2026-07-29", "entries": []map[string]interface{}{{"ticker": "spy", "weight": 0.5}}},
				{"date": "2026-07-30", "entries": []map[string]interface{}{
					{"ticker": " qqq ", "weight": 0.7},
					{"ticker": "zero", "weight": 0},
					{"ticker": "", "weight": 0.1},
				}},
			},
		})
	})
	defer closeSrv()

	result := engine.AllocationsFor(context.Background(), "S1", json.RawMessage(`{"k":"v"}`), evaluator.Options{})
	assert.Equal(t, map[string]float64{"QQQ": 70}, result, "only the last day's entries are used, uppercased/trimmed, zero/empty dropped")
}

func TestAllocationsFor_EmptyPayloadShortCircuits(t *testing.T) {
	calls := 0
	engine, closeSrv := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		json.NewEncoder(w).Encode(map[string]interface{}{"allocations": []map[string]interface{}{}})
	})
	defer closeSrv()

	result := engine.AllocationsFor(context.Background(), "S1", nil, evaluator.Options{})
	assert.Nil(t, result)
	assert.Equal(t, 0, calls, "empty payload must never call the evaluator")
}

func TestAllocationsFor_EvaluatorErrorReturnsNil(t *testing.T) {
	engine, closeSrv := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	defer closeSrv()

	result := engine.AllocationsFor(context.Background(), "S1", json.RawMessage(`{}`), evaluator.Options{})
	assert.Nil(t, result)
}

func TestAllocationsFor_NoDaysReturnsNil(t *testing.T) {
	engine, closeSrv := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"allocations": []map[string]interface{}{}})
	})
	defer closeSrv()

	result := engine.AllocationsFor(context.Background(), "S1", json.RawMessage(`{}`), evaluator.Options{})
	assert.Nil(t, result)
}

func TestAllocationsFor_AllZeroWeightEntriesReturnsNil(t *testing.T) {
	engine, closeSrv := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"allocations": []map[string]interface{}{
				{"date": "2026-07-30", "entries": []map[string]interface{}{{"ticker": "SPY", "weight": 0}}},
			},
		})
	})
	defer closeSrv()

	result := engine.AllocationsFor(context.Background(), "S1", json.RawMessage(`{}`), evaluator.Options{})
	assert.Nil(t, result)
}
