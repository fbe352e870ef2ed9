package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/daily-rebalancer/internal/attribution"
	"github.com/aristath/daily-rebalancer/internal/clients/broker"
	"github.com/aristath/daily-rebalancer/internal/clients/marketdata"
	"github.com/aristath/daily-rebalancer/internal/database"
	"github.com/aristath/daily-rebalancer/internal/domain"
	"github.com/aristath/daily-rebalancer/internal/execution"
	"github.com/aristath/daily-rebalancer/internal/ledger"
	"github.com/aristath/daily-rebalancer/internal/locking"
	"github.com/aristath/daily-rebalancer/internal/nettrade"
	"github.com/aristath/daily-rebalancer/internal/prices"
	"github.com/aristath/daily-rebalancer/internal/store"
	"github.com/aristath/daily-rebalancer/internal/warmup"
)

type noopBroker struct{}

func (noopBroker) Account(broker.Credentials) (broker.Account, error) { return broker.Account{Equity: 1000}, nil }
func (noopBroker) Positions(broker.Credentials) ([]broker.Position, error)        { return nil, nil }
func (noopBroker) LatestPrices(broker.Credentials, []string) (map[string]float64, error) {
	return nil, nil
}
func (noopBroker) Orders(broker.Credentials, string, int) ([]broker.Order, error) { return nil, nil }
func (noopBroker) CancelAllOpen(broker.Credentials) error                         { return nil }
func (noopBroker) SubmitMarketSell(broker.Credentials, string, float64) (broker.Order, error) {
	return broker.Order{}, nil
}
func (noopBroker) SubmitNotionalMarketBuy(broker.Credentials, string, float64) (broker.Order, error) {
	return broker.Order{}, nil
}
func (noopBroker) SubmitLimitBuy(broker.Credentials, string, float64, float64) (broker.Order, error) {
	return broker.Order{}, nil
}
func (noopBroker) MarketCalendar(broker.Credentials, string, string) ([]broker.CalendarDay, error) {
	return nil, nil
}
func (noopBroker) PortfolioHistory(broker.Credentials, string) ([]broker.HistoryPoint, error) {
	return nil, nil
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())

	conn := db.Conn()
	log := zerolog.Nop()

	settingsRepo := store.NewSettingsRepository(conn, log)
	investmentsRepo := store.NewInvestmentRepository(conn, log)
	systemsRepo := store.NewSystemRepository(conn, log)
	ledgerRepo := store.NewLedgerRepository(conn, log)
	queueRepo := store.NewQueueRepository(conn, log)
	dedupRepo := store.NewDedupRepository(conn, log)
	resultsRepo := store.NewResultRepository(conn, log)
	executionsRepo := store.NewExecutionRepository(conn, log)
	stateRepo := store.NewSchedulerStateRepository(conn, log)

	priceServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]float64{"last": 10})
	}))
	t.Cleanup(priceServer.Close)

	brokerFake := noopBroker{}
	priceAuthority := prices.NewAuthority(marketdata.NewClient(priceServer.URL, "", log), brokerFake, log)
	reconciler := ledger.NewReconciler(brokerFake, ledgerRepo, log)
	calculator := nettrade.NewCalculator(log)
	attributor := attribution.NewEngine(ledgerRepo, log)

	deduplicator := warmup.NewDeduplicator(settingsRepo, investmentsRepo, ledgerRepo, systemsRepo, queueRepo, dedupRepo, log)
	pipeline := execution.NewPipeline(execution.Deps{
		PriceAuthority: priceAuthority,
		Broker:         brokerFake,
		Reconciler:     reconciler,
		LedgerRepo:     ledgerRepo,
		Calculator:     calculator,
		Attributor:     attributor,
		Settings:       settingsRepo,
		Investments:    investmentsRepo,
		Systems:        systemsRepo,
		Queue:          queueRepo,
		Dedup:          dedupRepo,
		Results:        resultsRepo,
		ResolveAllocation: func(ctx context.Context, systemID string, payload []byte) map[string]float64 {
			return nil
		},
		DecryptCreds: func(userID string, credType domain.CredentialType) (string, string, string, error) {
			return "key", "secret", "", nil
		},
	}, log)

	locks := locking.NewManager()
	return NewOrchestrator(deduplicator, pipeline, executionsRepo, stateRepo, locks, log)
}

func TestRunScheduled_PersistsLastExecutionDate(t *testing.T) {
	orch := newTestOrchestrator(t)
	assert.Equal(t, "", orch.LastExecutionDate())

	eastern, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	err = orch.RunScheduled(context.Background(), eastern, execution.ModeSimulate)
	require.NoError(t, err)
	assert.NotEmpty(t, orch.LastExecutionDate())
}

func TestTriggerManual_ResetsLastExecutionDateBeforeRunning(t *testing.T) {
	orch := newTestOrchestrator(t)
	require.NoError(t, orch.state.Set(store.LastExecutionDateKey, "2026-07-29"))

	err := orch.TriggerManual(context.Background(), nil, execution.ModeSimulate)
	require.NoError(t, err)

	assert.Empty(t, orch.LastExecutionDate(), "manual trigger clears the suppression date so the scheduled run can still fire today")
}

func TestTriggerManual_RejectsWhenAlreadyExecuting(t *testing.T) {
	orch := newTestOrchestrator(t)
	require.NoError(t, orch.locks.Acquire(executionLockName))
	defer orch.locks.Release(executionLockName)

	err := orch.TriggerManual(context.Background(), nil, execution.ModeSimulate)
	assert.Error(t, err)
}

func TestIsExecuting_ReflectsLockState(t *testing.T) {
	orch := newTestOrchestrator(t)
	assert.False(t, orch.IsExecuting())

	require.NoError(t, orch.locks.Acquire(executionLockName))
	assert.True(t, orch.IsExecuting())
	orch.locks.Release(executionLockName)
	assert.False(t, orch.IsExecuting())
}

func TestExecutionHistory_ReturnsCompletedRun(t *testing.T) {
	orch := newTestOrchestrator(t)
	eastern, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	require.NoError(t, orch.RunScheduled(context.Background(), eastern, execution.ModeSimulate))

	history, err := orch.ExecutionHistory(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.PhaseCompleted, history[0].Phase)

	details, err := orch.ExecutionDetails(history[0].ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, history[0].ExecutionID, details.ExecutionID)
}
