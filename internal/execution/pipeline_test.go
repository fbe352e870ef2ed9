package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/daily-rebalancer/internal/attribution"
	"github.com/aristath/daily-rebalancer/internal/clients/broker"
	"github.com/aristath/daily-rebalancer/internal/clients/marketdata"
	"github.com/aristath/daily-rebalancer/internal/database"
	"github.com/aristath/daily-rebalancer/internal/domain"
	"github.com/aristath/daily-rebalancer/internal/ledger"
	"github.com/aristath/daily-rebalancer/internal/nettrade"
	"github.com/aristath/daily-rebalancer/internal/prices"
	"github.com/aristath/daily-rebalancer/internal/store"
	"github.com/aristath/daily-rebalancer/internal/warmup"
)

type fakePipelineBroker struct {
	account   broker.Account
	positions []broker.Position
	sells     []string
	buys      []string
	calls     []string
}

func (f *fakePipelineBroker) Account(broker.Credentials) (broker.Account, error) { return f.account, nil }
func (f *fakePipelineBroker) Positions(broker.Credentials) ([]broker.Position, error) {
	return f.positions, nil
}
func (f *fakePipelineBroker) LatestPrices(broker.Credentials, []string) (map[string]float64, error) {
	return nil, nil
}
func (f *fakePipelineBroker) Orders(broker.Credentials, string, int) ([]broker.Order, error) {
	return nil, nil
}
func (f *fakePipelineBroker) CancelAllOpen(broker.Credentials) error { return nil }
func (f *fakePipelineBroker) SubmitMarketSell(_ broker.Credentials, symbol string, qty float64) (broker.Order, error) {
	f.sells = append(f.sells, symbol)
	f.calls = append(f.calls, "sell")
	return broker.Order{OrderID: "sell-" + symbol, Symbol: symbol, Side: "sell", Quantity: qty}, nil
}
func (f *fakePipelineBroker) SubmitNotionalMarketBuy(_ broker.Credentials, symbol string, notionalUSD float64) (broker.Order, error) {
	f.buys = append(f.buys, symbol)
	f.calls = append(f.calls, "buy")
	return broker.Order{OrderID: "buy-" + symbol, Symbol: symbol, Side: "buy", Notional: notionalUSD}, nil
}
func (f *fakePipelineBroker) SubmitLimitBuy(_ broker.Credentials, symbol string, qty, limitPrice float64) (broker.Order, error) {
	f.buys = append(f.buys, symbol)
	f.calls = append(f.calls, "buy")
	return broker.Order{OrderID: "buy-" + symbol, Symbol: symbol, Side: "buy", Quantity: qty, Price: limitPrice}, nil
}
func (f *fakePipelineBroker) MarketCalendar(broker.Credentials, string, string) ([]broker.CalendarDay, error) {
	return nil, nil
}
func (f *fakePipelineBroker) PortfolioHistory(broker.Credentials, string) ([]broker.HistoryPoint, error) {
	return nil, nil
}

// newTestPipeline wires a Pipeline against a real SQLite store layer (a
// temp-dir database file) and a fake broker, mirroring main.go's
// construction order.
func newTestPipeline(t *testing.T, brokerFake *fakePipelineBroker) (*Pipeline, *sql.DB) {
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

	priceServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]float64{"last": 100})
	}))
	t.Cleanup(priceServer.Close)
	marketdataClient := marketdata.NewClient(priceServer.URL, "", log)

	priceAuthority := prices.NewAuthority(marketdataClient, brokerFake, log)
	reconciler := ledger.NewReconciler(brokerFake, ledgerRepo, log)
	calculator := nettrade.NewCalculator(log)
	attributor := attribution.NewEngine(ledgerRepo, log)

	pipeline := NewPipeline(Deps{
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
			return map[string]float64{"SPY": 60, "BIL": 40}
		},
		DecryptCreds: func(userID string, credType domain.CredentialType) (string, string, string, error) {
			return "key", "secret", "", nil
		},
	}, log)

	return pipeline, conn
}

func seedSystemAndInvestment(t *testing.T, conn *sql.DB, userID, systemID string) {
	t.Helper()
	_, err := conn.Exec(`INSERT INTO bots (id, payload) VALUES (?, ?)`, systemID, []byte(`{"positions":["SPY","BIL"]}`))
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO user_bot_investments (user_id, credential_type, bot_id, investment_amount, weight_mode) VALUES (?, ?, ?, ?, ?)`,
		userID, string(domain.CredentialPaper), systemID, 10000, string(domain.WeightDollars))
	require.NoError(t, err)
}

func TestPipelineRun_SimulateModeComputesTradesWithoutSubmittingOrders(t *testing.T) {
	brokerFake := &fakePipelineBroker{
		account:   broker.Account{Equity: 10000, Cash: 10000},
		positions: nil,
	}
	pipeline, conn := newTestPipeline(t, brokerFake)
	seedSystemAndInvestment(t, conn, "u1", "S1")

	warm := warmup.Result{
		UniqueSystems:  []warmup.UniqueSystem{{SystemID: "S1"}},
		AllTickers:     []string{"SPY", "BIL"},
		ExecutionQueue: []domain.Account{{UserID: "u1", CredentialType: domain.CredentialPaper}},
	}

	trades, errs := pipeline.Run(context.Background(), "exec-1", warm, ModeSimulate)
	assert.Empty(t, errs)
	assert.Equal(t, 0, trades, "simulate mode never submits orders")
	assert.Empty(t, brokerFake.sells)
	assert.Empty(t, brokerFake.buys)
}

func TestPipelineRun_ConfigInvalidFailsUserInsteadOfCoercing(t *testing.T) {
	brokerFake := &fakePipelineBroker{
		account: broker.Account{Equity: 10000, Cash: 10000},
	}
	pipeline, conn := newTestPipeline(t, brokerFake)
	seedSystemAndInvestment(t, conn, "u1", "S1")

	_, err := conn.Exec(`INSERT INTO trading_settings (user_id, enabled, max_allocation_percent) VALUES (?, 1, 0)`, "u1")
	require.NoError(t, err)

	warm := warmup.Result{
		UniqueSystems:  []warmup.UniqueSystem{{SystemID: "S1"}},
		AllTickers:     []string{"SPY", "BIL"},
		ExecutionQueue: []domain.Account{{UserID: "u1", CredentialType: domain.CredentialPaper}},
	}

	trades, errs := pipeline.Run(context.Background(), "exec-3", warm, ModeExecutePaper)
	require.Len(t, errs, 1, "a misconfigured max_allocation_percent must fail the user, not silently default to 99")
	assert.Contains(t, errs[0], "ConfigInvalid")
	assert.Equal(t, 0, trades)
	assert.Empty(t, brokerFake.sells)
	assert.Empty(t, brokerFake.buys)
}

func TestPipelineRun_ExecuteModeSellsBeforeBuys(t *testing.T) {
	brokerFake := &fakePipelineBroker{
		account: broker.Account{Equity: 10000, Cash: 10000},
		positions: []broker.Position{
			{Symbol: "QQQ", Qty: 5, CurrentPrice: 100},
		},
	}
	pipeline, conn := newTestPipeline(t, brokerFake)
	seedSystemAndInvestment(t, conn, "u1", "S1")

	warm := warmup.Result{
		UniqueSystems:  []warmup.UniqueSystem{{SystemID: "S1"}},
		AllTickers:     []string{"SPY", "BIL", "QQQ"},
		ExecutionQueue: []domain.Account{{UserID: "u1", CredentialType: domain.CredentialPaper}},
	}

	trades, errs := pipeline.Run(context.Background(), "exec-2", warm, ModeExecutePaper)
	assert.Empty(t, errs)
	assert.Greater(t, trades, 0)
	assert.Contains(t, brokerFake.sells, "QQQ", "QQQ isn't in the target allocation, must be sold")
	assert.NotEmpty(t, brokerFake.buys, "SPY/BIL are in target allocation, must be bought")

	lastSell, firstBuy := -1, len(brokerFake.calls)
	for i, side := range brokerFake.calls {
		if side == "sell" {
			lastSell = i
		} else if i < firstBuy {
			firstBuy = i
		}
	}
	assert.Less(t, lastSell, firstBuy, "every sell must be submitted before the first buy")
}
