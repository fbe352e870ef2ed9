// Package execution implements the execution pipeline (spec.md C9): the
// sequential per-user steps that turn Phase 1's queue and unique systems
// into broker orders, attribution, and P&L. Adapted from the teacher's
// TradeExecutionService (single-call-per-recommendation shape) and
// sync_cycle.go (critical-vs-noncritical step sequencing).
package execution

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/attribution"
	"github.com/aristath/daily-rebalancer/internal/clients/broker"
	"github.com/aristath/daily-rebalancer/internal/domain"
	"github.com/aristath/daily-rebalancer/internal/ledger"
	"github.com/aristath/daily-rebalancer/internal/nettrade"
	"github.com/aristath/daily-rebalancer/internal/prices"
	"github.com/aristath/daily-rebalancer/internal/store"
	"github.com/aristath/daily-rebalancer/internal/warmup"
	"github.com/aristath/daily-rebalancer/pkg/formulas"
)

// Mode selects how far the pipeline carries an execution.
type Mode string

const (
	ModeSimulate     Mode = "simulate"
	ModeExecutePaper Mode = "execute-paper"
	ModeExecuteLive  Mode = "execute-live"
)

// SettleWait is the pause between submitting orders and re-snapshotting
// broker positions (spec.md §4.9 step 3i). A fixed constant rather than a
// config knob: the Open Question on whether this should be broker-specific
// is resolved in favor of one conservative value (see design notes).
const SettleWait = 2 * time.Second

// minNotional is the broker's minimum notional for a market buy.
const minNotional = 1.0

// Pipeline runs Phase 2 for one execution.
type Pipeline struct {
	priceAuthority *prices.Authority
	brokerClient   broker.Capability
	reconciler     *ledger.Reconciler
	ledgerRepo     *store.LedgerRepository
	calculator     *nettrade.Calculator
	attributor     *attribution.Engine
	settings       *store.SettingsRepository
	investments    *store.InvestmentRepository
	systems        *store.SystemRepository
	queue          *store.QueueRepository
	dedup          *store.DedupRepository
	results        *store.ResultRepository
	log            zerolog.Logger

	resolveAllocation func(ctx context.Context, systemID string, payload []byte) map[string]float64
	decryptCreds      func(userID string, credType domain.CredentialType) (apiKey, apiSecret, baseURL string, err error)
}

// Deps bundles the Pipeline's collaborators for construction.
type Deps struct {
	PriceAuthority    *prices.Authority
	Broker            broker.Capability
	Reconciler        *ledger.Reconciler
	LedgerRepo        *store.LedgerRepository
	Calculator        *nettrade.Calculator
	Attributor        *attribution.Engine
	Settings          *store.SettingsRepository
	Investments       *store.InvestmentRepository
	Systems           *store.SystemRepository
	Queue             *store.QueueRepository
	Dedup             *store.DedupRepository
	Results           *store.ResultRepository
	ResolveAllocation func(ctx context.Context, systemID string, payload []byte) map[string]float64
	DecryptCreds      func(userID string, credType domain.CredentialType) (apiKey, apiSecret, baseURL string, err error)
}

// NewPipeline builds an execution pipeline.
func NewPipeline(deps Deps, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		priceAuthority:    deps.PriceAuthority,
		brokerClient:      deps.Broker,
		reconciler:        deps.Reconciler,
		ledgerRepo:        deps.LedgerRepo,
		calculator:        deps.Calculator,
		attributor:        deps.Attributor,
		settings:          deps.Settings,
		investments:       deps.Investments,
		systems:           deps.Systems,
		queue:             deps.Queue,
		dedup:             deps.Dedup,
		results:           deps.Results,
		resolveAllocation: deps.ResolveAllocation,
		decryptCreds:      deps.DecryptCreds,
		log:               log.With().Str("component", "execution_pipeline").Logger(),
	}
}

// Run implements spec.md §4.9 for one execution: prices once, allocations
// per unique system, then sequential per-user processing in queue order.
func (p *Pipeline) Run(ctx context.Context, executionID string, warm warmup.Result, mode Mode) (trades int, errs []string) {
	priceMap, _ := p.priceAuthority.FetchPrices(warm.AllTickers, prices.Options{FallbackEnabled: true})

	systemAllocationByID := make(map[string]map[string]float64, len(warm.UniqueSystems))
	now := time.Now()
	for _, sys := range warm.UniqueSystems {
		if sys.IsUnallocated {
			continue
		}
		payload, err := p.systems.RawPayload(sys.SystemID)
		if err != nil {
			p.log.Warn().Err(err).Str("system_id", sys.SystemID).Msg("payload load failed, treating as empty allocation")
			systemAllocationByID[sys.SystemID] = nil
			continue
		}
		allocation := p.resolveAllocation(ctx, sys.SystemID, payload)
		systemAllocationByID[sys.SystemID] = allocation
		if err := p.dedup.SaveLastAllocation(sys.SystemID, allocation, now); err != nil {
			p.log.Warn().Err(err).Str("system_id", sys.SystemID).Msg("failed to persist last allocation")
		}
	}

	for _, account := range warm.ExecutionQueue {
		n, err := func() (n int, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
					_ = p.queue.MarkStatus(executionID, account.UserID, account.CredentialType, domain.QueueFailed, time.Now())
				}
			}()
			return p.runUser(executionID, account, systemAllocationByID, priceMap, mode)
		}()
		trades += n
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s/%s: %v", account.UserID, account.CredentialType, err))
		}
	}

	return trades, errs
}

func (p *Pipeline) runUser(
	executionID string,
	account domain.Account,
	systemAllocationByID map[string]map[string]float64,
	priceMap map[string]float64,
	mode Mode,
) (tradesPlaced int, failure error) {
	startedAt := time.Now()
	_ = p.queue.MarkStatus(executionID, account.UserID, account.CredentialType, domain.QueueExecuting, startedAt)

	result := store.UserResult{
		ExecutionID:    executionID,
		UserID:         account.UserID,
		CredentialType: account.CredentialType,
		StartedAt:      startedAt,
	}

	apiKey, apiSecret, baseURL, err := p.decryptCreds(account.UserID, account.CredentialType)
	if err != nil {
		return p.failUser(executionID, account, result, "NoCredentials", err)
	}
	creds := broker.Credentials{APIKey: apiKey, APISecret: apiSecret, BaseURL: baseURL}

	brokerAccount, err := p.brokerClient.Account(creds)
	if err != nil {
		return p.failUser(executionID, account, result, "AccountFetchFailed", err)
	}

	current, err := p.reconciler.CurrentPortfolio(creds, account.UserID, account.CredentialType)
	if err != nil {
		return p.failUser(executionID, account, result, "ReconcileFailed", err)
	}

	settings, err := p.settings.Get(account.UserID)
	if err != nil {
		return p.failUser(executionID, account, result, "SettingsLoadFailed", err)
	}
	if settings.MaxAllocationPercent <= 0 {
		return p.failUser(executionID, account, result, "ConfigInvalid", fmt.Errorf("max_allocation_percent must be > 0, got %v", settings.MaxAllocationPercent))
	}

	investments, err := p.investments.ForAccount(account.UserID, account.CredentialType)
	if err != nil {
		return p.failUser(executionID, account, result, "InvestmentsLoadFailed", err)
	}

	systemAllocations := make([]nettrade.SystemAllocation, 0, len(investments))
	for _, inv := range investments {
		systemAllocations = append(systemAllocations, nettrade.SystemAllocation{
			Investment: inv,
			Allocation: systemAllocationByID[inv.SystemID],
		})
	}

	target := p.calculator.FinalPortfolio(systemAllocations, priceMap, brokerAccount.Equity, settings, settings.FallbackTicker)
	deltas := p.calculator.NetTrades(current, target)

	result.NetTrades = deltas

	if mode == ModeSimulate {
		result.Status = domain.QueueCompleted
		result.CompletedAt = time.Now()
		_ = p.results.Save(result)
		_ = p.queue.MarkStatus(executionID, account.UserID, account.CredentialType, domain.QueueCompleted, result.CompletedAt)
		return 0, nil
	}

	ordered := nettrade.OrderedTickers(deltas)
	var orders []store.OrderOutcome

	for _, ticker := range ordered {
		delta := deltas[ticker]
		if delta >= 0 {
			continue
		}
		qty := math.Floor(-delta*10000) / 10000
		if view, ok := current[ticker]; ok && target[ticker] <= domain.ShareEpsilon {
			qty = math.Floor(view.Total*10000) / 10000
		}
		_, err := p.brokerClient.SubmitMarketSell(creds, ticker, qty)
		outcome := store.OrderOutcome{Ticker: ticker, Side: "sell", Qty: qty, Status: "submitted"}
		if err != nil {
			outcome.Status = "failed"
			outcome.Error = err.Error()
			p.log.Warn().Err(err).Str("ticker", ticker).Msg("sell failed, continuing")
		} else {
			tradesPlaced++
		}
		orders = append(orders, outcome)
	}

	for _, ticker := range ordered {
		delta := deltas[ticker]
		if delta <= 0 {
			continue
		}
		price, ok := priceMap[ticker]
		if !ok || price <= 0 {
			orders = append(orders, store.OrderOutcome{Ticker: ticker, Side: "buy", Status: "failed", Error: "NoPrice"})
			continue
		}
		notional := delta * price
		if notional < minNotional {
			orders = append(orders, store.OrderOutcome{Ticker: ticker, Side: "buy", Status: "skipped", Error: "BelowMinNotional"})
			continue
		}

		var outcome store.OrderOutcome
		if settings.OrderType == domain.OrderLimit {
			limitPrice := price * (1 + settings.LimitPercent/100)
			_, err := p.brokerClient.SubmitLimitBuy(creds, ticker, delta, limitPrice)
			outcome = store.OrderOutcome{Ticker: ticker, Side: "buy", Qty: delta, Status: "submitted"}
			if err != nil {
				outcome.Status, outcome.Error = "failed", err.Error()
			} else {
				tradesPlaced++
			}
		} else {
			_, err := p.brokerClient.SubmitNotionalMarketBuy(creds, ticker, notional)
			outcome = store.OrderOutcome{Ticker: ticker, Side: "buy", Qty: delta, Status: "submitted"}
			if err != nil {
				outcome.Status, outcome.Error = "failed", err.Error()
				p.log.Warn().Err(err).Str("ticker", ticker).Msg("buy failed, continuing")
			} else {
				tradesPlaced++
			}
		}
		orders = append(orders, outcome)
	}
	result.OrdersExecuted = orders

	time.Sleep(SettleWait)

	settledPositions, err := p.brokerClient.Positions(creds)
	if err != nil {
		p.log.Warn().Err(err).Str("user_id", account.UserID).Msg("post-settle snapshot failed, attribution skipped")
	} else {
		newTotals := make(map[string]float64, len(settledPositions))
		for _, pos := range settledPositions {
			newTotals[pos.Symbol] = pos.Qty
		}
		result.Attribution = p.attributor.Attribute(account.UserID, account.CredentialType, newTotals, systemAllocations, brokerAccount.Equity, priceMap, settings.FallbackTicker)
	}

	result.PnL = p.computePnL(account, priceMap)
	result.Status = domain.QueueCompleted
	result.CompletedAt = time.Now()

	if err := p.results.Save(result); err != nil {
		p.log.Warn().Err(err).Str("user_id", account.UserID).Msg("failed to save execution result")
	}
	_ = p.queue.MarkStatus(executionID, account.UserID, account.CredentialType, domain.QueueCompleted, result.CompletedAt)

	return tradesPlaced, nil
}

func (p *Pipeline) failUser(executionID string, account domain.Account, result store.UserResult, code string, err error) (int, error) {
	result.Status = domain.QueueFailed
	result.CompletedAt = time.Now()
	result.Errors = []string{fmt.Sprintf("%s: %v", code, err)}
	_ = p.results.Save(result)
	_ = p.queue.MarkStatus(executionID, account.UserID, account.CredentialType, domain.QueueFailed, result.CompletedAt)
	return 0, fmt.Errorf("%s: %w", code, err)
}

// computePnL implements spec.md §4.9 step 3k, enriched with per-system risk
// telemetry (Sharpe, volatility) from pkg/formulas, grounded in the
// teacher's scoring formulas package.
func (p *Pipeline) computePnL(account domain.Account, priceMap map[string]float64) map[string]store.SystemPnL {
	entries, err := p.ledgerRepo.ForAccount(account.UserID, account.CredentialType)
	if err != nil {
		return nil
	}

	bySystem := make(map[string][]domain.LedgerEntry)
	for _, e := range entries {
		if e.Bucket.IsUnallocated {
			continue
		}
		bySystem[e.Bucket.SystemID] = append(bySystem[e.Bucket.SystemID], e)
	}

	out := make(map[string]store.SystemPnL, len(bySystem))
	for systemID, rows := range bySystem {
		var marketValue, costBasis float64
		var priceSeries []float64
		for _, row := range rows {
			price := priceMap[row.Ticker]
			marketValue += row.Shares * price
			costBasis += row.Shares * row.AvgPrice
			if price > 0 {
				priceSeries = append(priceSeries, price)
			}
		}

		unrealized := marketValue - costBasis
		unrealizedPct := 0.0
		if costBasis != 0 {
			unrealizedPct = unrealized / costBasis
		}

		pnl := store.SystemPnL{
			MarketValue:   marketValue,
			CostBasis:     costBasis,
			Unrealized:    unrealized,
			UnrealizedPct: unrealizedPct,
		}
		if len(priceSeries) >= 2 {
			returns := formulas.CalculateReturns(priceSeries)
			pnl.Sharpe = formulas.CalculateSharpeRatio(returns, 0, 252)
			vol := formulas.AnnualizedVolatility(returns)
			pnl.Volatility = &vol
		}
		if len(priceSeries) > 14 {
			pnl.RSI = formulas.CalculateRSI(priceSeries, 14)
		}
		out[systemID] = pnl
	}

	return out
}
