// Package attribution implements the attribution engine (spec.md C8):
// after fills, it splits each held ticker's total shares back across the
// systems that demanded it, proportional to weighted demand. Adapted from
// the teacher's AttributionCalculator shape (portfolio/attribution.go),
// rewritten from country/industry return attribution to system-share
// attribution.
package attribution

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/domain"
	"github.com/aristath/daily-rebalancer/internal/nettrade"
	"github.com/aristath/daily-rebalancer/internal/store"
)

// Engine attributes post-fill shares back to systems.
type Engine struct {
	ledger *store.LedgerRepository
	log    zerolog.Logger
}

// NewEngine builds an attribution engine.
func NewEngine(ledgerRepo *store.LedgerRepository, log zerolog.Logger) *Engine {
	return &Engine{ledger: ledgerRepo, log: log.With().Str("component", "attribution").Logger()}
}

// Attribute implements spec.md §4.8. newPositions is the post-settle broker
// snapshot (ticker -> total shares held); systemAllocations carries each
// system's resolved allocation together with its investment; totalEquity
// resolves each investment's dollar weight the same way FinalPortfolio
// (C7) did, so demand weights line up with what was actually targeted.
// fallbackTicker mirrors spec.md §4.9 step 3e: a system whose allocation is
// nil routed its whole weight into fallbackTicker at trade time, so its
// demand must be computed the same way here, or those shares never
// attribute back and get pushed to UNALLOCATED on the next reconcile.
// Returns the attributed shares per (system, ticker), in addition to
// writing ledger rows.
func (e *Engine) Attribute(
	userID string,
	credType domain.CredentialType,
	newPositions map[string]float64,
	systemAllocations []nettrade.SystemAllocation,
	totalEquity float64,
	prices map[string]float64,
	fallbackTicker string,
) map[string]map[string]float64 {
	now := time.Now()
	result := make(map[string]map[string]float64)

	totalDollars := 0.0
	for _, sa := range systemAllocations {
		totalDollars += sa.Investment.Dollars(totalEquity)
	}

	for ticker, totalShares := range newPositions {
		if totalShares <= domain.ShareEpsilon {
			continue
		}

		demand := make(map[string]float64)
		totalDemand := 0.0
		for _, sa := range systemAllocations {
			allocation := sa.Allocation
			if allocation == nil {
				if fallbackTicker == "" {
					continue
				}
				allocation = map[string]float64{fallbackTicker: 100}
			}
			percent, ok := allocation[ticker]
			if !ok || totalDollars <= 0 {
				continue
			}
			weight := sa.Investment.Dollars(totalEquity) / totalDollars
			d := percent * weight
			if d <= 0 {
				continue
			}
			demand[sa.Investment.SystemID] = d
			totalDemand += d
		}

		if totalDemand <= 0 {
			// No demand: leave unattributed, the next reconciliation run
			// routes these shares into UNALLOCATED.
			continue
		}

		price := prices[ticker]
		for systemID, d := range demand {
			attributedShares := totalShares * d / totalDemand
			if attributedShares <= domain.ShareEpsilon {
				continue
			}
			err := e.ledger.Upsert(domain.LedgerEntry{
				UserID:         userID,
				CredentialType: credType,
				Bucket:         domain.SystemBucket(systemID),
				Ticker:         ticker,
				Shares:         attributedShares,
				AvgPrice:       price,
				UpdatedAt:      now,
			})
			if err != nil {
				e.log.Warn().Err(err).Str("system_id", systemID).Str("ticker", ticker).Msg("attribution upsert failed")
				continue
			}
			if result[systemID] == nil {
				result[systemID] = make(map[string]float64)
			}
			result[systemID][ticker] = attributedShares
		}
	}

	return result
}
