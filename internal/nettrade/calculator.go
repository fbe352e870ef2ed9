// Package nettrade implements the net-trade calculator (spec.md C7): merges
// each user's per-system allocations weighted by their investment, applies
// paired-ticker netting and the safety cap, reserves cash, and diffs
// against current holdings to produce per-ticker share deltas.
package nettrade

import (
	"sort"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/domain"
	"github.com/aristath/daily-rebalancer/internal/ledger"
)

// Calculator computes target portfolios and net trades.
type Calculator struct {
	log zerolog.Logger
}

// NewCalculator builds a net-trade calculator.
func NewCalculator(log zerolog.Logger) *Calculator {
	return &Calculator{log: log.With().Str("component", "nettrade").Logger()}
}

// SystemAllocation pairs one investment with its resolved system allocation
// (nil if the evaluator produced no allocation for that system).
type SystemAllocation struct {
	Investment domain.Investment
	Allocation map[string]float64 // ticker -> percent, nil if unresolved
}

// FinalPortfolio implements spec.md §4.7 steps 1-8, returning target share
// counts per ticker. fallbackTicker substitutes for any system whose
// allocation is nil, treated as a 100% allocation to that single ticker
// (spec.md §4.9 step 3e).
func (c *Calculator) FinalPortfolio(
	systemAllocations []SystemAllocation,
	prices map[string]float64,
	totalEquity float64,
	settings domain.TradingSettings,
	fallbackTicker string,
) map[string]float64 {
	if totalEquity <= 0 {
		return map[string]float64{}
	}

	totalDollars := 0.0
	for _, sa := range systemAllocations {
		totalDollars += sa.Investment.Dollars(totalEquity)
	}
	if totalDollars <= 0 {
		return map[string]float64{}
	}

	merged := make(map[string]float64)
	for _, sa := range systemAllocations {
		weight := sa.Investment.Dollars(totalEquity) / totalDollars
		allocation := sa.Allocation
		if allocation == nil {
			if fallbackTicker == "" {
				continue
			}
			allocation = map[string]float64{fallbackTicker: 100}
		}
		for ticker, percent := range allocation {
			merged[ticker] += percent * weight
		}
	}

	merged = applyPairedNetting(merged, settings.PairedTickers)
	merged = applySafetyCap(merged, settings.MaxAllocationPercent)

	reserve := settings.Reserve(totalEquity)
	adjustedEquity := totalEquity - reserve
	if adjustedEquity < 0 {
		adjustedEquity = 0
	}

	target := make(map[string]float64, len(merged))
	for ticker, percent := range merged {
		price, ok := prices[ticker]
		if !ok || price <= 0 {
			continue
		}
		target[ticker] = (adjustedEquity * percent / 100) / price
	}
	return target
}

// applyPairedNetting implements spec.md §4.7 step 5: for each configured
// pair, the smaller side is zeroed and its value moves to the larger (or
// both are dropped if equal). The netted-out amount, min(va, vb), is then
// redistributed proportionally across every surviving entry, including the
// reduced pair side, so the total sum shrinks by exactly the netted amount.
func applyPairedNetting(merged map[string]float64, pairs []domain.PairedTicker) map[string]float64 {
	if len(pairs) == 0 {
		return merged
	}

	out := make(map[string]float64, len(merged))
	for k, v := range merged {
		out[k] = v
	}

	for _, pair := range pairs {
		va, hasA := out[pair.A]
		vb, hasB := out[pair.B]
		if !hasA && !hasB {
			continue
		}

		removed := va
		if vb < removed {
			removed = vb
		}

		switch {
		case va > vb:
			out[pair.A] = va - vb
			delete(out, pair.B)
		case vb > va:
			out[pair.B] = vb - va
			delete(out, pair.A)
		default:
			delete(out, pair.A)
			delete(out, pair.B)
		}

		if removed <= 0 {
			continue
		}

		// Redistribute the netted amount proportionally across every
		// surviving entry, including the reduced pair side.
		survivingSum := 0.0
		for _, v := range out {
			survivingSum += v
		}
		if survivingSum <= 0 {
			continue
		}
		for k, v := range out {
			out[k] = v + removed*(v/survivingSum)
		}
	}

	return out
}

// applySafetyCap implements spec.md §4.7 step 6: if the sum exceeds
// maxAllocationPercent, scale every entry uniformly so the sum equals the
// cap exactly. Callers must reject maxAllocationPercent <= 0 as
// ConfigInvalid (spec.md §7) before reaching here.
func applySafetyCap(merged map[string]float64, maxAllocationPercent float64) map[string]float64 {
	sum := 0.0
	for _, v := range merged {
		sum += v
	}
	if sum <= maxAllocationPercent || sum == 0 {
		return merged
	}

	scale := maxAllocationPercent / sum
	out := make(map[string]float64, len(merged))
	for k, v := range merged {
		out[k] = v * scale
	}
	return out
}

// NetTrades implements spec.md §4.7's final line: delta = target −
// current.total, filtered to |delta| > ShareEpsilon.
func (c *Calculator) NetTrades(current map[string]ledger.TickerView, target map[string]float64) map[string]float64 {
	tickers := make(map[string]struct{})
	for t := range current {
		tickers[t] = struct{}{}
	}
	for t := range target {
		tickers[t] = struct{}{}
	}

	deltas := make(map[string]float64)
	for t := range tickers {
		delta := target[t] - current[t].Total
		if delta > domain.ShareEpsilon || delta < -domain.ShareEpsilon {
			deltas[t] = delta
		}
	}
	return deltas
}

// OrderedTickers returns a ticker's deltas map sorted negative-first
// (sells) then positive (buys), matching the execution pipeline's
// sells-before-buys ordering requirement (spec.md §4.9 step 3g-h). Within
// each side, order is ticker-alphabetical for determinism.
func OrderedTickers(deltas map[string]float64) []string {
	var sells, buys []string
	for t, d := range deltas {
		if d < 0 {
			sells = append(sells, t)
		} else {
			buys = append(buys, t)
		}
	}
	sort.Strings(sells)
	sort.Strings(buys)
	return append(sells, buys...)
}
