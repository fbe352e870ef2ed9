// Package prices implements the three-tier price authority (spec.md C3):
// primary market-data provider, broker fallback, emergency null. Adapted
// from the teacher's Yahoo client batching shape but generalized into a
// confidence-tagged fetch over any ticker set.
package prices

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/clients/broker"
	"github.com/aristath/daily-rebalancer/internal/clients/marketdata"
)

// Confidence tags how a price was obtained.
type Confidence string

const (
	ConfidencePrimary   Confidence = "primary"
	ConfidenceFallback  Confidence = "fallback"
	ConfidenceEmergency Confidence = "emergency"
)

// Meta describes the provenance of one ticker's fetch attempt.
type Meta struct {
	Confidence Confidence
	Err        error
}

// Options tunes the batching behavior; zero values fall back to defaults.
type Options struct {
	MaxConcurrent    int
	BatchDelay       time.Duration
	FallbackEnabled  bool
	FallbackCreds    broker.Credentials
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = 5
	}
	if o.BatchDelay <= 0 {
		o.BatchDelay = 100 * time.Millisecond
	}
	return o
}

// Authority fetches prices through the tiered provider chain.
type Authority struct {
	primary *marketdata.Client
	broker  broker.Capability
	log     zerolog.Logger
}

// NewAuthority builds a price authority. broker may be nil if fallback is
// never used by the caller.
func NewAuthority(primary *marketdata.Client, brokerClient broker.Capability, log zerolog.Logger) *Authority {
	return &Authority{
		primary: primary,
		broker:  brokerClient,
		log:     log.With().Str("component", "price_authority").Logger(),
	}
}

// FetchPrices implements spec.md §4.3. Returned prices contains only
// tickers that resolved to a valid positive price; meta has one entry per
// requested ticker regardless of outcome.
func (a *Authority) FetchPrices(tickers []string, opts Options) (map[string]float64, map[string]Meta) {
	opts = opts.withDefaults()

	prices := make(map[string]float64, len(tickers))
	meta := make(map[string]Meta, len(tickers))

	var failed []string
	for batchStart := 0; batchStart < len(tickers); batchStart += opts.MaxConcurrent {
		batchEnd := batchStart + opts.MaxConcurrent
		if batchEnd > len(tickers) {
			batchEnd = len(tickers)
		}
		batch := tickers[batchStart:batchEnd]

		type result struct {
			ticker string
			price  float64
			err    error
		}
		results := make(chan result, len(batch))
		for _, ticker := range batch {
			go func(t string) {
				price, err := a.primary.Price(t)
				results <- result{ticker: t, price: price, err: err}
			}(ticker)
		}
		for range batch {
			r := <-results
			if r.err == nil && r.price > 0 {
				prices[r.ticker] = r.price
				meta[r.ticker] = Meta{Confidence: ConfidencePrimary}
			} else {
				failed = append(failed, r.ticker)
				meta[r.ticker] = Meta{Confidence: ConfidenceEmergency, Err: r.err}
			}
		}

		if batchEnd < len(tickers) {
			time.Sleep(opts.BatchDelay)
		}
	}

	if len(failed) > 0 && opts.FallbackEnabled && a.broker != nil {
		fallbackPrices, err := a.broker.LatestPrices(opts.FallbackCreds, failed)
		if err != nil {
			a.log.Warn().Err(err).Int("tickers", len(failed)).Msg("broker fallback request failed")
		} else {
			stillMissing := failed[:0]
			for _, ticker := range failed {
				if p, ok := fallbackPrices[ticker]; ok && p > 0 {
					prices[ticker] = p
					meta[ticker] = Meta{Confidence: ConfidenceFallback}
				} else {
					stillMissing = append(stillMissing, ticker)
				}
			}
			failed = stillMissing
		}
	}

	primaryCount, fallbackCount, emergencyCount := 0, 0, 0
	for _, m := range meta {
		switch m.Confidence {
		case ConfidencePrimary:
			primaryCount++
		case ConfidenceFallback:
			fallbackCount++
		case ConfidenceEmergency:
			emergencyCount++
		}
	}
	a.log.Info().
		Int("primary", primaryCount).
		Int("fallback", fallbackCount).
		Int("emergency", emergencyCount).
		Bool("degraded", fallbackCount > 0).
		Bool("emergency_mode", emergencyCount > 0).
		Msg("price fetch complete")

	return prices, meta
}
