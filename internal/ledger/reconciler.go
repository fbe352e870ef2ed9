// Package ledger implements the portfolio reconciler (spec.md C6): it
// reads the broker's actual holdings and the local bot_position_ledger
// attribution, purges phantom rows, and rewrites the UNALLOCATED bucket so
// the ledger always sums to what the broker actually holds. Adapted from
// the teacher's position_repository.go join-and-scan shape.
package ledger

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/clients/broker"
	"github.com/aristath/daily-rebalancer/internal/domain"
	"github.com/aristath/daily-rebalancer/internal/store"
)

// TickerView is one ticker's reconciled state for an account.
type TickerView struct {
	Total        float64
	Allocated    float64
	Unallocated  float64
	CurrentPrice float64
}

// Reconciler reconciles broker positions against the local ledger.
type Reconciler struct {
	brokerClient broker.Capability
	ledger       *store.LedgerRepository
	log          zerolog.Logger
}

// NewReconciler builds a reconciler.
func NewReconciler(brokerClient broker.Capability, ledgerRepo *store.LedgerRepository, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		brokerClient: brokerClient,
		ledger:       ledgerRepo,
		log:          log.With().Str("component", "reconciler").Logger(),
	}
}

// CurrentPortfolio implements spec.md §4.6.
func (r *Reconciler) CurrentPortfolio(creds broker.Credentials, userID string, credType domain.CredentialType) (map[string]TickerView, error) {
	positions, err := r.brokerClient.Positions(creds)
	if err != nil {
		return nil, fmt.Errorf("reconciler: broker positions for %s/%s: %w", userID, credType, err)
	}
	brokerByTicker := make(map[string]broker.Position, len(positions))
	for _, p := range positions {
		brokerByTicker[p.Symbol] = p
	}

	entries, err := r.ledger.ForAccount(userID, credType)
	if err != nil {
		return nil, fmt.Errorf("reconciler: ledger entries for %s/%s: %w", userID, credType, err)
	}

	allocated := make(map[string]float64)
	for _, entry := range entries {
		if _, existsAtBroker := brokerByTicker[entry.Ticker]; !existsAtBroker {
			if entry.Bucket.IsUnallocated {
				// Unconditionally reconciled in step 5 below; leave it.
				continue
			}
			if err := r.ledger.Delete(userID, credType, entry.Bucket, entry.Ticker); err != nil {
				return nil, fmt.Errorf("reconciler: purge phantom %s/%s: %w", entry.Bucket.ID(), entry.Ticker, err)
			}
			continue
		}
		if !entry.Bucket.IsUnallocated {
			allocated[entry.Ticker] += entry.Shares
		}
	}

	now := time.Now()
	result := make(map[string]TickerView, len(brokerByTicker))
	for ticker, pos := range brokerByTicker {
		alloc := allocated[ticker]
		unalloc := pos.Qty - alloc
		if unalloc < 0 {
			unalloc = 0
		}

		result[ticker] = TickerView{
			Total:        pos.Qty,
			Allocated:    alloc,
			Unallocated:  unalloc,
			CurrentPrice: pos.CurrentPrice,
		}

		if unalloc > domain.ShareEpsilon {
			err := r.ledger.Upsert(domain.LedgerEntry{
				UserID: userID, CredentialType: credType, Bucket: domain.Unallocated,
				Ticker: ticker, Shares: unalloc, AvgPrice: pos.CurrentPrice, UpdatedAt: now,
			})
			if err != nil {
				return nil, fmt.Errorf("reconciler: rewrite unallocated %s: %w", ticker, err)
			}
		} else {
			if err := r.ledger.Delete(userID, credType, domain.Unallocated, ticker); err != nil {
				return nil, fmt.Errorf("reconciler: drop empty unallocated %s: %w", ticker, err)
			}
		}
	}

	// Drop any UNALLOCATED row for a ticker the broker no longer holds.
	for _, entry := range entries {
		if !entry.Bucket.IsUnallocated {
			continue
		}
		if _, stillHeld := brokerByTicker[entry.Ticker]; !stillHeld {
			if err := r.ledger.Delete(userID, credType, domain.Unallocated, entry.Ticker); err != nil {
				return nil, fmt.Errorf("reconciler: drop stale unallocated %s: %w", entry.Ticker, err)
			}
		}
	}

	return result, nil
}
