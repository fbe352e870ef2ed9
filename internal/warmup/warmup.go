// Package warmup implements Phase 1 (spec.md C5): eligible-account
// enumeration, cross-user system deduplication, ticker extraction from
// each system's payload tree, and a fairly shuffled execution queue.
// Adapted from the teacher's grouping_repository.go scan-into-map pattern
// and sync_cycle.go's step sequencing.
package warmup

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/daily-rebalancer/internal/domain"
	"github.com/aristath/daily-rebalancer/internal/store"
)

// UniqueSystem is one deduplicated system with the accounts invested in it.
type UniqueSystem struct {
	SystemID      string
	Payload       domain.PayloadNode
	IsUnallocated bool
	UserAccounts  []domain.Account
}

// Stats summarizes one warmup run.
type Stats struct {
	EligibleAccounts int
	UniqueSystems    int
	Tickers          int
}

// Result is Phase 1's complete output, handed to Phase 2.
type Result struct {
	UniqueSystems  []UniqueSystem
	AllTickers     []string
	ExecutionQueue []domain.Account
	Stats          Stats
}

// Deduplicator runs the warmup phase.
type Deduplicator struct {
	settings    *store.SettingsRepository
	investments *store.InvestmentRepository
	ledger      *store.LedgerRepository
	systems     *store.SystemRepository
	queue       *store.QueueRepository
	dedup       *store.DedupRepository
	log         zerolog.Logger
}

// NewDeduplicator builds a warmup/dedup phase runner.
func NewDeduplicator(
	settings *store.SettingsRepository,
	investments *store.InvestmentRepository,
	ledger *store.LedgerRepository,
	systems *store.SystemRepository,
	queue *store.QueueRepository,
	dedup *store.DedupRepository,
	log zerolog.Logger,
) *Deduplicator {
	return &Deduplicator{
		settings:    settings,
		investments: investments,
		ledger:      ledger,
		systems:     systems,
		queue:       queue,
		dedup:       dedup,
		log:         log.With().Str("component", "warmup").Logger(),
	}
}

// Override pins Phase 1 to a single account, for manual per-user runs.
type Override struct {
	UserID         string
	CredentialType domain.CredentialType
}

// Run executes spec.md §4.5 steps 1-6 for one execution id.
func (d *Deduplicator) Run(executionID string, override *Override) (Result, error) {
	accounts, err := d.eligibleAccounts(override)
	if err != nil {
		return Result{}, fmt.Errorf("warmup: eligible accounts: %w", err)
	}

	uniqueByID := make(map[string]*UniqueSystem)
	var order []string

	for _, acc := range accounts {
		investments, err := d.investments.ForAccount(acc.UserID, acc.CredentialType)
		if err != nil {
			return Result{}, fmt.Errorf("warmup: investments for %s/%s: %w", acc.UserID, acc.CredentialType, err)
		}

		for _, inv := range investments {
			sys, ok := uniqueByID[inv.SystemID]
			if !ok {
				loaded, err := d.systems.Get(inv.SystemID)
				if err != nil {
					return Result{}, fmt.Errorf("warmup: load system %s: %w", inv.SystemID, err)
				}
				sys = &UniqueSystem{SystemID: inv.SystemID, Payload: loaded.Payload}
				uniqueByID[inv.SystemID] = sys
				order = append(order, inv.SystemID)
			}
			sys.UserAccounts = append(sys.UserAccounts, acc)
		}

		hasUnallocated, err := d.hasUnallocatedPosition(acc)
		if err != nil {
			return Result{}, fmt.Errorf("warmup: unallocated check %s/%s: %w", acc.UserID, acc.CredentialType, err)
		}
		if hasUnallocated {
			sys, ok := uniqueByID[domain.UnallocatedBucket]
			if !ok {
				sys = &UniqueSystem{SystemID: domain.UnallocatedBucket, IsUnallocated: true}
				uniqueByID[domain.UnallocatedBucket] = sys
				order = append(order, domain.UnallocatedBucket)
			}
			sys.UserAccounts = append(sys.UserAccounts, acc)
		}
	}

	uniqueSystems := make([]UniqueSystem, 0, len(order))
	tickerSet := make(map[string]struct{})
	for _, id := range order {
		sys := *uniqueByID[id]
		if !sys.IsUnallocated {
			for _, t := range extractTickers(sys.Payload) {
				tickerSet[t] = struct{}{}
			}
		}
		uniqueSystems = append(uniqueSystems, sys)
	}

	allTickers := make([]string, 0, len(tickerSet))
	for t := range tickerSet {
		allTickers = append(allTickers, t)
	}

	shuffled, err := shuffle(accounts)
	if err != nil {
		return Result{}, fmt.Errorf("warmup: shuffle: %w", err)
	}

	if err := d.queue.Persist(executionID, shuffled); err != nil {
		return Result{}, fmt.Errorf("warmup: persist queue: %w", err)
	}

	now := time.Now()
	for _, sys := range uniqueSystems {
		if sys.IsUnallocated {
			continue
		}
		if err := d.dedup.Upsert(sys.SystemID, len(sys.UserAccounts), now); err != nil {
			return Result{}, fmt.Errorf("warmup: dedup upsert %s: %w", sys.SystemID, err)
		}
	}

	d.log.Info().
		Int("eligible_accounts", len(accounts)).
		Int("unique_systems", len(uniqueSystems)).
		Int("tickers", len(allTickers)).
		Msg("warmup complete")

	return Result{
		UniqueSystems:  uniqueSystems,
		AllTickers:     allTickers,
		ExecutionQueue: shuffled,
		Stats: Stats{
			EligibleAccounts: len(accounts),
			UniqueSystems:    len(uniqueSystems),
			Tickers:          len(allTickers),
		},
	}, nil
}

func (d *Deduplicator) eligibleAccounts(override *Override) ([]domain.Account, error) {
	if override != nil {
		return []domain.Account{{UserID: override.UserID, CredentialType: override.CredentialType}}, nil
	}

	userIDs, err := d.settings.EnabledUserIDs()
	if err != nil {
		return nil, fmt.Errorf("enabled users: %w", err)
	}

	var accounts []domain.Account
	for _, userID := range userIDs {
		for _, credType := range []domain.CredentialType{domain.CredentialPaper, domain.CredentialLive} {
			ok, err := d.investments.HasAnyInvestmentOrLedgerPosition(userID, credType)
			if err != nil {
				return nil, fmt.Errorf("eligibility %s/%s: %w", userID, credType, err)
			}
			if ok {
				accounts = append(accounts, domain.Account{UserID: userID, CredentialType: credType})
			}
		}
	}
	return accounts, nil
}

func (d *Deduplicator) hasUnallocatedPosition(acc domain.Account) (bool, error) {
	entries, err := d.ledger.ForAccount(acc.UserID, acc.CredentialType)
	if err != nil {
		return false, err
	}
	for _, e := range entries {
		if e.Bucket.IsUnallocated && e.Shares > domain.ShareEpsilon {
			return true, nil
		}
	}
	return false, nil
}

// extractTickers walks a payload tree depth-first, collecting every ticker
// referenced by a leaf's positions list. The literal string "Empty" marks a
// deliberately blank slot and is ignored, per spec.md §4.5 step 4.
func extractTickers(node domain.PayloadNode) []string {
	var out []string
	if node.IsLeaf() {
		for _, p := range node.Positions {
			if p == "" || p == "Empty" {
				continue
			}
			out = append(out, p)
		}
		return out
	}
	for _, children := range node.Children {
		for _, child := range children {
			out = append(out, extractTickers(child)...)
		}
	}
	return out
}

// shuffle performs an unbiased Fisher-Yates shuffle seeded from
// crypto/rand, per spec.md §4.5 step 5. It does not mutate accounts.
func shuffle(accounts []domain.Account) ([]domain.Account, error) {
	out := make([]domain.Account, len(accounts))
	copy(out, accounts)

	for i := len(out) - 1; i > 0; i-- {
		j, err := randIntN(i + 1)
		if err != nil {
			return nil, err
		}
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func randIntN(n int) (int, error) {
	max := big.NewInt(int64(n))
	v, err := rand.Int(rand.Reader, max)
	if err != nil {
		return 0, fmt.Errorf("crypto rand: %w", err)
	}
	return int(v.Int64()), nil
}
