package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/daily-rebalancer/internal/clients/broker"
	"github.com/aristath/daily-rebalancer/internal/database"
	"github.com/aristath/daily-rebalancer/internal/domain"
	"github.com/aristath/daily-rebalancer/internal/store"
)

type fakeBroker struct {
	positions []broker.Position
}

func (f *fakeBroker) Account(broker.Credentials) (broker.Account, error) { return broker.Account{}, nil }
func (f *fakeBroker) Positions(broker.Credentials) ([]broker.Position, error) {
	return f.positions, nil
}
func (f *fakeBroker) LatestPrices(broker.Credentials, []string) (map[string]float64, error) {
	return nil, nil
}
func (f *fakeBroker) Orders(broker.Credentials, string, int) ([]broker.Order, error) { return nil, nil }
func (f *fakeBroker) CancelAllOpen(broker.Credentials) error                         { return nil }
func (f *fakeBroker) SubmitMarketSell(broker.Credentials, string, float64) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fakeBroker) SubmitNotionalMarketBuy(broker.Credentials, string, float64) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fakeBroker) SubmitLimitBuy(broker.Credentials, string, float64, float64) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fakeBroker) MarketCalendar(broker.Credentials, string, string) ([]broker.CalendarDay, error) {
	return nil, nil
}
func (f *fakeBroker) PortfolioHistory(broker.Credentials, string) ([]broker.HistoryPoint, error) {
	return nil, nil
}

func newTestLedgerRepo(t *testing.T) *store.LedgerRepository {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Migrate())
	return store.NewLedgerRepository(db.Conn(), zerolog.Nop())
}

func TestCurrentPortfolio_PurgesPhantomAllocatedRow(t *testing.T) {
	ledgerRepo := newTestLedgerRepo(t)
	require.NoError(t, ledgerRepo.Upsert(domain.LedgerEntry{
		UserID: "u1", CredentialType: domain.CredentialPaper,
		Bucket: domain.SystemBucket("S1"), Ticker: "ZZZ", Shares: 5, AvgPrice: 10, UpdatedAt: time.Now(),
	}))

	recon := NewReconciler(&fakeBroker{positions: nil}, ledgerRepo, zerolog.Nop())
	view, err := recon.CurrentPortfolio(broker.Credentials{}, "u1", domain.CredentialPaper)
	require.NoError(t, err)
	assert.Empty(t, view)

	entries, err := ledgerRepo.ForAccount("u1", domain.CredentialPaper)
	require.NoError(t, err)
	assert.Empty(t, entries, "phantom allocated row (broker no longer holds it) is purged")
}

func TestCurrentPortfolio_RewritesUnallocatedToBrokerMinusAllocated(t *testing.T) {
	ledgerRepo := newTestLedgerRepo(t)
	require.NoError(t, ledgerRepo.Upsert(domain.LedgerEntry{
		UserID: "u1", CredentialType: domain.CredentialPaper,
		Bucket: domain.SystemBucket("S1"), Ticker: "SPY", Shares: 4, AvgPrice: 400, UpdatedAt: time.Now(),
	}))

	recon := NewReconciler(&fakeBroker{positions: []broker.Position{
		{Symbol: "SPY", Qty: 10, CurrentPrice: 420},
	}}, ledgerRepo, zerolog.Nop())

	view, err := recon.CurrentPortfolio(broker.Credentials{}, "u1", domain.CredentialPaper)
	require.NoError(t, err)
	require.Contains(t, view, "SPY")
	assert.InDelta(t, 10, view["SPY"].Total, 1e-9)
	assert.InDelta(t, 4, view["SPY"].Allocated, 1e-9)
	assert.InDelta(t, 6, view["SPY"].Unallocated, 1e-9)

	entries, err := ledgerRepo.ForAccount("u1", domain.CredentialPaper)
	require.NoError(t, err)
	var foundUnallocated bool
	for _, e := range entries {
		if e.Bucket.IsUnallocated && e.Ticker == "SPY" {
			foundUnallocated = true
			assert.InDelta(t, 6, e.Shares, 1e-9)
		}
	}
	assert.True(t, foundUnallocated, "unallocated bucket rewritten with broker total minus allocated")
}

func TestCurrentPortfolio_DropsStaleUnallocatedRowForTickerNoLongerHeld(t *testing.T) {
	ledgerRepo := newTestLedgerRepo(t)
	require.NoError(t, ledgerRepo.Upsert(domain.LedgerEntry{
		UserID: "u1", CredentialType: domain.CredentialPaper,
		Bucket: domain.Unallocated, Ticker: "OLD", Shares: 3, AvgPrice: 50, UpdatedAt: time.Now(),
	}))

	recon := NewReconciler(&fakeBroker{positions: nil}, ledgerRepo, zerolog.Nop())
	_, err := recon.CurrentPortfolio(broker.Credentials{}, "u1", domain.CredentialPaper)
	require.NoError(t, err)

	entries, err := ledgerRepo.ForAccount("u1", domain.CredentialPaper)
	require.NoError(t, err)
	assert.Empty(t, entries, "unallocated row for a ticker the broker no longer holds is dropped")
}

func TestCurrentPortfolio_NoUnallocatedRowWhenFullyAllocated(t *testing.T) {
	ledgerRepo := newTestLedgerRepo(t)
	require.NoError(t, ledgerRepo.Upsert(domain.LedgerEntry{
		UserID: "u1", CredentialType: domain.CredentialPaper,
		Bucket: domain.SystemBucket("S1"), Ticker: "SPY", Shares: 10, AvgPrice: 400, UpdatedAt: time.Now(),
	}))

	recon := NewReconciler(&fakeBroker{positions: []broker.Position{
		{Symbol: "SPY", Qty: 10, CurrentPrice: 420},
	}}, ledgerRepo, zerolog.Nop())

	view, err := recon.CurrentPortfolio(broker.Credentials{}, "u1", domain.CredentialPaper)
	require.NoError(t, err)
	assert.InDelta(t, 0, view["SPY"].Unallocated, 1e-9)

	entries, err := ledgerRepo.ForAccount("u1", domain.CredentialPaper)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, e.Bucket.IsUnallocated && e.Ticker == "SPY", "no unallocated row written when fully allocated")
	}
}
