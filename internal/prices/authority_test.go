package prices

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/daily-rebalancer/internal/clients/broker"
	"github.com/aristath/daily-rebalancer/internal/clients/marketdata"
)

type fallbackOnlyBroker struct {
	prices map[string]float64
	err    error
}

func (f *fallbackOnlyBroker) Account(broker.Credentials) (broker.Account, error) { return broker.Account{}, nil }
func (f *fallbackOnlyBroker) Positions(broker.Credentials) ([]broker.Position, error) {
	return nil, nil
}
func (f *fallbackOnlyBroker) LatestPrices(_ broker.Credentials, tickers []string) (map[string]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]float64)
	for _, t := range tickers {
		if p, ok := f.prices[t]; ok {
			out[t] = p
		}
	}
	return out, nil
}
func (f *fallbackOnlyBroker) Orders(broker.Credentials, string, int) ([]broker.Order, error) {
	return nil, nil
}
func (f *fallbackOnlyBroker) CancelAllOpen(broker.Credentials) error { return nil }
func (f *fallbackOnlyBroker) SubmitMarketSell(broker.Credentials, string, float64) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fallbackOnlyBroker) SubmitNotionalMarketBuy(broker.Credentials, string, float64) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fallbackOnlyBroker) SubmitLimitBuy(broker.Credentials, string, float64, float64) (broker.Order, error) {
	return broker.Order{}, nil
}
func (f *fallbackOnlyBroker) MarketCalendar(broker.Credentials, string, string) ([]broker.CalendarDay, error) {
	return nil, nil
}
func (f *fallbackOnlyBroker) PortfolioHistory(broker.Credentials, string) ([]broker.HistoryPoint, error) {
	return nil, nil
}

func TestFetchPrices_AllPrimaryResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]float64{"last": 123.45})
	}))
	defer srv.Close()

	client := marketdata.NewClient(srv.URL, "", zerolog.Nop())
	authority := NewAuthority(client, nil, zerolog.Nop())

	prices, meta := authority.FetchPrices([]string{"SPY", "QQQ"}, Options{})
	assert.InDelta(t, 123.45, prices["SPY"], 1e-9)
	assert.InDelta(t, 123.45, prices["QQQ"], 1e-9)
	assert.Equal(t, ConfidencePrimary, meta["SPY"].Confidence)
	assert.Equal(t, ConfidencePrimary, meta["QQQ"].Confidence)
}

func TestFetchPrices_FailedPrimaryFallsBackToBroker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := marketdata.NewClient(srv.URL, "", zerolog.Nop())
	fallback := &fallbackOnlyBroker{prices: map[string]float64{"SPY": 99}}
	authority := NewAuthority(client, fallback, zerolog.Nop())

	prices, meta := authority.FetchPrices([]string{"SPY"}, Options{FallbackEnabled: true})
	assert.InDelta(t, 99, prices["SPY"], 1e-9)
	assert.Equal(t, ConfidenceFallback, meta["SPY"].Confidence)
}

func TestFetchPrices_FallbackDisabledLeavesEmergency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := marketdata.NewClient(srv.URL, "", zerolog.Nop())
	fallback := &fallbackOnlyBroker{prices: map[string]float64{"SPY": 99}}
	authority := NewAuthority(client, fallback, zerolog.Nop())

	prices, meta := authority.FetchPrices([]string{"SPY"}, Options{FallbackEnabled: false})
	_, hasPrice := prices["SPY"]
	assert.False(t, hasPrice)
	assert.Equal(t, ConfidenceEmergency, meta["SPY"].Confidence)
	require.Error(t, meta["SPY"].Err)
}

func TestFetchPrices_BrokerFallbackStillMissingStaysEmergency(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := marketdata.NewClient(srv.URL, "", zerolog.Nop())
	fallback := &fallbackOnlyBroker{prices: map[string]float64{}}
	authority := NewAuthority(client, fallback, zerolog.Nop())

	prices, meta := authority.FetchPrices([]string{"ZZZ"}, Options{FallbackEnabled: true})
	_, hasPrice := prices["ZZZ"]
	assert.False(t, hasPrice)
	assert.Equal(t, ConfidenceEmergency, meta["ZZZ"].Confidence)
}

func TestFetchPrices_BatchesAcrossMaxConcurrent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]float64{"last": 10})
	}))
	defer srv.Close()

	client := marketdata.NewClient(srv.URL, "", zerolog.Nop())
	authority := NewAuthority(client, nil, zerolog.Nop())

	tickers := make([]string, 12)
	for i := range tickers {
		tickers[i] = fmt.Sprintf("T%d", i)
	}

	prices, meta := authority.FetchPrices(tickers, Options{MaxConcurrent: 5})
	assert.Len(t, prices, 12)
	assert.Len(t, meta, 12)
}
