// Package broker is the capability-set client for the external brokerage
// (spec.md §6.2). The core consumes a broker only through this interface;
// Client is one concrete HTTP implementation, adapted from the teacher's
// tradernet microservice client onto the capability set spec.md names.
package broker

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Capability is the set of broker operations the core depends on. Any
// implementation (real HTTP client, paper-trading stub, test double)
// satisfies this to drive the execution pipeline.
type Capability interface {
	Account(credentials Credentials) (Account, error)
	Positions(credentials Credentials) ([]Position, error)
	LatestPrices(credentials Credentials, tickers []string) (map[string]float64, error)
	Orders(credentials Credentials, status string, limit int) ([]Order, error)
	CancelAllOpen(credentials Credentials) error
	SubmitMarketSell(credentials Credentials, symbol string, qty float64) (Order, error)
	SubmitNotionalMarketBuy(credentials Credentials, symbol string, notionalUSD float64) (Order, error)
	SubmitLimitBuy(credentials Credentials, symbol string, qty, limitPrice float64) (Order, error)
	MarketCalendar(credentials Credentials, from, to string) ([]CalendarDay, error)
	PortfolioHistory(credentials Credentials, period string) ([]HistoryPoint, error)
}

// Credentials are the decrypted broker API key/secret pair for one account,
// plus the base URL override some brokers key by account.
type Credentials struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// Account is the broker's account-state snapshot.
type Account struct {
	Equity         float64 `json:"equity"`
	Cash           float64 `json:"cash"`
	BuyingPower    float64 `json:"buying_power"`
	PortfolioValue float64 `json:"portfolio_value"`
	Status         string  `json:"status"`
}

// Position is one broker-held position.
type Position struct {
	Symbol        string  `json:"symbol"`
	Qty           float64 `json:"qty"`
	AvgEntryPrice float64 `json:"avg_entry_price"`
	CurrentPrice  float64 `json:"current_price"`
	MarketValue   float64 `json:"market_value"`
}

// Order is a submitted or historical broker order.
type Order struct {
	OrderID  string  `json:"order_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Quantity float64 `json:"quantity"`
	Notional float64 `json:"notional,omitempty"`
	Price    float64 `json:"price"`
	Status   string  `json:"status"`
}

// CalendarDay is one trading day's open/close, per spec.md §6.2. An empty
// slice for a requested date means the market is closed that day.
type CalendarDay struct {
	Date  string `json:"date"`
	Open  string `json:"open"`
	Close string `json:"close"`
}

// HistoryPoint is one sample of PortfolioHistory.
type HistoryPoint struct {
	TimestampMs int64   `json:"timestamp_ms"`
	Equity      float64 `json:"equity"`
	PL          float64 `json:"pl"`
	PLPct       float64 `json:"pl_pct"`
}

// Client is an HTTP implementation of Capability against a broker
// microservice, following the teacher's ServiceResponse envelope.
type Client struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient builds a broker client bound to baseURL.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log.With().Str("client", "broker").Logger(),
	}
}

type serviceResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *string         `json:"error"`
}

func (c *Client) do(method, endpoint string, creds Credentials, body interface{}) (*serviceResponse, error) {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("broker: marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("broker: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(creds.APIKey, creds.APISecret)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("broker: request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("broker: read response: %w", err)
	}

	var parsed serviceResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("broker: decode response: %w", err)
	}

	if !parsed.Success {
		msg := "unknown broker error"
		if parsed.Error != nil {
			msg = *parsed.Error
		}
		return &parsed, fmt.Errorf("broker: %s", msg)
	}

	return &parsed, nil
}

// Account implements Capability.
func (c *Client) Account(creds Credentials) (Account, error) {
	resp, err := c.do(http.MethodGet, "/api/account", creds, nil)
	if err != nil {
		return Account{}, err
	}
	var account Account
	if err := json.Unmarshal(resp.Data, &account); err != nil {
		return Account{}, fmt.Errorf("broker: parse account: %w", err)
	}
	return account, nil
}

// Positions implements Capability.
func (c *Client) Positions(creds Credentials) ([]Position, error) {
	resp, err := c.do(http.MethodGet, "/api/positions", creds, nil)
	if err != nil {
		return nil, err
	}
	var positions []Position
	if err := json.Unmarshal(resp.Data, &positions); err != nil {
		return nil, fmt.Errorf("broker: parse positions: %w", err)
	}
	return positions, nil
}

type latestPricesRequest struct {
	Tickers []string `json:"tickers"`
}

// LatestPrices implements Capability.
func (c *Client) LatestPrices(creds Credentials, tickers []string) (map[string]float64, error) {
	resp, err := c.do(http.MethodPost, "/api/prices/latest", creds, latestPricesRequest{Tickers: tickers})
	if err != nil {
		return nil, err
	}
	var prices map[string]float64
	if err := json.Unmarshal(resp.Data, &prices); err != nil {
		return nil, fmt.Errorf("broker: parse prices: %w", err)
	}
	return prices, nil
}

// Orders implements Capability.
func (c *Client) Orders(creds Credentials, status string, limit int) ([]Order, error) {
	endpoint := fmt.Sprintf("/api/orders?status=%s&limit=%d", status, limit)
	resp, err := c.do(http.MethodGet, endpoint, creds, nil)
	if err != nil {
		return nil, err
	}
	var orders []Order
	if err := json.Unmarshal(resp.Data, &orders); err != nil {
		return nil, fmt.Errorf("broker: parse orders: %w", err)
	}
	return orders, nil
}

// CancelAllOpen implements Capability.
func (c *Client) CancelAllOpen(creds Credentials) error {
	_, err := c.do(http.MethodDelete, "/api/orders", creds, nil)
	return err
}

type sellRequest struct {
	Symbol   string  `json:"symbol"`
	Quantity float64 `json:"quantity"`
}

// SubmitMarketSell implements Capability.
func (c *Client) SubmitMarketSell(creds Credentials, symbol string, qty float64) (Order, error) {
	resp, err := c.do(http.MethodPost, "/api/orders/market-sell", creds, sellRequest{Symbol: symbol, Quantity: qty})
	if err != nil {
		return Order{}, err
	}
	return decodeOrder(resp)
}

type notionalBuyRequest struct {
	Symbol   string  `json:"symbol"`
	Notional float64 `json:"notional"`
}

// SubmitNotionalMarketBuy implements Capability.
func (c *Client) SubmitNotionalMarketBuy(creds Credentials, symbol string, notionalUSD float64) (Order, error) {
	resp, err := c.do(http.MethodPost, "/api/orders/notional-buy", creds, notionalBuyRequest{Symbol: symbol, Notional: notionalUSD})
	if err != nil {
		return Order{}, err
	}
	return decodeOrder(resp)
}

type limitBuyRequest struct {
	Symbol     string  `json:"symbol"`
	Quantity   float64 `json:"quantity"`
	LimitPrice float64 `json:"limit_price"`
}

// SubmitLimitBuy implements Capability.
func (c *Client) SubmitLimitBuy(creds Credentials, symbol string, qty, limitPrice float64) (Order, error) {
	resp, err := c.do(http.MethodPost, "/api/orders/limit-buy", creds, limitBuyRequest{Symbol: symbol, Quantity: qty, LimitPrice: limitPrice})
	if err != nil {
		return Order{}, err
	}
	return decodeOrder(resp)
}

func decodeOrder(resp *serviceResponse) (Order, error) {
	var order Order
	if err := json.Unmarshal(resp.Data, &order); err != nil {
		return Order{}, fmt.Errorf("broker: parse order: %w", err)
	}
	return order, nil
}

// MarketCalendar implements Capability. An empty result means closed.
func (c *Client) MarketCalendar(creds Credentials, from, to string) ([]CalendarDay, error) {
	endpoint := fmt.Sprintf("/api/calendar?from=%s&to=%s", from, to)
	resp, err := c.do(http.MethodGet, endpoint, creds, nil)
	if err != nil {
		return nil, err
	}
	var days []CalendarDay
	if err := json.Unmarshal(resp.Data, &days); err != nil {
		return nil, fmt.Errorf("broker: parse calendar: %w", err)
	}
	return days, nil
}

// PortfolioHistory implements Capability.
func (c *Client) PortfolioHistory(creds Credentials, period string) ([]HistoryPoint, error) {
	endpoint := fmt.Sprintf("/api/portfolio/history?period=%s", period)
	resp, err := c.do(http.MethodGet, endpoint, creds, nil)
	if err != nil {
		return nil, err
	}
	var points []HistoryPoint
	if err := json.Unmarshal(resp.Data, &points); err != nil {
		return nil, fmt.Errorf("broker: parse history: %w", err)
	}
	return points, nil
}
