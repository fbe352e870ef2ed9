// Package marketdata is the primary price provider client (spec.md §6.1),
// adapted from the teacher's Yahoo Finance quote client onto the
// GET /price/{ticker} contract: {last: number} on the primary endpoint, or
// [{adjClose|close: number}] on the fallback endpoint.
package marketdata

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Client is a bearer-token HTTP client against the market-data provider.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	log     zerolog.Logger
}

// NewClient builds a marketdata client. Requests carry a 10s timeout per
// request (spec.md C3 step 1); batching/concurrency is the caller's (the
// price authority's) responsibility, this client is single-ticker only.
func NewClient(baseURL, apiKey string, log zerolog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("client", "marketdata").Logger(),
	}
}

type primaryResponse struct {
	Last float64 `json:"last"`
}

type fallbackQuote struct {
	AdjClose *float64 `json:"adjClose"`
	Close    *float64 `json:"close"`
}

// Price fetches the current price for one ticker from the primary
// endpoint. Any non-2xx, missing field, or non-positive number is an error.
func (c *Client) Price(ticker string) (float64, error) {
	body, err := c.get(fmt.Sprintf("/price/%s", ticker))
	if err != nil {
		return 0, err
	}

	var parsed primaryResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return 0, fmt.Errorf("marketdata: decode primary response for %s: %w", ticker, err)
	}

	if parsed.Last <= 0 {
		return 0, fmt.Errorf("marketdata: non-positive price for %s", ticker)
	}

	return parsed.Last, nil
}

// FallbackPrice fetches from the secondary, adjusted-close style endpoint.
func (c *Client) FallbackPrice(ticker string) (float64, error) {
	body, err := c.get(fmt.Sprintf("/price/%s/history", ticker))
	if err != nil {
		return 0, err
	}

	var quotes []fallbackQuote
	if err := json.Unmarshal(body, &quotes); err != nil {
		return 0, fmt.Errorf("marketdata: decode fallback response for %s: %w", ticker, err)
	}

	if len(quotes) == 0 {
		return 0, fmt.Errorf("marketdata: empty fallback response for %s", ticker)
	}

	last := quotes[len(quotes)-1]
	var price float64
	switch {
	case last.AdjClose != nil:
		price = *last.AdjClose
	case last.Close != nil:
		price = *last.Close
	default:
		return 0, fmt.Errorf("marketdata: no close field for %s", ticker)
	}

	if price <= 0 {
		return 0, fmt.Errorf("marketdata: non-positive fallback price for %s", ticker)
	}

	return price, nil
}

func (c *Client) get(endpoint string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("marketdata: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("marketdata: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("marketdata: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("marketdata: status %d: %s", resp.StatusCode, string(body))
	}

	return body, nil
}
