// Package evaluator is the external strategy-evaluator client (spec.md
// §6.3, out of scope as an implementation but consumed here as a contract).
// Adapted from the teacher's planning/evaluation HTTP client.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one ticker/weight pair in a day's allocation.
type Entry struct {
	Ticker string  `json:"ticker"`
	Weight float64 `json:"weight"`
}

// DayAllocation is one date's worth of evaluator output.
type DayAllocation struct {
	Date    string  `json:"date"`
	Entries []Entry `json:"entries"`
}

// Options mirror the {mode, benchmarkTicker} the evaluator accepts.
type Options struct {
	Mode            string `json:"mode"`
	BenchmarkTicker string `json:"benchmark"`
}

type evaluateRequest struct {
	Payload         json.RawMessage `json:"payload"`
	Mode            string          `json:"mode"`
	BenchmarkTicker string          `json:"benchmark"`
}

type evaluateResponse struct {
	Allocations []DayAllocation `json:"allocations"`
}

// Client invokes the backtest/evaluation service at EVALUATOR_URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient builds an evaluator client. Evaluation can take a while for
// complex strategy trees, so the timeout is generous relative to the
// 10s external-call default elsewhere in the pipeline.
func NewClient(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		log:        log.With().Str("client", "evaluator").Logger(),
	}
}

// Evaluate runs one system's payload through the evaluator and returns the
// full allocation time series. The core only ever consumes the last entry
// (today); earlier entries are returned for callers that want history.
func (c *Client) Evaluate(ctx context.Context, payload json.RawMessage, opts Options) ([]DayAllocation, error) {
	reqBody, err := json.Marshal(evaluateRequest{Payload: payload, Mode: opts.Mode, BenchmarkTicker: opts.BenchmarkTicker})
	if err != nil {
		return nil, fmt.Errorf("evaluator: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/evaluate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("evaluator: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("evaluator: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("evaluator: status %d: %s", resp.StatusCode, string(body))
	}

	var parsed evaluateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("evaluator: decode response: %w", err)
	}

	return parsed.Allocations, nil
}
