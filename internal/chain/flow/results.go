// Package flow talks to a Flow access node: the REST API for one-off result
// lookups and the websocket API for the transaction_statuses stream.
package flow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pvzzle/txmonitor/internal/chain"
	"github.com/pvzzle/txmonitor/internal/txstate"
)

// transactionResult is the subset of the access API result body we read.
// The same shape is carried in websocket payloads.
type transactionResult struct {
	Status       string `json:"status"`
	StatusCode   int    `json:"status_code"`
	Execution    string `json:"execution"`
	ErrorMessage string `json:"error_message"`
	BlockID      string `json:"block_id"`
}

func (r transactionResult) observation() txstate.Observation {
	return txstate.Observation{
		Status:       txstate.ParseChainStatus(r.Status),
		Outcome:      txstate.ParseExecutionOutcome(r.Execution),
		ErrorMessage: strings.TrimSpace(r.ErrorMessage),
	}
}

type Client struct {
	baseURL string
	http    *http.Client
}

var _ chain.ResultFetcher = (*Client)(nil)

func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// stripHex drops the 0x prefix, the access API wants bare hex ids.
func stripHex(id string) string {
	if len(id) >= 2 && (id[:2] == "0x" || id[:2] == "0X") {
		return id[2:]
	}
	return id
}

func (c *Client) GetTransactionResult(ctx context.Context, txID string) (txstate.Observation, error) {
	url := fmt.Sprintf("%s/v1/transaction_results/%s", c.baseURL, stripHex(txID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return txstate.Observation{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return txstate.Observation{}, fmt.Errorf("get transaction result: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return txstate.Observation{}, chain.ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return txstate.Observation{}, fmt.Errorf("access node returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var res transactionResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return txstate.Observation{}, fmt.Errorf("decode transaction result: %w", err)
	}
	return res.observation(), nil
}
