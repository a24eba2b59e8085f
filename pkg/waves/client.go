// Package waves talks to a Waves node's REST API through a signing gateway:
// invoke-script calls are posted to the gateway (which holds the caller
// seed and signs), transaction confirmation is polled from the node itself.
package waves

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"
)

const defaultNodeURL = "https://nodes-testnet.wavesnodes.com"

// Client performs dApp invocations and transaction lookups.
type Client interface {
	InvokeScript(ctx context.Context, req InvokeRequest) (*Transaction, error)
	TransactionInfo(ctx context.Context, txID string) (*TransactionInfo, error)
	WaitForTransaction(ctx context.Context, txID string, timeout time.Duration) (*TransactionInfo, error)
}

// Arg is a typed argument to a dApp function.
type Arg struct {
	Type  string `json:"type"` // "string", "integer", "boolean", "binary"
	Value any    `json:"value"`
}

// InvokeRequest describes one invoke-script call.
type InvokeRequest struct {
	DApp     string `json:"dApp"`
	Function string `json:"function"`
	Args     []Arg  `json:"args,omitempty"`
}

// Transaction is the broadcast acknowledgement returned by the gateway.
type Transaction struct {
	ID string `json:"id"`
}

// TransactionInfo is the node's view of a confirmed transaction.
type TransactionInfo struct {
	ID     string `json:"id"`
	Height int64  `json:"height"`
}

// Option configures the client.
type Option func(*httpClient)

// WithNodeURL overrides the node REST endpoint used for confirmation polls.
func WithNodeURL(url string) Option {
	return func(c *httpClient) {
		c.nodeURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithPollInterval overrides the confirmation poll interval (default 1s).
func WithPollInterval(d time.Duration) Option {
	return func(c *httpClient) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

type httpClient struct {
	gatewayURL   string
	nodeURL      string
	apiKey       string
	pollInterval time.Duration
	limiter      *rate.Limiter
	http         *http.Client
}

// NewClient creates a Waves client. gatewayURL is the signing gateway that
// accepts invoke requests; confirmation polls go to the public node unless
// overridden. Calls are throttled to stay under node rate limits.
func NewClient(gatewayURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		gatewayURL:   gatewayURL,
		nodeURL:      defaultNodeURL,
		apiKey:       apiKey,
		pollInterval: time.Second,
		limiter:      rate.NewLimiter(5, 1),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *httpClient) InvokeScript(ctx context.Context, req InvokeRequest) (*Transaction, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "waves: rate limit")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "waves: marshal invoke")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.gatewayURL+"/invoke", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "waves: create request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "waves: send invoke")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "waves: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var tx Transaction
	if err := json.Unmarshal(respBody, &tx); err != nil {
		return nil, eris.Wrap(err, "waves: unmarshal transaction")
	}
	return &tx, nil
}

func (c *httpClient) TransactionInfo(ctx context.Context, txID string) (*TransactionInfo, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "waves: rate limit")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.nodeURL+"/transactions/info/"+txID, nil)
	if err != nil {
		return nil, eris.Wrap(err, "waves: create request")
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "waves: get transaction info")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "waves: read response")
	}

	// 404 means not yet mined, not an error worth surfacing.
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(respBody)}
	}

	var info TransactionInfo
	if err := json.Unmarshal(respBody, &info); err != nil {
		return nil, eris.Wrap(err, "waves: unmarshal transaction info")
	}
	return &info, nil
}

// WaitForTransaction polls until the transaction reaches a block or the
// timeout elapses.
func (c *httpClient) WaitForTransaction(ctx context.Context, txID string, timeout time.Duration) (*TransactionInfo, error) {
	deadline := time.Now().Add(timeout)

	for {
		info, err := c.TransactionInfo(ctx, txID)
		if err != nil {
			return nil, err
		}
		if info != nil && info.Height > 0 {
			return info, nil
		}

		if time.Now().After(deadline) {
			return nil, eris.Errorf("waves: timeout waiting for transaction %s", txID)
		}

		timer := time.NewTimer(c.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, eris.Wrap(ctx.Err(), "waves: wait cancelled")
		case <-timer.C:
		}
	}
}

// StatusError reports a non-200 node or gateway response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("waves: unexpected status %d: %s", e.Code, e.Body)
}
