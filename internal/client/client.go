// Package client holds the HTTP clients for the three external
// collaborators: the task source, the enrichment service, and the consumer.
//
// Enrichment responses are classified by body contract, not transport
// status — see task.OutcomeClass.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Transient error code the enrichment service returns for retriable
// failures, and the distinguished quota-exhaustion code.
const (
	CodeUnknownError   = 1000000
	CodeQuotaExhausted = 1100429
)

// Options configures one collaborator client. QuotaCode applies to the
// enrichment client only; zero selects CodeQuotaExhausted.
type Options struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	QuotaCode int
}

type httpClient struct {
	base    string
	token   string
	timeout time.Duration
	client  *http.Client
}

func newHTTPClient(opts Options) httpClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return httpClient{
		base:    opts.BaseURL,
		token:   opts.Token,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// do issues the request under a hard per-call timeout and returns the status
// code and body. A timed-out call surfaces as an error, like any network
// failure.
func (c httpClient) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("client: encode request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rdr)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, data, nil
}
