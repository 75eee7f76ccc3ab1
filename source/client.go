// Package source fetches paginated raw show documents from the remote
// catalog API. Transient transport failures are retried with bounded
// exponential backoff; a non-transient failure aborts the fetch.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"github.com/withobsrvr/showlake-ingestion/rawstore"
)

// RetryPolicy bounds the retry loop for one page fetch. Delays are
// configured in seconds to stay YAML-friendly.
type RetryPolicy struct {
	MaxAttempts         int     `yaml:"max_attempts"`
	InitialDelaySeconds float64 `yaml:"initial_delay_seconds"`
	MaxDelaySeconds     float64 `yaml:"max_delay_seconds"`
	BackoffFactor       float64 `yaml:"backoff_factor"`
	JitterFactor        float64 `yaml:"jitter_factor"`
}

// ApplyDefaults fills unset policy fields with the upstream-friendly
// defaults: 5 attempts, 2s initial delay doubling up to 10s.
func (p *RetryPolicy) ApplyDefaults() {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.InitialDelaySeconds == 0 {
		p.InitialDelaySeconds = 2
	}
	if p.MaxDelaySeconds == 0 {
		p.MaxDelaySeconds = 10
	}
	if p.BackoffFactor == 0 {
		p.BackoffFactor = 2.0
	}
	if p.JitterFactor == 0 {
		p.JitterFactor = 0.1
	}
}

func (p *RetryPolicy) initialDelay() time.Duration {
	return time.Duration(p.InitialDelaySeconds * float64(time.Second))
}

func (p *RetryPolicy) maxDelay() time.Duration {
	return time.Duration(p.MaxDelaySeconds * float64(time.Second))
}

// Config configures the catalog client.
type Config struct {
	BaseURL        string      `yaml:"base_url"`
	TimeoutSeconds float64     `yaml:"timeout_seconds"`
	Retry          RetryPolicy `yaml:"retry"`
}

// ApplyDefaults fills unset client fields.
func (c *Config) ApplyDefaults() {
	if c.TimeoutSeconds == 0 {
		c.TimeoutSeconds = 30
	}
	c.Retry.ApplyDefaults()
}

// Validate checks the config for required fields.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("source.base_url is required")
	}
	return nil
}

// Client fetches pages of raw show documents.
type Client struct {
	baseURL string
	retry   RetryPolicy
	http    *http.Client
}

// NewClient builds a client from config.
func NewClient(cfg Config) *Client {
	cfg.ApplyDefaults()
	return &Client{
		baseURL: cfg.BaseURL,
		retry:   cfg.Retry,
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds * float64(time.Second))},
	}
}

// FetchPage fetches one page of the catalog. An empty batch signals
// end of data, whether the upstream answers 404 past its last page or
// an empty array. The second return is the number of documents skipped
// because they carry no usable integer id.
func (c *Client) FetchPage(ctx context.Context, page int) ([]rawstore.Observation, int, error) {
	var body []byte
	var lastErr error

	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, attempt-1); err != nil {
				return nil, 0, err
			}
		}

		data, retryable, err := c.fetchOnce(ctx, page)
		if err == nil {
			body = data
			lastErr = nil
			break
		}
		lastErr = err
		if !retryable {
			return nil, 0, fmt.Errorf("page %d: %w", page, err)
		}
	}
	if lastErr != nil {
		return nil, 0, fmt.Errorf("page %d: retries exhausted: %w", page, lastErr)
	}

	if body == nil {
		// End of pagination.
		return nil, 0, nil
	}
	return decodePage(body)
}

// fetchOnce performs a single GET. The bool reports whether a failure
// is worth retrying: transport errors, 429 and 5xx are transient;
// other non-2xx statuses are terminal. A 404 is not an error at all,
// it is the upstream's end-of-pagination signal, reported as nil body.
func (c *Client) fetchOnce(ctx context.Context, page int) ([]byte, bool, error) {
	url := fmt.Sprintf("%s/shows?page=%d", c.baseURL, page)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, true, fmt.Errorf("upstream returned %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("upstream returned %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("failed to read response: %w", err)
	}
	return body, false, nil
}

// decodePage splits the page into raw documents and extracts the
// stable id of each. Documents without an integer id cannot be staged
// and are skipped.
func decodePage(body []byte) ([]rawstore.Observation, int, error) {
	var docs []json.RawMessage
	if err := json.Unmarshal(body, &docs); err != nil {
		return nil, 0, fmt.Errorf("malformed page body: %w", err)
	}

	batch := make([]rawstore.Observation, 0, len(docs))
	skipped := 0
	for _, doc := range docs {
		var key struct {
			ID *int64 `json:"id"`
		}
		if err := json.Unmarshal(doc, &key); err != nil || key.ID == nil {
			skipped++
			continue
		}
		batch = append(batch, rawstore.Observation{ID: *key.ID, Payload: doc})
	}
	return batch, skipped, nil
}

// sleep blocks for the backoff delay of the given completed attempt
// count, honoring context cancellation.
func (c *Client) sleep(ctx context.Context, completed int) error {
	delay := c.retry.initialDelay()
	for i := 1; i < completed; i++ {
		delay = time.Duration(float64(delay) * c.retry.BackoffFactor)
	}
	if max := c.retry.maxDelay(); delay > max {
		delay = max
	}
	if c.retry.JitterFactor > 0 {
		jitter := time.Duration(rand.Float64() * c.retry.JitterFactor * float64(delay))
		delay += jitter
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
