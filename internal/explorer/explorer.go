// Package explorer is the Invariant Explorer client. The gateway uses it
// to push proxied traces, grow them as sessions progress, and fetch the
// guardrail rules attached to a dataset.
//
// Explorer is an observability sink: every operation here is best-effort
// from the proxy's point of view. Callers log and move on when a push
// fails; a request is never aborted because Explorer is unreachable.
package explorer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// maxPushAttempts bounds the retries for trace writes.
const maxPushAttempts = 3

// ── Client ───────────────────────────────────────────────────

// Client talks to the Explorer REST API. It implements
// contracts.TraceService.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates an Explorer client for the given API base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// PushTrace creates one or more traces. When req.Dataset is empty the
// Explorer stores a snippet trace outside any dataset.
func (c *Client) PushTrace(ctx context.Context, req *models.PushTraceRequest, apiKey string) (*models.PushTraceResponse, error) {
	var result models.PushTraceResponse
	endpoint := fmt.Sprintf("%s/api/v1/push/trace", c.baseURL)
	if err := c.doWithRetry(ctx, http.MethodPost, endpoint, req, apiKey, &result); err != nil {
		log.Warn().Err(err).Str("dataset", req.Dataset).Msg("Explorer trace push failed")
		return nil, err
	}
	log.Debug().Strs("trace_ids", result.ID).Str("dataset", req.Dataset).Msg("Trace pushed to Explorer")
	return &result, nil
}

// AppendMessages grows an existing trace with new messages and annotations.
func (c *Client) AppendMessages(ctx context.Context, traceID string, req *models.AppendMessagesRequest, apiKey string) error {
	endpoint := fmt.Sprintf("%s/api/v1/trace/%s/messages", c.baseURL, url.PathEscape(traceID))
	if err := c.doWithRetry(ctx, http.MethodPost, endpoint, req, apiKey, nil); err != nil {
		log.Warn().Err(err).Str("trace_id", traceID).Msg("Explorer trace append failed")
		return err
	}
	return nil
}

// GetDatasetMetadata fetches dataset metadata, including attached guardrail
// rules. Unlike trace writes this is not retried; the policy resolver
// caches results and falls back to stale entries itself.
func (c *Client) GetDatasetMetadata(ctx context.Context, owner, dataset, apiKey string) (map[string]interface{}, error) {
	endpoint := fmt.Sprintf("%s/api/v1/dataset/metadata/%s/%s",
		c.baseURL, url.PathEscape(owner), url.PathEscape(dataset))
	var metadata map[string]interface{}
	if err := c.do(ctx, http.MethodGet, endpoint, nil, apiKey, &metadata); err != nil {
		log.Warn().Err(err).Str("dataset", dataset).Msg("Explorer dataset metadata fetch failed")
		return nil, err
	}
	return metadata, nil
}

// ── Transport ────────────────────────────────────────────────

// doWithRetry wraps do with exponential backoff. HTTP 4xx responses are
// permanent; everything else is retried up to maxPushAttempts in total.
func (c *Client) doWithRetry(ctx context.Context, method, endpoint string, payload interface{}, apiKey string, out interface{}) error {
	operation := func() error {
		return c.do(ctx, method, endpoint, payload, apiKey, out)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxPushAttempts-1), ctx)
	return backoff.Retry(operation, policy)
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload interface{}, apiKey string, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("marshal explorer request: %w", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build explorer request: %w", err))
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("explorer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := fmt.Errorf("explorer returned HTTP %d: %s", resp.StatusCode, detail)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("decode explorer response: %w", err))
		}
	}
	return nil
}
