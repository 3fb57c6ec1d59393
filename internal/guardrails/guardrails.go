// Package guardrails evaluates canonical message traces against guardrail
// rules by calling the Invariant Guardrails policy-check API.
//
// Each rule is checked independently so that every violation can be
// attributed to the rule that produced it. The client is fail-open: a rule
// whose check call fails contributes no violations, and the request being
// proxied is never aborted because the policy service is sick.
package guardrails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// maxConcurrentChecks caps the number of policy-check calls in flight for
// one evaluation.
const maxConcurrentChecks = 4

// ── Client ───────────────────────────────────────────────────

// Client calls the Invariant Guardrails API. It implements
// contracts.GuardrailService.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a guardrails client for the given API base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// checkRequest is the wire body of POST /api/v1/policy/check.
type checkRequest struct {
	Messages   []models.Message       `json:"messages"`
	Policy     string                 `json:"policy"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Evaluate runs every enabled rule in the set against the messages and
// partitions the violations by rule action. Rules with the paused action
// are skipped. Checks run concurrently; violation order follows rule order.
func (c *Client) Evaluate(ctx context.Context, messages []models.Message, rules *models.GuardrailRuleSet, parameters map[string]interface{}, apiKey string) (*models.GuardrailEvaluation, error) {
	evaluation := &models.GuardrailEvaluation{}
	if rules == nil || rules.Empty() {
		return evaluation, nil
	}

	blocking := activeRules(rules.Blocking)
	logging := activeRules(rules.Logging)
	blockingResults := make([][]models.GuardrailError, len(blocking))
	loggingResults := make([][]models.GuardrailError, len(logging))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentChecks)

	run := func(rule models.Guardrail, out [][]models.GuardrailError, i int) {
		g.Go(func() error {
			errs, err := c.check(gctx, messages, rule, parameters, apiKey)
			if err != nil {
				log.Warn().
					Err(err).
					Str("guardrail", rule.Name).
					Msg("Guardrail check failed, treating rule as passed")
				return nil
			}
			mu.Lock()
			out[i] = errs
			mu.Unlock()
			return nil
		})
	}
	for i, rule := range blocking {
		run(rule, blockingResults, i)
	}
	for i, rule := range logging {
		run(rule, loggingResults, i)
	}
	if err := g.Wait(); err != nil {
		return evaluation, err
	}

	for _, errs := range blockingResults {
		evaluation.BlockingErrors = append(evaluation.BlockingErrors, errs...)
	}
	for _, errs := range loggingResults {
		evaluation.LoggingErrors = append(evaluation.LoggingErrors, errs...)
	}
	return evaluation, nil
}

// check evaluates a single rule and stamps the rule's identity onto each
// violation it produced.
func (c *Client) check(ctx context.Context, messages []models.Message, rule models.Guardrail, parameters map[string]interface{}, apiKey string) ([]models.GuardrailError, error) {
	body, err := json.Marshal(checkRequest{
		Messages:   messages,
		Policy:     rule.Content,
		Parameters: parameters,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal check request: %w", err)
	}

	url := fmt.Sprintf("%s/api/v1/policy/check", c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build check request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("guardrails check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("guardrails check returned HTTP %d: %s", resp.StatusCode, payload)
	}

	var result models.CheckResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode check result: %w", err)
	}

	info := &models.GuardrailInfo{ID: rule.ID, Name: rule.Name, Action: rule.Action}
	for i := range result.Errors {
		result.Errors[i].Guardrail = info
	}
	return result.Errors, nil
}

// activeRules filters a rule list down to the rules that should run:
// enabled and not paused.
func activeRules(rules []models.Guardrail) []models.Guardrail {
	out := make([]models.Guardrail, 0, len(rules))
	for _, rule := range rules {
		if !rule.Enabled || rule.Action == models.GuardrailActionPaused {
			continue
		}
		out = append(out, rule)
	}
	return out
}
