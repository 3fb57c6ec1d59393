// Package contracts defines the service interfaces for the Invariant Gateway.
//
// These interfaces form the boundary between the proxy pipeline and its
// remote collaborators. The gateway ships HTTP-backed implementations
// (internal/guardrails, internal/explorer, internal/policy); tests swap in
// fakes without touching the handlers.
package contracts

import (
	"context"

	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// ── Guardrails Service ──────────────────────────────────────

// GuardrailService evaluates a canonical message trace against a rule set
// and partitions the verdict by rule action.
//
// Implementations are fail-open: a sick policy evaluator returns an empty
// evaluation, never an error that would abort the proxied request.
type GuardrailService interface {
	// Evaluate runs every enabled rule in the set against the messages.
	// Parameters are forwarded verbatim to the policy service.
	Evaluate(ctx context.Context, messages []models.Message, rules *models.GuardrailRuleSet, parameters map[string]interface{}, apiKey string) (*models.GuardrailEvaluation, error)
}

// ── Explorer Trace Store ────────────────────────────────────

// TraceService is the Explorer-facing trace store client.
// Failures are logged by implementations and surfaced as plain errors;
// callers on the proxy path treat every operation as best-effort.
type TraceService interface {
	// PushTrace creates a new trace, creating the dataset when it does not
	// exist. An empty dataset pushes a snippet trace.
	PushTrace(ctx context.Context, req *models.PushTraceRequest, apiKey string) (*models.PushTraceResponse, error)

	// AppendMessages grows an existing trace.
	AppendMessages(ctx context.Context, traceID string, req *models.AppendMessagesRequest, apiKey string) error

	// GetDatasetMetadata returns dataset metadata, including any attached
	// guardrail rules.
	GetDatasetMetadata(ctx context.Context, owner, dataset, apiKey string) (map[string]interface{}, error)
}

// ── Policy Source Resolver ──────────────────────────────────

// PolicyRequest names the inputs that select a rule set for one request.
type PolicyRequest struct {
	// HeaderPolicy is the raw Invariant-Guardrails header value
	// (percent- and unicode-escaped policy text), empty when absent.
	HeaderPolicy string

	// Dataset is the Explorer dataset the request targets, empty when none.
	Dataset string

	// APIKey authenticates the dataset metadata fetch.
	APIKey string
}

// PolicyResolver determines the effective guardrail rule set for a request,
// in precedence order: header policy, dataset-attached rules, file rules.
type PolicyResolver interface {
	Resolve(ctx context.Context, req PolicyRequest) (*models.GuardrailRuleSet, error)
}
