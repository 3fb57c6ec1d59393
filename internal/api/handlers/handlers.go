// Package handlers implements the HTTP handlers for the gateway: the LLM
// proxy endpoints (OpenAI, Anthropic, Gemini), the MCP transport endpoints
// (SSE and streamable HTTP) and the health probe. Handlers normalize traffic
// into canonical messages, run guardrail checks and push traces to Explorer.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/invariantlabs-ai/invariant-gateway/internal/config"
	"github.com/invariantlabs-ai/invariant-gateway/internal/mcpgw"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/contracts"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
	"github.com/rs/zerolog/log"
)

// Gateway control headers. All Invariant-* headers are consumed here and
// stripped before any bytes reach the upstream provider.
const (
	HeaderGuardrails   = "Invariant-Guardrails"
	HeaderPush         = "Invariant-Push"
	HeaderOpenAIBase   = "Invariant-Openai-Base-Url"
	HeaderMCPServerURL = "Mcp-Server-Base-Url"
	HeaderProjectName  = "Project-Name"
	HeaderInvProject   = "Invariant-Project-Name"
	HeaderPushExplorer = "Push-Explorer"

	// ProxiedByValue marks LLM responses that passed through the gateway.
	ProxiedByValue = "invariant-gateway"
)

const (
	errRequestBlocked  = "[Invariant] The request did not pass the guardrails"
	errResponseBlocked = "[Invariant] The response did not pass the guardrails"

	// maxBodyBytes caps buffered request/response bodies. Vision payloads
	// run tens of megabytes, so the cap is generous.
	maxBodyBytes = 64 << 20

	// pushTimeout bounds background trace pushes after the client response
	// has already completed.
	pushTimeout = 30 * time.Second
)

// Handlers holds all handler dependencies.
type Handlers struct {
	Config     *config.Config
	Guardrails contracts.GuardrailService
	Traces     contracts.TraceService
	Policies   contracts.PolicyResolver
	SSE        *mcpgw.SSETransport
	Streamable *mcpgw.StreamableTransport

	// client serves unary upstream calls, streamClient serves SSE relays
	// where the response outlives any sane per-call deadline.
	client       *http.Client
	streamClient *http.Client
}

// New creates a new Handlers instance with all dependencies.
func New(cfg *config.Config, guardrails contracts.GuardrailService, traces contracts.TraceService, policies contracts.PolicyResolver, sse *mcpgw.SSETransport, streamable *mcpgw.StreamableTransport) *Handlers {
	return &Handlers{
		Config:       cfg,
		Guardrails:   guardrails,
		Traces:       traces,
		Policies:     policies,
		SSE:          sse,
		Streamable:   streamable,
		client:       &http.Client{Timeout: cfg.ClientTimeout},
		streamClient: &http.Client{},
	}
}

// Health reports gateway liveness.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "invariant-gateway",
	})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondBlocked rejects a request or response that failed a blocking
// guardrail, echoing the full evaluation so callers can see which rules fired.
func respondBlocked(w http.ResponseWriter, message string, eval *models.GuardrailEvaluation) {
	respondJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":   message,
		"details": eval,
	})
}

// blockedPayload is the JSON body embedded in in-band stream error events.
func blockedPayload(message string, eval *models.GuardrailEvaluation) []byte {
	b, err := json.Marshal(map[string]interface{}{
		"error":   message,
		"details": eval,
	})
	if err != nil {
		b, _ = json.Marshal(map[string]string{"error": message})
	}
	return b
}

// pushTrace ships a finished trace to Explorer on a detached, bounded
// context so slow pushes never hold up client responses.
func (h *Handlers) pushTrace(dataset, apiKey, provider string, messages []models.Message, annotations []models.Annotation) {
	if h.Traces == nil || len(messages) == 0 {
		return
	}
	msgs := append([]models.Message(nil), messages...)
	anns := append([]models.Annotation(nil), annotations...)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		req := &models.PushTraceRequest{
			Messages:    [][]models.Message{msgs},
			Annotations: [][]models.Annotation{anns},
			Dataset:     dataset,
			Metadata: []map[string]interface{}{{
				"via_gateway": true,
				"provider":    provider,
			}},
		}
		if _, err := h.Traces.PushTrace(ctx, req, apiKey); err != nil {
			log.Debug().Err(err).Str("dataset", dataset).Msg("Background trace push failed")
		}
	}()
}
