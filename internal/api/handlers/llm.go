package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/invariantlabs-ai/invariant-gateway/internal/auth"
	"github.com/invariantlabs-ai/invariant-gateway/internal/mcpgw"
	"github.com/invariantlabs-ai/invariant-gateway/internal/sse"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/contracts"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/middleware"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// streamMerger folds provider stream chunks back into a unary-shaped
// response body for guardrail checks and trace capture.
type streamMerger interface {
	Add(data string)
	Merged() map[string]interface{}
}

// llmProvider adapts one upstream LLM API to the shared proxy pipeline.
type llmProvider struct {
	name string

	// upstream builds the full upstream URL for the request.
	upstream func(r *http.Request) string

	// isStreaming reports whether the request asks for a streamed response.
	isStreaming func(body map[string]interface{}, r *http.Request) bool

	// requestMessages converts the request body to canonical messages.
	requestMessages func(body map[string]interface{}) []models.Message

	// traceMessages converts request + response bodies to the full trace.
	traceMessages func(reqBody, respBody map[string]interface{}) []models.Message

	// parseResponse decodes a buffered upstream body into the shape
	// traceMessages expects. ok=false relays the body without checks.
	parseResponse func(body []byte) (map[string]interface{}, bool)

	newMerger func() streamMerger

	// isSentinel reports whether the frame terminates the stream. nil means
	// the stream only ends at EOF.
	isSentinel func(ev *sse.Event) bool

	// writeErrorFrame emits the provider-native in-band error event.
	writeErrorFrame func(w io.Writer, payload []byte) error
}

// exchange carries the state of one proxied LLM call through the pipeline.
type exchange struct {
	provider *llmProvider
	dataset  string
	creds    *contracts.Credentials
	rules    *models.GuardrailRuleSet
	push     bool

	reqRaw  []byte
	reqBody map[string]interface{}
	reqMsgs []models.Message

	trace       []models.Message
	annotations []models.Annotation
	seen        map[string]bool
}

// noteAnnotations records annotations, deduplicating repeats produced when
// the output check re-reports an input violation.
func (ex *exchange) noteAnnotations(anns []models.Annotation) {
	if ex.seen == nil {
		ex.seen = make(map[string]bool)
	}
	for _, a := range anns {
		k := a.Key()
		if ex.seen[k] {
			continue
		}
		ex.seen[k] = true
		ex.annotations = append(ex.annotations, a)
	}
}

// proxyLLM is the shared pipeline behind every LLM route: resolve
// credentials and policy, check the request, forward upstream, check the
// response, relay, and push the trace.
func (h *Handlers) proxyLLM(w http.ResponseWriter, r *http.Request, p *llmProvider) {
	w.Header().Set(mcpgw.ProxiedByHeader, ProxiedByValue)

	dataset := chi.URLParam(r, "dataset")
	ctx := middleware.SetDataset(r.Context(), dataset)
	r = r.WithContext(ctx)
	creds := middleware.GetCredentials(ctx)

	skipPush, err := pushMode(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if dataset != "" && !creds.HasInvariantKey() {
		respondError(w, http.StatusBadRequest, auth.ErrMissingAPIKey)
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	var reqBody map[string]interface{}
	if err := json.Unmarshal(raw, &reqBody); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid JSON in request body")
		return
	}

	ex := &exchange{
		provider: p,
		dataset:  dataset,
		creds:    creds,
		rules:    h.resolveRules(ctx, r, dataset, creds),
		push:     dataset != "" && !skipPush,
		reqRaw:   raw,
		reqBody:  reqBody,
		reqMsgs:  p.requestMessages(reqBody),
	}

	// Input check runs before any bytes leave for the provider, so a
	// blocking verdict prevents the upstream call entirely.
	inputIdx := len(ex.reqMsgs) - 1
	if inputIdx < 0 {
		inputIdx = 0
	}
	if eval := h.check(ctx, ex, ex.reqMsgs, inputIdx); eval.Blocked() {
		ex.trace = ex.reqMsgs
		h.pushExchange(ex)
		respondBlocked(w, errRequestBlocked, eval)
		return
	}

	upstream, err := h.upstreamRequest(ctx, r, p.upstream(r), raw)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Request error: "+err.Error())
		return
	}

	streaming := p.isStreaming(reqBody, r)
	client := h.client
	if streaming {
		client = h.streamClient
	}
	resp, err := client.Do(upstream)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Request error: "+err.Error())
		return
	}
	defer resp.Body.Close()

	if streaming && isEventStream(resp) {
		h.relayStream(ctx, w, resp, ex)
		return
	}
	h.relayUnary(ctx, w, resp, ex)
}

// relayUnary buffers the upstream response, checks it, and either relays the
// exact bytes or substitutes the blocked verdict.
func (h *Handlers) relayUnary(ctx context.Context, w http.ResponseWriter, resp *http.Response, ex *exchange) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Unexpected error: failed to read upstream response")
		return
	}

	// Provider errors and non-JSON bodies relay untouched. There is no
	// response to audit or record.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		relayVerbatim(w, resp, body)
		return
	}
	respBody, ok := ex.provider.parseResponse(body)
	if !ok {
		relayVerbatim(w, resp, body)
		return
	}

	ex.trace = ex.provider.traceMessages(ex.reqBody, respBody)
	eval := h.check(ctx, ex, ex.trace, len(ex.reqMsgs))
	if eval.Blocked() {
		h.pushExchange(ex)
		respondBlocked(w, errResponseBlocked, eval)
		return
	}
	relayVerbatim(w, resp, body)
	h.pushExchange(ex)
}

// relayStream forwards upstream SSE frames to the client as they arrive and
// feeds a copy to the provider's merger. The terminal frame is held back
// until the merged response passes the output check; a blocking verdict is
// delivered as an in-band error frame instead.
func (h *Handlers) relayStream(ctx context.Context, w http.ResponseWriter, resp *http.Response, ex *exchange) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Unexpected error: streaming unsupported")
		return
	}

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	flusher.Flush()

	merger := ex.provider.newMerger()
	reader := sse.NewReader(resp.Body)
	checked := false

	for {
		ev, err := reader.Next()
		if err != nil {
			if err != io.EOF {
				log.Warn().Err(err).Str("provider", ex.provider.name).Msg("Upstream stream read failed")
			}
			break
		}
		if !checked && ex.provider.isSentinel != nil && ex.provider.isSentinel(ev) {
			checked = true
			if h.checkMerged(ctx, w, ex, merger) {
				break
			}
			if err := sse.WriteRaw(w, ev.Raw); err != nil {
				break
			}
			continue
		}
		if err := sse.WriteRaw(w, ev.Raw); err != nil {
			// Client went away; keep draining upstream into the merger so
			// the trace still reflects the full response.
			log.Debug().Err(err).Msg("Client disconnected mid-stream")
		}
		if !checked && ev.Data != "" {
			merger.Add(ev.Data)
		}
	}

	if !checked {
		h.checkMerged(ctx, w, ex, merger)
	}
	h.pushExchange(ex)
}

// checkMerged folds the stream into a full trace, runs the output check and
// writes the in-band error frame on a blocking verdict. Returns true when
// the stream was blocked.
func (h *Handlers) checkMerged(ctx context.Context, w io.Writer, ex *exchange, merger streamMerger) bool {
	ex.trace = ex.provider.traceMessages(ex.reqBody, merger.Merged())
	eval := h.check(ctx, ex, ex.trace, len(ex.reqMsgs))
	if !eval.Blocked() {
		return false
	}
	if err := ex.provider.writeErrorFrame(w, blockedPayload(errResponseBlocked, eval)); err != nil {
		log.Debug().Err(err).Msg("Failed to deliver stream error frame")
	}
	return true
}

// pushMode interprets the Invariant-Push header.
func pushMode(r *http.Request) (skip bool, err error) {
	switch strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderPush))) {
	case "", "push":
		return false, nil
	case "skip":
		return true, nil
	default:
		return false, fmt.Errorf("invalid %s header: expected %q or %q", HeaderPush, "push", "skip")
	}
}

// resolveRules determines the effective rule set, failing open to an empty
// set when the resolver cannot produce one.
func (h *Handlers) resolveRules(ctx context.Context, r *http.Request, dataset string, creds *contracts.Credentials) *models.GuardrailRuleSet {
	if h.Policies == nil {
		return &models.GuardrailRuleSet{}
	}
	rules, err := h.Policies.Resolve(ctx, contracts.PolicyRequest{
		HeaderPolicy: r.Header.Get(HeaderGuardrails),
		Dataset:      dataset,
		APIKey:       creds.InvariantAPIKey,
	})
	if err != nil || rules == nil {
		if err != nil {
			log.Warn().Err(err).Str("dataset", dataset).Msg("Policy resolution failed, continuing without guardrails")
		}
		return &models.GuardrailRuleSet{}
	}
	return rules
}

// check evaluates messages against the exchange's rule set and records the
// resulting annotations. Evaluation failures fail open.
func (h *Handlers) check(ctx context.Context, ex *exchange, msgs []models.Message, fallbackIndex int) *models.GuardrailEvaluation {
	if h.Guardrails == nil || ex.rules.Empty() || len(msgs) == 0 {
		return &models.GuardrailEvaluation{}
	}
	eval, err := h.Guardrails.Evaluate(ctx, msgs, ex.rules, nil, ex.creds.GuardrailsKey())
	if err != nil || eval == nil {
		if err != nil {
			log.Warn().Err(err).Str("provider", ex.provider.name).Msg("Guardrail evaluation failed, continuing")
		}
		return &models.GuardrailEvaluation{}
	}
	ex.noteAnnotations(models.AnnotationsFromErrors(eval.AllErrors(), fmt.Sprintf("messages.%d", fallbackIndex)))
	return eval
}

// pushExchange ships the exchange's trace to Explorer when pushing is on.
func (h *Handlers) pushExchange(ex *exchange) {
	if !ex.push || len(ex.trace) == 0 {
		return
	}
	h.pushTrace(ex.dataset, ex.creds.InvariantAPIKey, ex.provider.name, ex.trace, ex.annotations)
}

// upstreamRequest clones the inbound call for the provider: same method and
// body, headers scrubbed of hop-by-hop and gateway-control fields.
func (h *Handlers) upstreamRequest(ctx context.Context, r *http.Request, target string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	copyRequestHeaders(req.Header, r.Header)
	// Compressed upstream bodies would defeat the SSE reader and the
	// verbatim relay, so negotiate identity only.
	req.Header.Set("Accept-Encoding", "identity")
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

var hopHeaders = map[string]bool{
	"Connection":          true,
	"Keep-Alive":          true,
	"Proxy-Authenticate":  true,
	"Proxy-Authorization": true,
	"Te":                  true,
	"Trailer":             true,
	"Transfer-Encoding":   true,
	"Upgrade":             true,
}

func copyRequestHeaders(dst, src http.Header) {
	for k, vv := range src {
		ck := http.CanonicalHeaderKey(k)
		if hopHeaders[ck] || ck == "Host" || ck == "Content-Length" || ck == "Accept-Encoding" {
			continue
		}
		if strings.HasPrefix(ck, "Invariant-") {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

func copyResponseHeaders(dst, src http.Header) {
	for k, vv := range src {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}

// relayVerbatim reproduces the upstream response byte for byte.
func relayVerbatim(w http.ResponseWriter, resp *http.Response, body []byte) {
	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(body)
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}
