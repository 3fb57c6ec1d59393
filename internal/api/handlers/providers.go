package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/invariantlabs-ai/invariant-gateway/internal/auth"
	"github.com/invariantlabs-ai/invariant-gateway/internal/convert"
	"github.com/invariantlabs-ai/invariant-gateway/internal/sse"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/middleware"
)

// OpenAIChatCompletions proxies POST {dataset?}/openai/chat/completions.
func (h *Handlers) OpenAIChatCompletions(w http.ResponseWriter, r *http.Request) {
	h.proxyLLM(w, r, h.openAI())
}

// AnthropicMessages proxies POST {dataset?}/anthropic/v1/messages.
func (h *Handlers) AnthropicMessages(w http.ResponseWriter, r *http.Request) {
	h.proxyLLM(w, r, h.anthropic())
}

// GeminiGenerateContent proxies POST {dataset?}/gemini/{version}/models/
// {modelAndAction} for both generateContent and streamGenerateContent.
func (h *Handlers) GeminiGenerateContent(w http.ResponseWriter, r *http.Request) {
	h.liftGeminiQueryKey(r)
	h.proxyLLM(w, r, h.gemini())
}

func (h *Handlers) openAI() *llmProvider {
	return &llmProvider{
		name: "openai",
		upstream: func(r *http.Request) string {
			base := h.Config.Providers.OpenAIBaseURL
			// OpenAI-compatible servers (vLLM, Ollama, Azure-style bases)
			// can be targeted per request.
			if o := r.Header.Get(HeaderOpenAIBase); o != "" {
				base = o
			}
			return strings.TrimSuffix(base, "/") + "/v1/chat/completions"
		},
		isStreaming:     streamFlag,
		requestMessages: convert.OpenAIRequestMessages,
		traceMessages:   convert.OpenAITrace,
		parseResponse:   parseJSONObject,
		newMerger:       func() streamMerger { return convert.NewOpenAIStreamMerger() },
		isSentinel: func(ev *sse.Event) bool {
			return strings.TrimSpace(ev.Data) == convert.OpenAIDoneSentinel
		},
		writeErrorFrame: func(w io.Writer, payload []byte) error {
			return sse.WriteData(w, string(payload))
		},
	}
}

func (h *Handlers) anthropic() *llmProvider {
	return &llmProvider{
		name: "anthropic",
		upstream: func(r *http.Request) string {
			return strings.TrimSuffix(h.Config.Providers.AnthropicBaseURL, "/") + "/v1/messages"
		},
		isStreaming:     streamFlag,
		requestMessages: convert.AnthropicRequestMessages,
		traceMessages:   convert.AnthropicTrace,
		parseResponse:   parseJSONObject,
		newMerger:       func() streamMerger { return convert.NewAnthropicStreamMerger() },
		isSentinel: func(ev *sse.Event) bool {
			return ev.Name == "message_stop"
		},
		writeErrorFrame: func(w io.Writer, payload []byte) error {
			return sse.WriteEvent(w, "error", string(payload))
		},
	}
}

func (h *Handlers) gemini() *llmProvider {
	return &llmProvider{
		name: "gemini",
		upstream: func(r *http.Request) string {
			u := strings.TrimSuffix(h.Config.Providers.GeminiBaseURL, "/") +
				"/" + chi.URLParam(r, "version") +
				"/models/" + chi.URLParam(r, "modelAndAction")
			if q := r.URL.RawQuery; q != "" {
				u += "?" + q
			}
			return u
		},
		isStreaming: func(body map[string]interface{}, r *http.Request) bool {
			// Only SSE-mode streaming relays frame by frame; the JSON-array
			// form of streamGenerateContent is buffered like a unary call so
			// a blocking verdict can still replace the whole body.
			return strings.Contains(chi.URLParam(r, "modelAndAction"), ":streamGenerateContent") &&
				r.URL.Query().Get("alt") == "sse"
		},
		requestMessages: convert.GeminiRequestMessages,
		traceMessages:   convert.GeminiTrace,
		parseResponse:   parseGeminiResponse,
		newMerger:       func() streamMerger { return convert.NewGeminiStreamMerger() },
		isSentinel:      nil,
		writeErrorFrame: func(w io.Writer, payload []byte) error {
			return sse.WriteData(w, string(payload))
		},
	}
}

// streamFlag reads the OpenAI/Anthropic "stream": true request field.
func streamFlag(body map[string]interface{}, _ *http.Request) bool {
	b, _ := body["stream"].(bool)
	return b
}

func parseJSONObject(body []byte) (map[string]interface{}, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, false
	}
	return obj, true
}

// parseGeminiResponse accepts both response shapes Gemini produces: a single
// object (generateContent) and a JSON array of cumulative chunks
// (streamGenerateContent without alt=sse), folded through the merger.
func parseGeminiResponse(body []byte) (map[string]interface{}, bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, false
	}
	if trimmed[0] == '[' {
		var chunks []json.RawMessage
		if err := json.Unmarshal(trimmed, &chunks); err != nil {
			return nil, false
		}
		merger := convert.NewGeminiStreamMerger()
		for _, c := range chunks {
			merger.Add(string(c))
		}
		return merger.Merged(), true
	}
	return parseJSONObject(trimmed)
}

// liftGeminiQueryKey handles Gemini's query-parameter credential: a
// ?key=<provider-key>;invariant-auth=<gateway-key> value is split, the
// gateway key lifted into the request credentials and the query cleaned so
// only the provider key travels upstream. The raw query is walked by hand
// because url.ParseQuery rejects the unencoded semicolon this form carries.
func (h *Handlers) liftGeminiQueryKey(r *http.Request) {
	raw := r.URL.RawQuery
	if raw == "" {
		return
	}
	pairs := strings.Split(raw, "&")
	changed := false
	for n, pair := range pairs {
		name, value, _ := strings.Cut(pair, "=")
		if name != "key" {
			continue
		}
		decoded, err := url.QueryUnescape(value)
		if err != nil {
			decoded = value
		}
		if !strings.Contains(decoded, auth.EmbeddedKeyMarker) {
			continue
		}
		clean, invariantKey := auth.SplitEmbedded(decoded)
		pairs[n] = "key=" + url.QueryEscape(clean)
		changed = true

		creds := middleware.GetCredentials(r.Context())
		if invariantKey != "" && !creds.HasInvariantKey() {
			creds.InvariantAPIKey = invariantKey
		}
	}
	if changed {
		r.URL.RawQuery = strings.Join(pairs, "&")
	}
}
