package api

import (
	"encoding/json"
	"net/http"

	"github.com/invariantlabs-ai/invariant-gateway/internal/api/handlers"
	"github.com/invariantlabs-ai/invariant-gateway/internal/api/middleware"
	"github.com/invariantlabs-ai/invariant-gateway/internal/config"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates the HTTP router with all gateway routes.
//
// No compression middleware: the proxy relays upstream bodies verbatim and
// streams SSE frames, and a compressing response writer would corrupt the
// first and buffer the second.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Credentials)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Authorization", "Content-Type",
			"X-Api-Key", "X-Goog-Api-Key", "X-Request-Id",
			"Invariant-Authorization", "Invariant-Guardrails", "Invariant-Push",
			"Invariant-Project-Name", "Invariant-Guardrail-Service-Authorization",
			"Invariant-Openai-Base-Url",
			"Mcp-Server-Base-Url", "Mcp-Session-Id",
			"Project-Name", "Push-Explorer",
		},
		ExposedHeaders:   []string{"X-Request-Id", "X-Proxied-By", "Mcp-Session-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", h.Health)
	r.Get("/gateway/health", h.Health)
	r.Get("/version", versionHandler(cfg))

	r.Route("/api/v1/gateway", func(r chi.Router) {
		r.Get("/health", h.Health)

		// MCP plane
		r.Route("/mcp", func(r chi.Router) {
			r.Get("/sse", h.MCPSSEStream)
			r.Post("/sse/messages/", h.MCPSSEMessage)
			r.Post("/streamable", h.MCPStreamablePost)
			r.Get("/streamable", h.MCPStreamableListen)
			r.Delete("/streamable", h.MCPStreamableTerminate)
		})

		// LLM plane, snippet-push variants
		r.Post("/openai/chat/completions", h.OpenAIChatCompletions)
		r.Post("/anthropic/v1/messages", h.AnthropicMessages)
		r.Post("/gemini/{version}/models/{modelAndAction}", h.GeminiGenerateContent)

		// LLM plane, dataset-push variants. Static segments above win over
		// the parameter, so "mcp", "openai" etc. never bind as a dataset.
		r.Route("/{dataset}", func(r chi.Router) {
			r.Post("/openai/chat/completions", h.OpenAIChatCompletions)
			r.Post("/anthropic/v1/messages", h.AnthropicMessages)
			r.Post("/gemini/{version}/models/{modelAndAction}", h.GeminiGenerateContent)
		})
	})

	return r
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "invariant-gateway",
		})
	}
}
