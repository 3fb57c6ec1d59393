package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/invariantlabs-ai/invariant-gateway/internal/mcpgw"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/middleware"
)

// mcpConn reads the per-connection gateway options off the request headers.
// The session itself is bound later by the transport (SSE binds on the
// upstream endpoint event, streamable on the session id header).
func (h *Handlers) mcpConn(r *http.Request) (conn *mcpgw.Conn, baseURL string) {
	creds := middleware.GetCredentials(r.Context())

	dataset := r.Header.Get(HeaderInvProject)
	if dataset == "" {
		dataset = r.Header.Get(HeaderProjectName)
	}

	push := pushExplorerEnabled(r.Header.Get(HeaderPushExplorer)) && creds.HasInvariantKey()

	return &mcpgw.Conn{
		Dataset:      dataset,
		APIKey:       creds.InvariantAPIKey,
		Push:         push,
		HeaderPolicy: r.Header.Get(HeaderGuardrails),
	}, r.Header.Get(HeaderMCPServerURL)
}

// pushExplorerEnabled parses the Push-Explorer header; pushing is opt-in on
// the MCP plane.
func pushExplorerEnabled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "push", "1", "yes":
		return true
	}
	return false
}

// MCPSSEStream serves GET /mcp/sse: opens the upstream event stream and
// relays it with the response hook applied.
func (h *Handlers) MCPSSEStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(mcpgw.ProxiedByHeader, mcpgw.ProxiedByValue)

	conn, base := h.mcpConn(r)
	if base == "" {
		respondError(w, http.StatusBadRequest, "Missing MCP-SERVER-BASE-URL header")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "Unexpected error: streaming unsupported")
		return
	}

	up, err := h.SSE.Dial(r.Context(), base)
	if err != nil {
		log.Warn().Err(err).Str("base_url", base).Msg("MCP SSE upstream connect failed")
		respondError(w, http.StatusBadGateway, "Failed to connect to MCP server")
		return
	}
	defer up.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if err := h.SSE.Relay(r.Context(), conn, up, w); err != nil && !errors.Is(err, context.Canceled) {
		log.Debug().Err(err).Msg("MCP SSE relay ended")
	}
}

// MCPSSEMessage serves POST /mcp/sse/messages/: runs the request hook and
// forwards the message to the session's upstream POST endpoint.
func (h *Handlers) MCPSSEMessage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(mcpgw.ProxiedByHeader, mcpgw.ProxiedByValue)

	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "Missing session_id query parameter")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	status, respBody, err := h.SSE.PostMessage(r.Context(), sessionID, body)
	switch {
	case errors.Is(err, mcpgw.ErrUnknownSession):
		respondError(w, http.StatusNotFound, "Unknown MCP session")
		return
	case err != nil:
		respondError(w, http.StatusInternalServerError, "Request error: "+err.Error())
		return
	}
	w.WriteHeader(status)
	w.Write(respBody)
}

// MCPStreamablePost serves POST /mcp/streamable.
func (h *Handlers) MCPStreamablePost(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(mcpgw.ProxiedByHeader, mcpgw.ProxiedByValue)

	conn, base := h.mcpConn(r)
	if base == "" {
		respondError(w, http.StatusBadRequest, "Missing MCP-SERVER-BASE-URL header")
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to read request body")
		return
	}
	h.Streamable.Post(r.Context(), w, &mcpgw.StreamableRequest{
		Conn:      conn,
		BaseURL:   base,
		SessionID: r.Header.Get(mcpgw.SessionIDHeader),
		Body:      body,
	})
}

// MCPStreamableListen serves GET /mcp/streamable (server-initiated stream).
func (h *Handlers) MCPStreamableListen(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(mcpgw.ProxiedByHeader, mcpgw.ProxiedByValue)

	conn, base := h.mcpConn(r)
	if base == "" {
		respondError(w, http.StatusBadRequest, "Missing MCP-SERVER-BASE-URL header")
		return
	}
	h.Streamable.Listen(r.Context(), w, &mcpgw.StreamableRequest{
		Conn:      conn,
		BaseURL:   base,
		SessionID: r.Header.Get(mcpgw.SessionIDHeader),
	})
}

// MCPStreamableTerminate serves DELETE /mcp/streamable.
func (h *Handlers) MCPStreamableTerminate(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(mcpgw.ProxiedByHeader, mcpgw.ProxiedByValue)

	conn, base := h.mcpConn(r)
	if base == "" {
		respondError(w, http.StatusBadRequest, "Missing MCP-SERVER-BASE-URL header")
		return
	}
	h.Streamable.Terminate(r.Context(), w, &mcpgw.StreamableRequest{
		Conn:      conn,
		BaseURL:   base,
		SessionID: r.Header.Get(mcpgw.SessionIDHeader),
	})
}
