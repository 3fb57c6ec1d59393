package mcpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/invariantlabs-ai/invariant-gateway/internal/sessions"
	"github.com/invariantlabs-ai/invariant-gateway/internal/sse"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// SessionIDHeader is the MCP streamable-HTTP session header.
const SessionIDHeader = "Mcp-Session-Id"

// gatewayIDPrefix marks session ids the gateway minted itself. They are
// never forwarded upstream: a stateless server must not see a session id it
// did not issue.
const gatewayIDPrefix = "inv-session-"

// StreamableTransport proxies the single-endpoint streamable HTTP flavor of
// MCP. The gateway mints its own session id on initialize and keeps it
// aliased to the upstream-issued id, so client headers carrying either id
// address the same session.
type StreamableTransport struct {
	interceptor *Interceptor
	store       *sessions.Store

	// client carries both unary and streaming upstream calls; deadlines come
	// from the request context, not a client-wide timeout.
	client *http.Client

	mu       sync.Mutex
	upstream map[string]string // gateway id → upstream id
	alias    map[string]string // upstream id → gateway id
}

// StreamableRequest is one client call into the streamable endpoint, already
// parsed out of the HTTP plumbing by the handler.
type StreamableRequest struct {
	// Conn carries the gateway options; Session is bound by the transport.
	Conn *Conn

	// BaseURL is the upstream MCP server endpoint.
	BaseURL string

	// SessionID is the raw client mcp-session-id header, empty when absent.
	SessionID string

	// Body is the JSON-RPC payload (POST only).
	Body []byte
}

// NewStreamableTransport builds the streamable-HTTP proxy.
func NewStreamableTransport(i *Interceptor, store *sessions.Store) *StreamableTransport {
	return &StreamableTransport{
		interceptor: i,
		store:       store,
		client:      &http.Client{},
		upstream:    make(map[string]string),
		alias:       make(map[string]string),
	}
}

// ── POST ─────────────────────────────────────────────────────

// Post intercepts one client JSON-RPC payload, forwards it upstream, and
// relays the JSON or event-stream response with the response hook applied.
func (t *StreamableTransport) Post(ctx context.Context, w http.ResponseWriter, sreq *StreamableRequest) {
	reqs, isBatch, err := parseRequests(sreq.Body)
	if err != nil {
		respondRPCError(w, nil, models.MCPErrInvalidRequest, "request body is not JSON-RPC")
		return
	}
	isInit := false
	for _, r := range reqs {
		if r.Method == "initialize" {
			isInit = true
		}
	}

	local, upstreamID := t.resolveSession(sreq.SessionID, isInit)
	sess := t.store.GetOrCreate(local)
	sess.SetMetadata("session_id", local)
	sreq.Conn.Session = sess

	var blocked []*models.MCPResponse
	for n := range reqs {
		if resp := t.interceptor.ProcessOutgoingRequest(ctx, sreq.Conn, &reqs[n]); resp != nil {
			blocked = append(blocked, resp)
		}
	}
	if len(blocked) > 0 {
		// The error response stands in for the whole upstream exchange.
		t.setClientSession(w, "", local)
		if isBatch {
			respondJSON(w, http.StatusOK, blocked)
			return
		}
		respondJSON(w, http.StatusOK, blocked[0])
		return
	}

	resp, err := t.forward(ctx, http.MethodPost, sreq, upstreamID, sreq.Body)
	if err != nil {
		log.Warn().Err(err).Str("session_id", local).Msg("Streamable upstream POST failed")
		respondRPCError(w, nil, models.MCPErrInternal, "upstream MCP server unreachable")
		return
	}
	defer resp.Body.Close()

	upID := resp.Header.Get(SessionIDHeader)
	if isInit {
		t.recordInitialize(sess, local, upID)
	}
	t.setClientSession(w, upID, local)

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "text/event-stream"):
		sess.SetMetadata("server_response_type", "sse")
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(resp.StatusCode)
		if err := t.relayStream(ctx, sreq.Conn, resp.Body, w); err != nil {
			log.Warn().Err(err).Str("session_id", local).Msg("Streamable response relay ended early")
		}
	default:
		sess.SetMetadata("server_response_type", "json")
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
		if err != nil {
			respondRPCError(w, nil, models.MCPErrInternal, "read upstream response")
			return
		}
		if rewritten := t.interceptor.ProcessIncomingResponse(ctx, sreq.Conn, body); rewritten != nil {
			body = rewritten
		}
		if contentType != "" {
			w.Header().Set("Content-Type", contentType)
		}
		w.WriteHeader(resp.StatusCode)
		w.Write(body)
	}
}

// ── GET: server-initiated stream ─────────────────────────────

// Listen opens the upstream listening stream and relays its events through
// the response hook.
func (t *StreamableTransport) Listen(ctx context.Context, w http.ResponseWriter, sreq *StreamableRequest) {
	local, upstreamID := t.resolveSession(sreq.SessionID, false)
	sess := t.store.GetOrCreate(local)
	sreq.Conn.Session = sess

	resp, err := t.forward(ctx, http.MethodGet, sreq, upstreamID, nil)
	if err != nil {
		log.Warn().Err(err).Str("session_id", local).Msg("Streamable upstream GET failed")
		http.Error(w, "upstream MCP server unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, io.LimitReader(resp.Body, maxFrameBytes))
		return
	}

	t.setClientSession(w, resp.Header.Get(SessionIDHeader), local)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := t.relayStream(ctx, sreq.Conn, resp.Body, w); err != nil {
		log.Warn().Err(err).Str("session_id", local).Msg("Streamable listen relay ended early")
	}
}

// ── DELETE: session teardown ─────────────────────────────────

// Terminate tears the session down. A gateway-minted id with no upstream
// mapping is answered locally; anything else forwards the DELETE.
func (t *StreamableTransport) Terminate(ctx context.Context, w http.ResponseWriter, sreq *StreamableRequest) {
	local, upstreamID := t.resolveSession(sreq.SessionID, false)
	defer t.drop(local, upstreamID)

	if upstreamID == "" && strings.HasPrefix(local, gatewayIDPrefix) {
		w.WriteHeader(http.StatusOK)
		return
	}

	resp, err := t.forward(ctx, http.MethodDelete, sreq, upstreamID, nil)
	if err != nil {
		log.Warn().Err(err).Str("session_id", local).Msg("Streamable upstream DELETE failed")
		http.Error(w, "upstream MCP server unreachable", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, io.LimitReader(resp.Body, maxFrameBytes))
}

// ── Session id bookkeeping ───────────────────────────────────

// resolveSession maps the client-supplied session header to the local
// session key and the id to forward upstream. Gateway-minted ids resolve to
// their recorded upstream id, or to nothing for stateless servers.
func (t *StreamableTransport) resolveSession(clientID string, isInit bool) (local, upstreamID string) {
	switch {
	case clientID == "":
		return newGatewayID(), ""
	case strings.HasPrefix(clientID, gatewayIDPrefix):
		t.mu.Lock()
		defer t.mu.Unlock()
		return clientID, t.upstream[clientID]
	default:
		t.mu.Lock()
		defer t.mu.Unlock()
		if gw, ok := t.alias[clientID]; ok {
			return gw, clientID
		}
		return clientID, clientID
	}
}

// recordInitialize stores the upstream's session id decision for a fresh
// session: either the server issued its own id, or it is stateless and the
// gateway id is the only handle the client will ever hold.
func (t *StreamableTransport) recordInitialize(sess *sessions.Session, local, upID string) {
	if upID != "" {
		t.mu.Lock()
		t.upstream[local] = upID
		t.alias[upID] = local
		t.mu.Unlock()
		sess.SetMetadata("is_stateless_http_server", false)
		log.Info().Str("session_id", local).Str("upstream_session_id", upID).Msg("MCP streamable session established")
		return
	}
	sess.SetMetadata("is_stateless_http_server", true)
	log.Info().Str("session_id", local).Msg("MCP streamable session established against stateless server")
}

// setClientSession sets the session header on the client response: the
// upstream id when the server issued one, otherwise the gateway id.
func (t *StreamableTransport) setClientSession(w http.ResponseWriter, upID, local string) {
	switch {
	case upID != "":
		w.Header().Set(SessionIDHeader, upID)
	case strings.HasPrefix(local, gatewayIDPrefix):
		w.Header().Set(SessionIDHeader, local)
	}
}

func (t *StreamableTransport) drop(local, upstreamID string) {
	t.store.Delete(local)
	t.mu.Lock()
	delete(t.upstream, local)
	if upstreamID != "" {
		delete(t.alias, upstreamID)
	}
	t.mu.Unlock()
}

func newGatewayID() string {
	return gatewayIDPrefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ── Upstream plumbing ────────────────────────────────────────

// forward sends one call to the upstream endpoint. The gateway id never
// leaves the building: only upstream-issued ids go on the wire.
func (t *StreamableTransport) forward(ctx context.Context, method string, sreq *StreamableRequest, upstreamID string, body []byte) (*http.Response, error) {
	target := upstreamEndpoint(sreq.BaseURL)
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json, text/event-stream")
	if upstreamID != "" {
		req.Header.Set(SessionIDHeader, upstreamID)
	}
	return t.client.Do(req)
}

// upstreamEndpoint treats the configured base URL as the streamable endpoint
// itself, appending the conventional /mcp path only for bare hosts.
func upstreamEndpoint(base string) string {
	raw := RewriteUpstreamBase(base)
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if u.Path == "" || u.Path == "/" {
		return u.JoinPath("mcp").String()
	}
	return raw
}

// relayStream forwards an upstream event stream, applying the response hook
// to each message frame and passing every other frame through verbatim.
func (t *StreamableTransport) relayStream(ctx context.Context, conn *Conn, body io.Reader, w io.Writer) error {
	rd := sse.NewReader(body)
	for {
		ev, err := rd.Next()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		if (ev.Name == "message" || ev.Name == "") && ev.Data != "" {
			if rewritten := t.interceptor.ProcessIncomingResponse(ctx, conn, []byte(ev.Data)); rewritten != nil {
				if err := sse.WriteEvent(w, ev.Name, string(rewritten)); err != nil {
					return err
				}
				continue
			}
		}
		if err := sse.WriteRaw(w, ev.Raw); err != nil {
			return err
		}
	}
}

// ── Response helpers ─────────────────────────────────────────

// parseRequests decodes a JSON-RPC payload that is either one request or a
// batch.
func parseRequests(body []byte) ([]models.MCPRequest, bool, error) {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var reqs []models.MCPRequest
		if err := json.Unmarshal(body, &reqs); err != nil {
			return nil, true, err
		}
		return reqs, true, nil
	}
	var req models.MCPRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, false, err
	}
	return []models.MCPRequest{req}, false, nil
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

func respondRPCError(w http.ResponseWriter, id interface{}, code int, message string) {
	respondJSON(w, http.StatusBadRequest, &models.MCPResponse{
		Jsonrpc: "2.0",
		ID:      id,
		Error:   &models.MCPError{Code: code, Message: message},
	})
}
