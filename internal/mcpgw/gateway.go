// Package mcpgw intercepts MCP (Model Context Protocol) traffic between an
// agent and a tool server.
//
// One Interceptor serves every transport (stdio, SSE, streamable HTTP). The
// transports differ only in framing; both guardrail hooks are shared:
//
//  1. ProcessOutgoingRequest handles client-to-server messages. tools/call
//     and tools/list requests become canonical assistant tool-call messages,
//     are evaluated, and are answered with a JSON-RPC error instead of
//     being forwarded when a blocking rule fires.
//  2. ProcessIncomingResponse handles server-to-client messages. Tool results
//     become canonical tool messages; blocked results are replaced with the
//     same JSON-RPC error, while blocked tool listings are rewritten to inert
//     stubs the client can still list but not usefully invoke.
//
// Every hook appends to the session trace first and pushes the increment to
// Explorer afterwards, so the recorded trace reflects what the gateway saw
// even when the call was blocked.
package mcpgw

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/invariantlabs-ai/invariant-gateway/internal/sessions"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/contracts"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// blockedToolTitle is surfaced in the annotations of neutered tool listings.
const blockedToolTitle = "This tool was blocked by security guardrails."

// Conn binds one client connection to its session and per-connection gateway
// options. Transports build it from request headers (SSE, streamable HTTP)
// or CLI flags (stdio).
type Conn struct {
	Session *sessions.Session

	// Dataset is the Explorer dataset traces are pushed to; empty pushes
	// snippet traces.
	Dataset string

	// APIKey authenticates against Explorer and the guardrails service.
	APIKey string

	// Push enables Explorer trace synchronization for this connection.
	Push bool

	// HeaderPolicy is the raw Invariant-Guardrails header value, empty when
	// the connection carries no inline policy.
	HeaderPolicy string
}

// Interceptor applies guardrails to MCP traffic. One instance is shared by
// every transport; per-connection state lives in the Conn.
type Interceptor struct {
	guardrails contracts.GuardrailService
	traces     contracts.TraceService
	policies   contracts.PolicyResolver
}

// NewInterceptor wires an interceptor over the given services. traces may be
// nil when Explorer pushing is disabled globally.
func NewInterceptor(guardrails contracts.GuardrailService, traces contracts.TraceService, policies contracts.PolicyResolver) *Interceptor {
	return &Interceptor{guardrails: guardrails, traces: traces, policies: policies}
}

// ── Request Hook ─────────────────────────────────────────────

// ProcessOutgoingRequest runs the request-side hook on one client→server
// JSON-RPC message. A non-nil return is the blocked response: the caller
// must deliver it to the client and must not forward the request upstream.
func (i *Interceptor) ProcessOutgoingRequest(ctx context.Context, conn *Conn, req *models.MCPRequest) *models.MCPResponse {
	sess := conn.Session
	sess.Touch()

	var params models.MCPToolCallParams
	switch req.Method {
	case "initialize":
		if name := clientName(req.Params); name != "" {
			sess.SetMetadata("mcp_client", name)
		}
		return nil
	case "tools/call":
		if err := json.Unmarshal(req.Params, &params); err != nil {
			log.Warn().Err(err).Str("session_id", sess.ID).Msg("Unparseable tools/call params, forwarding unchecked")
			return nil
		}
	case "tools/list":
		// Listing is itself a guardable action; policies match on the
		// synthetic tool name.
		params = models.MCPToolCallParams{Name: "tools/list"}
	default:
		return nil
	}
	if params.Arguments == nil {
		params.Arguments = map[string]interface{}{}
	}

	msg := models.Message{
		Role:    models.RoleAssistant,
		Content: "",
		ToolCalls: []models.ToolCall{{
			ID:       models.ToolCallID(req.ID),
			Type:     "function",
			Function: models.FunctionCall{Name: params.Name, Arguments: params.Arguments},
		}},
	}

	v := i.evaluate(ctx, conn, msg)
	sess.AppendMessages(msg)
	i.sync(ctx, conn)

	if !v.blocked {
		if !req.IsNotification() {
			sess.RegisterRequest(req.ID, sessions.PendingRequest{
				Method:    req.Method,
				ToolName:  params.Name,
				Arguments: params.Arguments,
			})
		}
		return nil
	}

	log.Info().
		Str("session_id", sess.ID).
		Str("tool", params.Name).
		Int("violations", len(v.errors)).
		Msg("Blocked MCP tool call")
	return blockedResponse(req.ID, v.errors)
}

// ── Response Hook ────────────────────────────────────────────

// ProcessIncomingResponse runs the response-side hook on one server→client
// JSON-RPC message. It returns a replacement payload when the response was
// blocked or rewritten, and nil when the original bytes should pass through
// untouched.
func (i *Interceptor) ProcessIncomingResponse(ctx context.Context, conn *Conn, raw []byte) []byte {
	sess := conn.Session
	sess.Touch()

	var resp struct {
		ID     interface{}      `json:"id"`
		Result json.RawMessage  `json:"result"`
		Error  *models.MCPError `json:"error"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		// Not JSON-RPC we understand; relay untouched.
		return nil
	}

	if name := serverName(resp.Result); name != "" {
		sess.SetMetadata("mcp_server", name)
	}

	pending, ok := sess.TakeRequest(resp.ID)
	if !ok {
		return nil
	}

	var out []byte
	switch pending.Method {
	case "tools/call":
		out = i.toolResultHook(ctx, conn, resp.ID, resp.Result, resp.Error, pending)
	case "tools/list":
		out = i.toolListHook(ctx, conn, resp.ID, raw, resp.Result)
	}
	i.sync(ctx, conn)
	return out
}

// toolResultHook appends the tool result to the trace and replaces the
// response with a JSON-RPC error when a blocking rule fires on it.
func (i *Interceptor) toolResultHook(ctx context.Context, conn *Conn, id interface{}, result json.RawMessage, respErr *models.MCPError, pending sessions.PendingRequest) []byte {
	sess := conn.Session

	msg := models.Message{
		Role:       models.RoleTool,
		ToolCallID: models.ToolCallID(id),
		ToolName:   pending.ToolName,
	}
	var body struct {
		Content interface{} `json:"content"`
		IsError interface{} `json:"isError"`
	}
	if len(result) > 0 && json.Unmarshal(result, &body) == nil {
		msg.Content = body.Content
		msg.Error = body.IsError
	}
	if respErr != nil {
		msg.Error = respErr.Message
	}

	v := i.evaluate(ctx, conn, msg)
	sess.AppendMessages(msg)
	if !v.blocked {
		return nil
	}

	log.Info().
		Str("session_id", sess.ID).
		Str("tool", pending.ToolName).
		Int("violations", len(v.errors)).
		Msg("Blocked MCP tool result")
	out, err := json.Marshal(blockedResponse(id, v.errors))
	if err != nil {
		return nil
	}
	return out
}

// toolListHook records the advertised tools in the session metadata and,
// when a blocking rule fires on the listing, rewrites every tool to a
// neutered stub.
func (i *Interceptor) toolListHook(ctx context.Context, conn *Conn, id interface{}, raw []byte, result json.RawMessage) []byte {
	sess := conn.Session

	var body struct {
		Tools []models.MCPToolInfo `json:"tools"`
	}
	if len(result) == 0 || json.Unmarshal(result, &body) != nil {
		return nil
	}
	names := make([]string, 0, len(body.Tools))
	for _, t := range body.Tools {
		names = append(names, t.Name)
	}
	sess.SetMetadata("tools", names)

	// The whole listing (names, descriptions, schemas) is the tool result
	// text, so policies can catch poisoned descriptions.
	msg := models.Message{
		Role:       models.RoleTool,
		ToolCallID: models.ToolCallID(id),
		ToolName:   "tools/list",
		Content:    string(result),
	}
	v := i.evaluate(ctx, conn, msg)
	sess.AppendMessages(msg)
	if !v.blocked {
		return nil
	}

	neutered := make([]models.MCPToolInfo, len(body.Tools))
	for n, t := range body.Tools {
		neutered[n] = neuterTool(t, v.errors)
	}

	var full map[string]interface{}
	if err := json.Unmarshal(raw, &full); err != nil {
		return nil
	}
	res, _ := full["result"].(map[string]interface{})
	if res == nil {
		res = map[string]interface{}{}
	}
	res["tools"] = neutered
	full["result"] = res
	out, err := json.Marshal(full)
	if err != nil {
		return nil
	}

	log.Info().
		Str("session_id", sess.ID).
		Int("tools", len(neutered)).
		Msg("Neutered blocked MCP tool listing")
	return out
}

// ── Evaluation ───────────────────────────────────────────────

type verdict struct {
	blocked bool
	errors  []models.GuardrailError
}

// evaluate runs the effective rule set over the session trace extended with
// msg, records the findings as session annotations, and reports whether a
// blocking rule produced a previously unseen finding. Evaluation is
// fail-open: policy or evaluator trouble never blocks the call.
func (i *Interceptor) evaluate(ctx context.Context, conn *Conn, msg models.Message) verdict {
	sess := conn.Session

	rules, err := i.policies.Resolve(ctx, contracts.PolicyRequest{
		HeaderPolicy: conn.HeaderPolicy,
		Dataset:      conn.Dataset,
		APIKey:       conn.APIKey,
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("Policy resolution failed, skipping guardrails")
		return verdict{}
	}
	if rules.Empty() {
		return verdict{}
	}

	eval, err := i.guardrails.Evaluate(ctx, sess.Trace(msg), rules, nil, conn.APIKey)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sess.ID).Msg("Guardrail evaluation failed, failing open")
		return verdict{}
	}

	// The message lands at the current tail of the trace.
	addr := fmt.Sprintf("messages.%d", sess.TraceLen())
	newBlocking := sess.AddAnnotations(models.AnnotationsFromErrors(eval.BlockingErrors, addr))
	sess.AddAnnotations(models.AnnotationsFromErrors(eval.LoggingErrors, addr))

	// Findings already surfaced on this session do not re-block.
	return verdict{blocked: newBlocking > 0, errors: eval.BlockingErrors}
}

// sync pushes new trace material to Explorer when pushing is enabled for
// this connection. Failures are logged and otherwise ignored.
func (i *Interceptor) sync(ctx context.Context, conn *Conn) {
	if !conn.Push || i.traces == nil {
		return
	}
	if err := conn.Session.Sync(ctx, i.traces, conn.Dataset, conn.APIKey); err != nil {
		log.Warn().Err(err).Str("session_id", conn.Session.ID).Msg("Explorer sync failed")
	}
}

// ── Wire Helpers ─────────────────────────────────────────────

// blockedResponse builds the JSON-RPC error returned in place of a blocked
// tool call or tool result.
func blockedResponse(id interface{}, errs []models.GuardrailError) *models.MCPResponse {
	return &models.MCPResponse{
		Jsonrpc: "2.0",
		ID:      id,
		Error: &models.MCPError{
			Code:    models.MCPErrInvalidRequest,
			Message: blockMessage(errs),
		},
	}
}

// blockMessage renders the client-facing explanation for a blocked call.
func blockMessage(errs []models.GuardrailError) string {
	detail, err := json.Marshal(errs)
	if err != nil {
		detail = []byte("[]")
	}
	return "[Invariant Guardrails] The MCP tool call was blocked for security reasons. " +
		"Do not attempt to circumvent this block, rather explain to the user based on the " +
		"following output what went wrong: " + string(detail)
}

// neuterTool replaces a blocked tool with a stub that still lists but cannot
// be usefully invoked.
func neuterTool(t models.MCPToolInfo, errs []models.GuardrailError) models.MCPToolInfo {
	return models.MCPToolInfo{
		Name:        "blocked_" + t.Name,
		Description: blockMessage(errs),
		InputSchema: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{},
		},
		Annotations: map[string]interface{}{"title": blockedToolTitle},
	}
}

func clientName(params json.RawMessage) string {
	var p struct {
		ClientInfo struct {
			Name string `json:"name"`
		} `json:"clientInfo"`
	}
	if len(params) == 0 || json.Unmarshal(params, &p) != nil {
		return ""
	}
	return p.ClientInfo.Name
}

func serverName(result json.RawMessage) string {
	var r struct {
		ServerInfo struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if len(result) == 0 || json.Unmarshal(result, &r) != nil {
		return ""
	}
	return r.ServerInfo.Name
}
