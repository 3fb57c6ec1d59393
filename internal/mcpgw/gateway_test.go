package mcpgw_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/invariantlabs-ai/invariant-gateway/internal/mcpgw"
	"github.com/invariantlabs-ai/invariant-gateway/internal/sessions"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/contracts"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

func TestMain(m *testing.M) {
	// The test upstreams listen on loopback; keep the container heuristic
	// from pointing them at host.docker.internal.
	os.Setenv("INSIDE_DOCKER", "false")
	os.Exit(m.Run())
}

// keywordGuard blocks any evaluation whose newest message mentions the
// trigger word, in its content or in a tool-call name.
type keywordGuard struct {
	trigger string

	mu    sync.Mutex
	calls int
}

func (g *keywordGuard) Evaluate(ctx context.Context, messages []models.Message, rules *models.GuardrailRuleSet, parameters map[string]interface{}, apiKey string) (*models.GuardrailEvaluation, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()

	eval := &models.GuardrailEvaluation{}
	if len(messages) == 0 {
		return eval, nil
	}
	last := messages[len(messages)-1]
	text := models.ContentText(last.Content)
	for _, tc := range last.ToolCalls {
		text += " " + tc.Function.Name
	}
	if g.trigger != "" && strings.Contains(text, g.trigger) {
		eval.BlockingErrors = append(eval.BlockingErrors, models.GuardrailError{
			Args:      []interface{}{"forbidden keyword", g.trigger},
			Guardrail: &models.GuardrailInfo{ID: "g-1", Name: "keyword-block", Action: models.GuardrailActionBlock},
		})
	}
	return eval, nil
}

func (g *keywordGuard) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// pinnedGuard reports the same violation at the same trace address on every
// evaluation, like a service that keeps re-flagging an old message.
type pinnedGuard struct{}

func (pinnedGuard) Evaluate(ctx context.Context, messages []models.Message, rules *models.GuardrailRuleSet, parameters map[string]interface{}, apiKey string) (*models.GuardrailEvaluation, error) {
	return &models.GuardrailEvaluation{BlockingErrors: []models.GuardrailError{{
		Args:      []interface{}{"pinned finding"},
		Ranges:    []models.ErrorRange{{JSONPath: "messages.0.content"}},
		Guardrail: &models.GuardrailInfo{ID: "g-2", Name: "pinned", Action: models.GuardrailActionBlock},
	}}}, nil
}

type failingGuard struct{}

func (failingGuard) Evaluate(ctx context.Context, messages []models.Message, rules *models.GuardrailRuleSet, parameters map[string]interface{}, apiKey string) (*models.GuardrailEvaluation, error) {
	return nil, errors.New("evaluator down")
}

// rulesPolicies hands out a fixed rule set (or error) for every request.
type rulesPolicies struct {
	rules *models.GuardrailRuleSet
	err   error
}

func (p *rulesPolicies) Resolve(ctx context.Context, req contracts.PolicyRequest) (*models.GuardrailRuleSet, error) {
	return p.rules, p.err
}

func blockRules() *models.GuardrailRuleSet {
	return &models.GuardrailRuleSet{
		Blocking: []models.Guardrail{{
			ID:      "g-1",
			Name:    "keyword-block",
			Content: `raise "forbidden keyword" if True`,
			Enabled: true,
			Action:  models.GuardrailActionBlock,
		}},
	}
}

// recordingTraces counts Explorer writes.
type recordingTraces struct {
	mu      sync.Mutex
	pushes  []*models.PushTraceRequest
	appends []*models.AppendMessagesRequest
}

func (r *recordingTraces) PushTrace(ctx context.Context, req *models.PushTraceRequest, apiKey string) (*models.PushTraceResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushes = append(r.pushes, req)
	return &models.PushTraceResponse{ID: []string{"trace-9"}, Success: true}, nil
}

func (r *recordingTraces) AppendMessages(ctx context.Context, traceID string, req *models.AppendMessagesRequest, apiKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appends = append(r.appends, req)
	return nil
}

func (r *recordingTraces) GetDatasetMetadata(ctx context.Context, owner, dataset, apiKey string) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func (r *recordingTraces) counts() (pushes, appends int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushes), len(r.appends)
}

// newGateway wires an interceptor over the keyword guard and a fresh session.
func newGateway(trigger string, traces contracts.TraceService) (*mcpgw.Interceptor, *mcpgw.Conn) {
	i := mcpgw.NewInterceptor(&keywordGuard{trigger: trigger}, traces, &rulesPolicies{rules: blockRules()})
	conn := &mcpgw.Conn{
		Session: sessions.NewStore().GetOrCreate("s-test"),
		Dataset: "mcp-project",
		APIKey:  "inv-key",
		Push:    traces != nil,
	}
	return i, conn
}

func TestInterceptor_BlockedToolCall(t *testing.T) {
	i, conn := newGateway("dangerous", nil)

	req := &models.MCPRequest{
		Jsonrpc: "2.0",
		ID:      float64(2),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"dangerous_delete","arguments":{"path":"/etc"}}`),
	}
	resp := i.ProcessOutgoingRequest(context.Background(), conn, req)
	if resp == nil {
		t.Fatal("ProcessOutgoingRequest() = nil, want a blocked response")
	}
	if resp.Error == nil || resp.Error.Code != models.MCPErrInvalidRequest {
		t.Fatalf("blocked error = %+v, want code %d", resp.Error, models.MCPErrInvalidRequest)
	}
	if !strings.Contains(resp.Error.Message, "[Invariant Guardrails]") {
		t.Errorf("blocked message = %q, want the guardrails preamble", resp.Error.Message)
	}
	if resp.ID != req.ID {
		t.Errorf("blocked response id = %v, want %v", resp.ID, req.ID)
	}

	// The blocked call is still recorded.
	if got := conn.Session.TraceLen(); got != 1 {
		t.Errorf("TraceLen() = %d, want 1", got)
	}
	// Nothing is pending: a later frame with this id is not a tool result.
	out := i.ProcessIncomingResponse(context.Background(), conn, []byte(`{"jsonrpc":"2.0","id":2,"result":{"content":[]}}`))
	if out != nil {
		t.Errorf("ProcessIncomingResponse() after block = %s, want passthrough", out)
	}
}

func TestInterceptor_AllowedToolExchange(t *testing.T) {
	traces := &recordingTraces{}
	i, conn := newGateway("dangerous", traces)
	ctx := context.Background()

	call := &models.MCPRequest{
		Jsonrpc: "2.0",
		ID:      float64(7),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"get_weather","arguments":{"city":"Zurich"}}`),
	}
	if resp := i.ProcessOutgoingRequest(ctx, conn, call); resp != nil {
		t.Fatalf("ProcessOutgoingRequest() = %+v, want nil (forward)", resp)
	}

	result := []byte(`{"jsonrpc":"2.0","id":7,"result":{"content":[{"type":"text","text":"sunny, 24C"}]}}`)
	if out := i.ProcessIncomingResponse(ctx, conn, result); out != nil {
		t.Fatalf("ProcessIncomingResponse() = %s, want passthrough", out)
	}

	trace := conn.Session.Trace()
	if len(trace) != 2 {
		t.Fatalf("trace = %d messages, want 2", len(trace))
	}
	if trace[0].Role != models.RoleAssistant || len(trace[0].ToolCalls) != 1 || trace[0].ToolCalls[0].ID != "call_7" {
		t.Errorf("call message = %+v", trace[0])
	}
	if trace[0].ToolCalls[0].Function.Name != "get_weather" {
		t.Errorf("call function = %+v", trace[0].ToolCalls[0].Function)
	}
	if trace[1].Role != models.RoleTool || trace[1].ToolCallID != "call_7" || trace[1].ToolName != "get_weather" {
		t.Errorf("result message = %+v", trace[1])
	}

	// Call and result each synced: one push, then one append.
	if pushes, appends := traces.counts(); pushes != 1 || appends != 1 {
		t.Errorf("pushes = %d, appends = %d, want 1 and 1", pushes, appends)
	}
}

func TestInterceptor_BlockedToolResult(t *testing.T) {
	i, conn := newGateway("dangerous", nil)
	ctx := context.Background()

	call := &models.MCPRequest{
		Jsonrpc: "2.0",
		ID:      float64(3),
		Method:  "tools/call",
		Params:  json.RawMessage(`{"name":"fetch_document","arguments":{"url":"https://example.com"}}`),
	}
	if resp := i.ProcessOutgoingRequest(ctx, conn, call); resp != nil {
		t.Fatalf("ProcessOutgoingRequest() = %+v, want nil (forward)", resp)
	}

	raw := []byte(`{"jsonrpc":"2.0","id":3,"result":{"content":[{"type":"text","text":"this contains dangerous instructions"}],"isError":false}}`)
	out := i.ProcessIncomingResponse(ctx, conn, raw)
	if out == nil {
		t.Fatal("ProcessIncomingResponse() = nil, want a blocked replacement")
	}

	var resp models.MCPResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("blocked replacement is not JSON: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != models.MCPErrInvalidRequest {
		t.Fatalf("blocked error = %+v, want code %d", resp.Error, models.MCPErrInvalidRequest)
	}
	if resp.ID != float64(3) {
		t.Errorf("blocked response id = %v, want 3", resp.ID)
	}
	if !strings.Contains(resp.Error.Message, "forbidden keyword") {
		t.Errorf("blocked message = %q, want the violation detail", resp.Error.Message)
	}

	// The result is recorded even though the client never sees it.
	if got := conn.Session.TraceLen(); got != 2 {
		t.Errorf("TraceLen() = %d, want 2", got)
	}
}

func TestInterceptor_NeutersBlockedToolListing(t *testing.T) {
	i, conn := newGateway("dangerous_delete", nil)
	ctx := context.Background()

	list := &models.MCPRequest{Jsonrpc: "2.0", ID: float64(1), Method: "tools/list"}
	if resp := i.ProcessOutgoingRequest(ctx, conn, list); resp != nil {
		t.Fatalf("ProcessOutgoingRequest() = %+v, want nil (forward)", resp)
	}

	raw := []byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[` +
		`{"name":"dangerous_delete","description":"Deletes anything","inputSchema":{"type":"object","properties":{"path":{"type":"string"}}}},` +
		`{"name":"get_weather","description":"Weather lookup","inputSchema":{"type":"object"}}]}}`)
	out := i.ProcessIncomingResponse(ctx, conn, raw)
	if out == nil {
		t.Fatal("ProcessIncomingResponse() = nil, want a neutered listing")
	}

	var resp struct {
		Result struct {
			Tools []models.MCPToolInfo `json:"tools"`
		} `json:"result"`
	}
	if err := json.Unmarshal(out, &resp); err != nil {
		t.Fatalf("neutered listing is not JSON: %v", err)
	}
	if len(resp.Result.Tools) != 2 {
		t.Fatalf("neutered listing has %d tools, want 2", len(resp.Result.Tools))
	}
	for _, tool := range resp.Result.Tools {
		if !strings.HasPrefix(tool.Name, "blocked_") {
			t.Errorf("tool %q kept its name, want a blocked_ prefix", tool.Name)
		}
		if !strings.Contains(tool.Description, "[Invariant Guardrails]") {
			t.Errorf("tool %q description = %q", tool.Name, tool.Description)
		}
		if tool.Annotations["title"] != "This tool was blocked by security guardrails." {
			t.Errorf("tool %q annotations = %v", tool.Name, tool.Annotations)
		}
		props, _ := tool.InputSchema["properties"].(map[string]interface{})
		if len(props) != 0 {
			t.Errorf("tool %q kept schema properties: %v", tool.Name, props)
		}
	}

	// The advertised names are recorded before the rewrite.
	names, _ := conn.Session.Metadata()["tools"].([]string)
	if len(names) != 2 || names[0] != "dangerous_delete" {
		t.Errorf("tools metadata = %v", names)
	}
}

func TestInterceptor_KnownFindingDoesNotReblock(t *testing.T) {
	i := mcpgw.NewInterceptor(pinnedGuard{}, nil, &rulesPolicies{rules: blockRules()})
	conn := &mcpgw.Conn{Session: sessions.NewStore().GetOrCreate("s-repeat")}
	ctx := context.Background()

	first := &models.MCPRequest{Jsonrpc: "2.0", ID: float64(1), Method: "tools/call",
		Params: json.RawMessage(`{"name":"list_files","arguments":{}}`)}
	if resp := i.ProcessOutgoingRequest(ctx, conn, first); resp == nil {
		t.Fatal("first call = nil, want blocked")
	}

	// The service keeps reporting the same finding at the same address; it
	// must not block every subsequent call on the session.
	second := &models.MCPRequest{Jsonrpc: "2.0", ID: float64(2), Method: "tools/call",
		Params: json.RawMessage(`{"name":"list_files","arguments":{}}`)}
	if resp := i.ProcessOutgoingRequest(ctx, conn, second); resp != nil {
		t.Errorf("second call = %+v, want nil (finding already surfaced)", resp)
	}
}

func TestInterceptor_InitializeCapturesParticipants(t *testing.T) {
	i, conn := newGateway("dangerous", nil)
	ctx := context.Background()

	init := &models.MCPRequest{Jsonrpc: "2.0", ID: float64(0), Method: "initialize",
		Params: json.RawMessage(`{"clientInfo":{"name":"claude-desktop","version":"0.7"}}`)}
	if resp := i.ProcessOutgoingRequest(ctx, conn, init); resp != nil {
		t.Fatalf("ProcessOutgoingRequest(initialize) = %+v, want nil", resp)
	}

	raw := []byte(`{"jsonrpc":"2.0","id":0,"result":{"serverInfo":{"name":"files-server","version":"1.2"},"capabilities":{}}}`)
	if out := i.ProcessIncomingResponse(ctx, conn, raw); out != nil {
		t.Fatalf("ProcessIncomingResponse(initialize) = %s, want passthrough", out)
	}

	meta := conn.Session.Metadata()
	if meta["mcp_client"] != "claude-desktop" {
		t.Errorf("mcp_client = %v, want claude-desktop", meta["mcp_client"])
	}
	if meta["mcp_server"] != "files-server" {
		t.Errorf("mcp_server = %v, want files-server", meta["mcp_server"])
	}
	if got := conn.Session.TraceLen(); got != 0 {
		t.Errorf("TraceLen() = %d, want 0 (initialize is not tool traffic)", got)
	}
}

func TestInterceptor_FailsOpen(t *testing.T) {
	ctx := context.Background()
	call := &models.MCPRequest{Jsonrpc: "2.0", ID: float64(1), Method: "tools/call",
		Params: json.RawMessage(`{"name":"dangerous_delete","arguments":{}}`)}

	// Policy resolution trouble forwards unchecked.
	i := mcpgw.NewInterceptor(&keywordGuard{trigger: "dangerous"}, nil, &rulesPolicies{err: errors.New("policy service down")})
	conn := &mcpgw.Conn{Session: sessions.NewStore().GetOrCreate("s-p")}
	if resp := i.ProcessOutgoingRequest(ctx, conn, call); resp != nil {
		t.Errorf("ProcessOutgoingRequest() with policy error = %+v, want nil", resp)
	}

	// So does evaluator trouble.
	i = mcpgw.NewInterceptor(failingGuard{}, nil, &rulesPolicies{rules: blockRules()})
	conn = &mcpgw.Conn{Session: sessions.NewStore().GetOrCreate("s-g")}
	if resp := i.ProcessOutgoingRequest(ctx, conn, call); resp != nil {
		t.Errorf("ProcessOutgoingRequest() with evaluator error = %+v, want nil", resp)
	}
}

func TestInterceptor_EmptyRulesSkipEvaluation(t *testing.T) {
	guard := &keywordGuard{trigger: "dangerous"}
	i := mcpgw.NewInterceptor(guard, nil, &rulesPolicies{})
	conn := &mcpgw.Conn{Session: sessions.NewStore().GetOrCreate("s-empty")}

	call := &models.MCPRequest{Jsonrpc: "2.0", ID: float64(1), Method: "tools/call",
		Params: json.RawMessage(`{"name":"dangerous_delete","arguments":{}}`)}
	if resp := i.ProcessOutgoingRequest(context.Background(), conn, call); resp != nil {
		t.Errorf("ProcessOutgoingRequest() = %+v, want nil (no rules apply)", resp)
	}
	if got := guard.callCount(); got != 0 {
		t.Errorf("Evaluate called %d times, want 0", got)
	}
}
