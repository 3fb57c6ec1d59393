// Package models defines the shared data structures for the Invariant Gateway:
// the canonical conversation schema every provider payload is normalized into,
// the MCP JSON-RPC framing types, guardrail rules and verdicts, and the
// Explorer trace-store wire types.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ── Canonical Conversation Model ─────────────────────────────

// Message roles. Tool results always map to RoleTool regardless of how the
// provider frames them.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn in the normalized conversation. Content is either a
// string or an ordered list of content parts (see TextPart/ImageURLPart).
// ToolCalls is only populated on assistant turns; ToolCallID only on tool
// turns, where it names the assistant tool-call the result answers.
type Message struct {
	Role       string      `json:"role"`
	Content    interface{} `json:"content,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
	Error      interface{} `json:"error,omitempty"`
}

// ToolCall is one function invocation requested by the assistant.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its arguments. Arguments are always
// a parsed object: converters decode the JSON-string form some providers
// emit, falling back to an empty object on undecodable input.
type FunctionCall struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// TextPart builds a canonical text content part.
func TextPart(text string) map[string]interface{} {
	return map[string]interface{}{"type": "text", "text": text}
}

// ImageURLPart builds a canonical image content part. URL may be a data URL
// (base64 image payloads are carried as data:<media_type>;base64,<data>).
func ImageURLPart(url string) map[string]interface{} {
	return map[string]interface{}{
		"type":      "image_url",
		"image_url": map[string]interface{}{"url": url},
	}
}

// ContentText flattens a message content value (string or part list) into
// plain text. Image parts contribute nothing.
func ContentText(content interface{}) string {
	switch c := content.(type) {
	case string:
		return c
	case []interface{}:
		var sb strings.Builder
		for _, p := range c {
			part, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if t, ok := part["text"].(string); ok {
				sb.WriteString(t)
			}
		}
		return sb.String()
	default:
		return ""
	}
}

// ToolCallID formats the stable tool-call id for a JSON-RPC request id, so
// the paired tool response can be bound across transport hops.
func ToolCallID(requestID interface{}) string {
	return "call_" + RequestIDString(requestID)
}

// RequestIDString renders a JSON-RPC id (string or number) to a stable string.
// Integral floats print without a decimal point, matching their wire form.
func RequestIDString(id interface{}) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

// ParseArguments decodes a tool-call arguments value into an object. String
// input is parsed as JSON; undecodable or empty input yields an empty object.
func ParseArguments(raw interface{}) map[string]interface{} {
	switch v := raw.(type) {
	case map[string]interface{}:
		return v
	case string:
		if v == "" {
			return map[string]interface{}{}
		}
		var out map[string]interface{}
		if err := json.Unmarshal([]byte(v), &out); err != nil || out == nil {
			return map[string]interface{}{}
		}
		return out
	case nil:
		return map[string]interface{}{}
	default:
		return map[string]interface{}{}
	}
}

// ── Guardrails ───────────────────────────────────────────────

// GuardrailAction decides what a firing rule does to the proxied call.
type GuardrailAction string

const (
	// GuardrailActionBlock short-circuits the request or response.
	GuardrailActionBlock GuardrailAction = "block"
	// GuardrailActionLog only records an Explorer annotation.
	GuardrailActionLog GuardrailAction = "log"
	// GuardrailActionPaused disables the rule without deleting it.
	GuardrailActionPaused GuardrailAction = "paused"
)

// Guardrail is one named policy rule. Content holds the policy source text
// submitted verbatim to the guardrails service.
type Guardrail struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Content string          `json:"content"`
	Enabled bool            `json:"enabled"`
	Action  GuardrailAction `json:"action"`
}

// GuardrailRuleSet is the effective rule set for one request, split by
// action. Ordering within each group is preserved for deterministic error
// attribution.
type GuardrailRuleSet struct {
	Blocking []Guardrail `json:"blocking"`
	Logging  []Guardrail `json:"logging"`
}

// Empty reports whether no rules apply.
func (rs *GuardrailRuleSet) Empty() bool {
	return rs == nil || (len(rs.Blocking) == 0 && len(rs.Logging) == 0)
}

// GuardrailInfo identifies the rule an error was attributed to.
type GuardrailInfo struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Action GuardrailAction `json:"action"`
}

// ErrorRange points into the canonical message list using a dotted path
// (for example "messages.3.content.0.text"), optionally with character
// offsets into the addressed text.
type ErrorRange struct {
	JSONPath string `json:"json_path"`
	Start    *int   `json:"start,omitempty"`
	End      *int   `json:"end,omitempty"`
}

// Address renders the range as an annotation address, appending ":start-end"
// when both offsets are present.
func (r ErrorRange) Address() string {
	if r.Start != nil && r.End != nil {
		return fmt.Sprintf("%s:%d-%d", r.JSONPath, *r.Start, *r.End)
	}
	return r.JSONPath
}

// GuardrailError is one policy violation returned by the guardrails service.
type GuardrailError struct {
	Args      []interface{}          `json:"args,omitempty"`
	Kwargs    map[string]interface{} `json:"kwargs,omitempty"`
	Ranges    []ErrorRange           `json:"ranges,omitempty"`
	Guardrail *GuardrailInfo         `json:"guardrail,omitempty"`
}

// Text renders the error's human-readable verdict (the joined string args).
func (e GuardrailError) Text() string {
	parts := make([]string, 0, len(e.Args))
	for _, a := range e.Args {
		if s, ok := a.(string); ok {
			parts = append(parts, s)
		} else {
			parts = append(parts, fmt.Sprintf("%v", a))
		}
	}
	return strings.Join(parts, " ")
}

// CheckResult is the guardrails service response for one policy evaluation.
type CheckResult struct {
	Errors []GuardrailError `json:"errors"`
}

// GuardrailEvaluation is the combined verdict across a rule set, partitioned
// by the action of the rule each error came from.
type GuardrailEvaluation struct {
	BlockingErrors []GuardrailError `json:"blocking_errors"`
	LoggingErrors  []GuardrailError `json:"logging_errors"`
}

// Blocked reports whether any blocking rule fired.
func (e *GuardrailEvaluation) Blocked() bool {
	return e != nil && len(e.BlockingErrors) > 0
}

// AllErrors returns blocking then logging errors, preserving group order.
func (e *GuardrailEvaluation) AllErrors() []GuardrailError {
	if e == nil {
		return nil
	}
	out := make([]GuardrailError, 0, len(e.BlockingErrors)+len(e.LoggingErrors))
	out = append(out, e.BlockingErrors...)
	out = append(out, e.LoggingErrors...)
	return out
}

// ── Annotations ──────────────────────────────────────────────

// AnnotationSource marks annotations produced from guardrail errors.
const AnnotationSource = "guardrails-error"

// Annotation is a pointer into a trace carrying a guardrail verdict.
// Address uses the same dotted-path form as ErrorRange.Address.
type Annotation struct {
	Content string                 `json:"content"`
	Address string                 `json:"address"`
	Extra   map[string]interface{} `json:"extra_metadata,omitempty"`
}

// Key is the dedup fingerprint: content, address, and a stable rendering of
// the extra metadata.
func (a Annotation) Key() string {
	return a.Content + "\x00" + a.Address + "\x00" + stableJSON(a.Extra)
}

// AnnotationsFromErrors expands guardrail errors into annotations, one per
// error × range. Errors without ranges produce a single annotation at the
// given fallback address (empty fallback drops them).
func AnnotationsFromErrors(errs []GuardrailError, fallbackAddress string) []Annotation {
	var out []Annotation
	for _, e := range errs {
		extra := map[string]interface{}{"source": AnnotationSource}
		if e.Guardrail != nil {
			extra["guardrail"] = map[string]interface{}{
				"id":     e.Guardrail.ID,
				"name":   e.Guardrail.Name,
				"action": string(e.Guardrail.Action),
			}
		}
		if len(e.Ranges) == 0 {
			if fallbackAddress != "" {
				out = append(out, Annotation{Content: e.Text(), Address: fallbackAddress, Extra: extra})
			}
			continue
		}
		for _, r := range e.Ranges {
			out = append(out, Annotation{Content: e.Text(), Address: r.Address(), Extra: extra})
		}
	}
	return out
}

// stableJSON marshals a map with sorted keys so equal maps always render
// identically.
func stableJSON(m map[string]interface{}) string {
	if len(m) == 0 {
		return "{}"
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		kb, _ := json.Marshal(k)
		sb.Write(kb)
		sb.WriteByte(':')
		switch v := m[k].(type) {
		case map[string]interface{}:
			sb.WriteString(stableJSON(v))
		default:
			vb, _ := json.Marshal(v)
			sb.Write(vb)
		}
	}
	sb.WriteByte('}')
	return sb.String()
}

// ── MCP Protocol Types ───────────────────────────────────────

// JSON-RPC error codes used by the gateway.
const (
	MCPErrInvalidRequest = -32600
	MCPErrMethodNotFound = -32601
	MCPErrInvalidParams  = -32602
	MCPErrInternal       = -32603
)

type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id,omitempty"`
}

// IsNotification reports whether the request expects no response.
func (r *MCPRequest) IsNotification() bool {
	return r.ID == nil
}

type MCPResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type MCPToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type MCPToolInfo struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
	Annotations map[string]interface{} `json:"annotations,omitempty"`
}

// ── Explorer Wire Types ──────────────────────────────────────

// PushTraceRequest creates one or more traces, optionally under a dataset.
// Messages, annotations, and metadata are parallel per-trace slices.
type PushTraceRequest struct {
	Messages    [][]Message              `json:"messages"`
	Annotations [][]Annotation           `json:"annotations,omitempty"`
	Dataset     string                   `json:"dataset,omitempty"`
	Metadata    []map[string]interface{} `json:"metadata,omitempty"`
}

// PushTraceResponse carries the Explorer-assigned trace ids.
type PushTraceResponse struct {
	ID      []string `json:"id"`
	Dataset string   `json:"dataset,omitempty"`
	Success bool     `json:"success,omitempty"`
}

// AppendMessagesRequest grows an existing trace.
type AppendMessagesRequest struct {
	Messages    []Message    `json:"messages"`
	Annotations []Annotation `json:"annotations,omitempty"`
}
