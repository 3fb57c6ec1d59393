// Package convert maps provider-native payloads onto the canonical
// conversation schema and folds provider stream chunks back into
// unary-shaped response objects.
//
// Converters are total functions: unknown fields are ignored, malformed
// sub-objects degrade to best-effort output (empty arguments, skipped
// part), never an error. Payloads travel as dynamic JSON trees; typed
// structs only appear at the canonical boundary.
package convert

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// ── OpenAI → Canonical ───────────────────────────────────────

// OpenAIRequestMessages extracts the canonical messages from an OpenAI chat
// completions request body. The wire shape is already canonical except that
// tool-call arguments arrive as JSON strings, which are parsed into objects.
func OpenAIRequestMessages(body map[string]interface{}) []models.Message {
	raw, _ := body["messages"].([]interface{})
	out := make([]models.Message, 0, len(raw))
	for _, m := range raw {
		msg, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		out = append(out, openAIMessage(msg))
	}
	return out
}

// OpenAIResponseMessages extracts the assistant messages from an OpenAI
// response body, unary or merged from a stream. Choices are taken in index
// order; both the unary "message" key and the streamed "delta" key are
// accepted.
func OpenAIResponseMessages(body map[string]interface{}) []models.Message {
	choices, _ := body["choices"].([]interface{})
	out := make([]models.Message, 0, len(choices))
	for _, c := range choices {
		choice, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		msg, ok := choice["message"].(map[string]interface{})
		if !ok {
			msg, ok = choice["delta"].(map[string]interface{})
		}
		if !ok {
			continue
		}
		canonical := openAIMessage(msg)
		if canonical.Role == "" {
			canonical.Role = models.RoleAssistant
		}
		out = append(out, canonical)
	}
	return out
}

// OpenAITrace builds the full canonical trace for one proxied exchange.
func OpenAITrace(reqBody, respBody map[string]interface{}) []models.Message {
	trace := OpenAIRequestMessages(reqBody)
	if respBody != nil {
		trace = append(trace, OpenAIResponseMessages(respBody)...)
	}
	return trace
}

func openAIMessage(msg map[string]interface{}) models.Message {
	role, _ := msg["role"].(string)
	out := models.Message{
		Role:    role,
		Content: msg["content"],
	}
	if id, ok := msg["tool_call_id"].(string); ok {
		out.ToolCallID = id
	}
	if name, ok := msg["name"].(string); ok && role == models.RoleTool {
		out.ToolName = name
	}
	rawCalls, _ := msg["tool_calls"].([]interface{})
	for _, rc := range rawCalls {
		call, ok := rc.(map[string]interface{})
		if !ok {
			continue
		}
		out.ToolCalls = append(out.ToolCalls, openAIToolCall(call))
	}
	return out
}

func openAIToolCall(call map[string]interface{}) models.ToolCall {
	id, _ := call["id"].(string)
	typ, _ := call["type"].(string)
	if typ == "" {
		typ = "function"
	}
	fn, _ := call["function"].(map[string]interface{})
	name, _ := fn["name"].(string)
	return models.ToolCall{
		ID:   id,
		Type: typ,
		Function: models.FunctionCall{
			Name:      name,
			Arguments: models.ParseArguments(fn["arguments"]),
		},
	}
}

// ── OpenAI Stream Merger ─────────────────────────────────────

// OpenAIDoneSentinel is the payload of the terminal OpenAI stream frame.
const OpenAIDoneSentinel = "[DONE]"

type openAIToolSlot struct {
	id   string
	typ  string
	name string
	args strings.Builder
}

type openAIChoiceSlot struct {
	role         string
	content      strings.Builder
	hasContent   bool
	toolCalls    map[int]*openAIToolSlot
	finishReason interface{}
}

// OpenAIStreamMerger folds chat-completion chunks into a response object of
// the unary shape. Streamed choices map onto slots by index; tool calls by
// (choice index, tool index), with argument fragments concatenated in
// arrival order.
type OpenAIStreamMerger struct {
	top     map[string]interface{}
	choices map[int]*openAIChoiceSlot
	usage   interface{}
	done    bool
}

func NewOpenAIStreamMerger() *OpenAIStreamMerger {
	return &OpenAIStreamMerger{
		top:     make(map[string]interface{}),
		choices: make(map[int]*openAIChoiceSlot),
	}
}

// Add folds one "data:" payload into the merger. The "[DONE]" sentinel
// flips Done; malformed chunks are logged and skipped.
func (m *OpenAIStreamMerger) Add(data string) {
	data = strings.TrimSpace(data)
	if data == "" {
		return
	}
	if data == OpenAIDoneSentinel {
		m.done = true
		return
	}
	var chunk map[string]interface{}
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		log.Debug().Str("chunk", truncate(data, 200)).Err(err).Msg("Skipping malformed OpenAI stream chunk")
		return
	}

	for _, key := range []string{"id", "object", "created", "model", "system_fingerprint"} {
		if v, ok := chunk[key]; ok {
			if _, seen := m.top[key]; !seen {
				m.top[key] = v
			}
		}
	}
	if u, ok := chunk["usage"]; ok && u != nil {
		m.usage = u
	}

	rawChoices, _ := chunk["choices"].([]interface{})
	for _, rc := range rawChoices {
		choice, ok := rc.(map[string]interface{})
		if !ok {
			continue
		}
		m.addChoice(choice)
	}
}

func (m *OpenAIStreamMerger) addChoice(choice map[string]interface{}) {
	idx := intField(choice, "index")
	slot, ok := m.choices[idx]
	if !ok {
		slot = &openAIChoiceSlot{toolCalls: make(map[int]*openAIToolSlot)}
		m.choices[idx] = slot
	}
	if fr, ok := choice["finish_reason"]; ok && fr != nil {
		slot.finishReason = fr
	}
	delta, _ := choice["delta"].(map[string]interface{})
	if delta == nil {
		return
	}
	if role, ok := delta["role"].(string); ok && role != "" {
		slot.role = role
	}
	if content, ok := delta["content"].(string); ok {
		slot.content.WriteString(content)
		slot.hasContent = true
	}
	rawCalls, _ := delta["tool_calls"].([]interface{})
	for _, rc := range rawCalls {
		call, ok := rc.(map[string]interface{})
		if !ok {
			continue
		}
		tIdx := intField(call, "index")
		tSlot, ok := slot.toolCalls[tIdx]
		if !ok {
			tSlot = &openAIToolSlot{}
			slot.toolCalls[tIdx] = tSlot
		}
		if id, ok := call["id"].(string); ok && id != "" {
			tSlot.id = id
		}
		if typ, ok := call["type"].(string); ok && typ != "" {
			tSlot.typ = typ
		}
		if fn, ok := call["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok {
				tSlot.name += name
			}
			if args, ok := fn["arguments"].(string); ok {
				tSlot.args.WriteString(args)
			}
		}
	}
}

// Done reports whether the "[DONE]" sentinel has been folded in.
func (m *OpenAIStreamMerger) Done() bool { return m.done }

// Merged materializes the accumulated state as a unary-shaped response
// body. Tool-call arguments stay in their accumulated string form; the
// canonical converter parses them.
func (m *OpenAIStreamMerger) Merged() map[string]interface{} {
	out := make(map[string]interface{}, len(m.top)+2)
	for k, v := range m.top {
		out[k] = v
	}
	if m.usage != nil {
		out["usage"] = m.usage
	}

	indexes := make([]int, 0, len(m.choices))
	for i := range m.choices {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	choices := make([]interface{}, 0, len(indexes))
	for _, i := range indexes {
		slot := m.choices[i]
		role := slot.role
		if role == "" {
			role = models.RoleAssistant
		}
		message := map[string]interface{}{"role": role}
		if slot.hasContent {
			message["content"] = slot.content.String()
		}
		if len(slot.toolCalls) > 0 {
			tIdxs := make([]int, 0, len(slot.toolCalls))
			for t := range slot.toolCalls {
				tIdxs = append(tIdxs, t)
			}
			sort.Ints(tIdxs)
			calls := make([]interface{}, 0, len(tIdxs))
			for _, t := range tIdxs {
				ts := slot.toolCalls[t]
				typ := ts.typ
				if typ == "" {
					typ = "function"
				}
				calls = append(calls, map[string]interface{}{
					"id":   ts.id,
					"type": typ,
					"function": map[string]interface{}{
						"name":      ts.name,
						"arguments": ts.args.String(),
					},
				})
			}
			message["tool_calls"] = calls
		}
		choice := map[string]interface{}{
			"index":   i,
			"message": message,
		}
		if slot.finishReason != nil {
			choice["finish_reason"] = slot.finishReason
		}
		choices = append(choices, choice)
	}
	out["choices"] = choices
	return out
}

// ── Shared Helpers ───────────────────────────────────────────

func intField(m map[string]interface{}, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
