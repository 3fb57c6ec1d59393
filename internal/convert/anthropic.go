package convert

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// ── Anthropic → Canonical ────────────────────────────────────

// AnthropicRequestMessages extracts the canonical messages from an
// Anthropic /v1/messages request body. The top-level system prompt becomes
// a leading system message, assistant turns fan out into one canonical
// message per content block, and tool_result blocks become tool-role
// messages keyed by tool_use_id.
func AnthropicRequestMessages(body map[string]interface{}) []models.Message {
	var out []models.Message
	if system := anthropicSystemText(body["system"]); system != "" {
		out = append(out, models.Message{Role: models.RoleSystem, Content: system})
	}
	raw, _ := body["messages"].([]interface{})
	for _, m := range raw {
		msg, ok := m.(map[string]interface{})
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		switch role {
		case models.RoleAssistant:
			out = append(out, anthropicAssistantMessages(msg["content"])...)
		default:
			out = append(out, anthropicUserMessages(role, msg["content"])...)
		}
	}
	return out
}

// AnthropicResponseMessages extracts the canonical messages from an
// Anthropic response body, unary or merged from a stream. Each content
// block becomes its own assistant message so that downstream annotation
// addresses stay block-precise.
func AnthropicResponseMessages(body map[string]interface{}) []models.Message {
	return anthropicAssistantMessages(body["content"])
}

// AnthropicTrace builds the full canonical trace for one proxied exchange.
func AnthropicTrace(reqBody, respBody map[string]interface{}) []models.Message {
	trace := AnthropicRequestMessages(reqBody)
	if respBody != nil {
		trace = append(trace, AnthropicResponseMessages(respBody)...)
	}
	return trace
}

func anthropicSystemText(system interface{}) string {
	switch v := system.(type) {
	case string:
		return v
	case []interface{}:
		var parts []string
		for _, b := range v {
			block, ok := b.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := block["text"].(string); ok {
				parts = append(parts, text)
			}
		}
		return strings.Join(parts, " ")
	default:
		return ""
	}
}

func anthropicAssistantMessages(content interface{}) []models.Message {
	switch v := content.(type) {
	case string:
		return []models.Message{{Role: models.RoleAssistant, Content: v}}
	case []interface{}:
		var out []models.Message
		for _, b := range v {
			block, ok := b.(map[string]interface{})
			if !ok {
				continue
			}
			typ, _ := block["type"].(string)
			switch typ {
			case "text":
				text, _ := block["text"].(string)
				out = append(out, models.Message{Role: models.RoleAssistant, Content: text})
			case "tool_use":
				id, _ := block["id"].(string)
				name, _ := block["name"].(string)
				out = append(out, models.Message{
					Role:    models.RoleAssistant,
					Content: "",
					ToolCalls: []models.ToolCall{{
						ID:   id,
						Type: "function",
						Function: models.FunctionCall{
							Name:      name,
							Arguments: models.ParseArguments(block["input"]),
						},
					}},
				})
			default:
				log.Debug().Str("block_type", typ).Msg("Skipping unsupported Anthropic assistant block")
			}
		}
		return out
	default:
		return nil
	}
}

// anthropicUserMessages fans a user turn out into canonical messages,
// preserving block order: contiguous text and image blocks collapse into a
// single user message, each tool_result block becomes a tool message.
func anthropicUserMessages(role string, content interface{}) []models.Message {
	if role == "" {
		role = models.RoleUser
	}
	switch v := content.(type) {
	case string:
		return []models.Message{{Role: role, Content: v}}
	case []interface{}:
		var out []models.Message
		var parts []interface{}
		flush := func() {
			if len(parts) == 0 {
				return
			}
			out = append(out, models.Message{Role: role, Content: parts})
			parts = nil
		}
		for _, b := range v {
			block, ok := b.(map[string]interface{})
			if !ok {
				continue
			}
			typ, _ := block["type"].(string)
			switch typ {
			case "text":
				text, _ := block["text"].(string)
				parts = append(parts, models.TextPart(text))
			case "image":
				if url := anthropicImageURL(block["source"]); url != "" {
					parts = append(parts, models.ImageURLPart(url))
				}
			case "tool_result":
				flush()
				out = append(out, anthropicToolResultMessage(block))
			default:
				log.Debug().Str("block_type", typ).Msg("Skipping unsupported Anthropic user block")
			}
		}
		flush()
		return out
	default:
		return nil
	}
}

func anthropicToolResultMessage(block map[string]interface{}) models.Message {
	msg := models.Message{
		Role:    models.RoleTool,
		Content: anthropicToolResultContent(block["content"]),
	}
	if id, ok := block["tool_use_id"].(string); ok {
		msg.ToolCallID = id
	}
	if isErr, ok := block["is_error"].(bool); ok && isErr {
		msg.Error = true
	}
	return msg
}

func anthropicToolResultContent(content interface{}) interface{} {
	blocks, ok := content.([]interface{})
	if !ok {
		return content
	}
	parts := make([]interface{}, 0, len(blocks))
	for _, b := range blocks {
		block, ok := b.(map[string]interface{})
		if !ok {
			continue
		}
		typ, _ := block["type"].(string)
		switch typ {
		case "text":
			text, _ := block["text"].(string)
			parts = append(parts, models.TextPart(text))
		case "image":
			if url := anthropicImageURL(block["source"]); url != "" {
				parts = append(parts, models.ImageURLPart(url))
			}
		}
	}
	return parts
}

func anthropicImageURL(source interface{}) string {
	src, ok := source.(map[string]interface{})
	if !ok {
		return ""
	}
	typ, _ := src["type"].(string)
	switch typ {
	case "base64":
		mediaType, _ := src["media_type"].(string)
		data, _ := src["data"].(string)
		if data == "" {
			return ""
		}
		return fmt.Sprintf("data:%s;base64,%s", mediaType, data)
	case "url":
		url, _ := src["url"].(string)
		return url
	default:
		return ""
	}
}

// ── Anthropic Stream Merger ──────────────────────────────────

type anthropicBlockSlot struct {
	block    map[string]interface{}
	text     strings.Builder
	thinking strings.Builder
	jsonBuf  strings.Builder
}

// AnthropicStreamMerger folds /v1/messages stream events into a response
// object of the unary shape. Events are dispatched on their payload "type"
// field: content blocks accumulate by index, with tool_use input assembled
// from partial_json fragments, and message_delta folds stop metadata and
// usage into the message root. The message_stop event marks completion.
type AnthropicStreamMerger struct {
	message map[string]interface{}
	blocks  map[int]*anthropicBlockSlot
	done    bool
}

func NewAnthropicStreamMerger() *AnthropicStreamMerger {
	return &AnthropicStreamMerger{blocks: make(map[int]*anthropicBlockSlot)}
}

// Add folds one stream event payload into the merger.
func (m *AnthropicStreamMerger) Add(data string) {
	data = strings.TrimSpace(data)
	if data == "" {
		return
	}
	var event map[string]interface{}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		log.Debug().Str("event", truncate(data, 200)).Err(err).Msg("Skipping malformed Anthropic stream event")
		return
	}
	typ, _ := event["type"].(string)
	switch typ {
	case "message_start":
		if msg, ok := event["message"].(map[string]interface{}); ok {
			m.message = copyMap(msg)
		}
	case "content_block_start":
		idx := intField(event, "index")
		slot := &anthropicBlockSlot{}
		if block, ok := event["content_block"].(map[string]interface{}); ok {
			slot.block = copyMap(block)
			if text, ok := slot.block["text"].(string); ok {
				slot.text.WriteString(text)
			}
		} else {
			slot.block = map[string]interface{}{"type": "text"}
		}
		m.blocks[idx] = slot
	case "content_block_delta":
		idx := intField(event, "index")
		slot, ok := m.blocks[idx]
		if !ok {
			slot = &anthropicBlockSlot{block: map[string]interface{}{"type": "text"}}
			m.blocks[idx] = slot
		}
		delta, _ := event["delta"].(map[string]interface{})
		deltaType, _ := delta["type"].(string)
		switch deltaType {
		case "text_delta":
			text, _ := delta["text"].(string)
			slot.text.WriteString(text)
		case "input_json_delta":
			partial, _ := delta["partial_json"].(string)
			slot.jsonBuf.WriteString(partial)
		case "thinking_delta":
			text, _ := delta["thinking"].(string)
			slot.thinking.WriteString(text)
		case "signature_delta":
			if sig, ok := delta["signature"].(string); ok {
				slot.block["signature"] = sig
			}
		}
	case "content_block_stop":
		// Block contents are finalized lazily in Merged.
	case "message_delta":
		if m.message == nil {
			m.message = map[string]interface{}{"role": models.RoleAssistant}
		}
		if delta, ok := event["delta"].(map[string]interface{}); ok {
			for k, v := range delta {
				m.message[k] = v
			}
		}
		if usage, ok := event["usage"].(map[string]interface{}); ok {
			existing, _ := m.message["usage"].(map[string]interface{})
			if existing == nil {
				existing = make(map[string]interface{}, len(usage))
			}
			for k, v := range usage {
				existing[k] = v
			}
			m.message["usage"] = existing
		}
	case "message_stop":
		m.done = true
	case "ping", "":
		// Keep-alives carry no conversation state.
	default:
		log.Debug().Str("event_type", typ).Msg("Ignoring unknown Anthropic stream event")
	}
}

// Done reports whether the message_stop event has been folded in.
func (m *AnthropicStreamMerger) Done() bool { return m.done }

// Merged materializes the accumulated state as a unary-shaped response
// body.
func (m *AnthropicStreamMerger) Merged() map[string]interface{} {
	out := copyMap(m.message)
	if out == nil {
		out = map[string]interface{}{"role": models.RoleAssistant, "type": "message"}
	}

	indexes := make([]int, 0, len(m.blocks))
	for i := range m.blocks {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	content := make([]interface{}, 0, len(indexes))
	for _, i := range indexes {
		slot := m.blocks[i]
		block := copyMap(slot.block)
		typ, _ := block["type"].(string)
		switch typ {
		case "tool_use":
			if buffered := slot.jsonBuf.String(); buffered != "" {
				block["input"] = models.ParseArguments(buffered)
			} else if _, ok := block["input"]; !ok {
				block["input"] = map[string]interface{}{}
			}
		case "thinking":
			block["thinking"] = slot.thinking.String()
		default:
			block["text"] = slot.text.String()
		}
		content = append(content, block)
	}
	out["content"] = content
	return out
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
