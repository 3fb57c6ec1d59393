package convert

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// ── Gemini → Canonical ───────────────────────────────────────

// geminiState synthesizes tool-call ids for a conversion pass. Gemini
// carries no ids on the wire, so calls get ordinal ids and each
// functionResponse is paired FIFO with the oldest unanswered call of the
// same function name.
type geminiState struct {
	counter int
	open    map[string][]string
}

func newGeminiState() *geminiState {
	return &geminiState{open: make(map[string][]string)}
}

func (s *geminiState) callID(name string) string {
	s.counter++
	id := fmt.Sprintf("call_%d", s.counter)
	s.open[name] = append(s.open[name], id)
	return id
}

func (s *geminiState) responseID(name string) string {
	ids := s.open[name]
	if len(ids) == 0 {
		return "call_" + name
	}
	s.open[name] = ids[1:]
	return ids[0]
}

// GeminiRequestMessages extracts the canonical messages from a Gemini
// generateContent request body. The systemInstruction becomes a leading
// system message, model turns map to assistant, and functionCall and
// functionResponse parts fan out into tool-call and tool-role messages.
func GeminiRequestMessages(body map[string]interface{}) []models.Message {
	return geminiRequestMessages(body, newGeminiState())
}

// GeminiResponseMessages extracts the canonical messages from a Gemini
// response body, unary or merged from a stream. Tool-call ids are ordinals
// local to this conversion; use GeminiTrace when the request side of the
// exchange is available.
func GeminiResponseMessages(body map[string]interface{}) []models.Message {
	return geminiResponseMessages(body, newGeminiState())
}

// GeminiTrace builds the full canonical trace for one proxied exchange,
// threading tool-call id state across the request and response so that
// functionResponse parts pair with the calls that produced them.
func GeminiTrace(reqBody, respBody map[string]interface{}) []models.Message {
	st := newGeminiState()
	trace := geminiRequestMessages(reqBody, st)
	if respBody != nil {
		trace = append(trace, geminiResponseMessages(respBody, st)...)
	}
	return trace
}

func geminiRequestMessages(body map[string]interface{}, st *geminiState) []models.Message {
	var out []models.Message
	instruction := body["systemInstruction"]
	if instruction == nil {
		instruction = body["system_instruction"]
	}
	if system := geminiSystemText(instruction); system != "" {
		out = append(out, models.Message{Role: models.RoleSystem, Content: system})
	}
	contents, _ := body["contents"].([]interface{})
	for _, c := range contents {
		content, ok := c.(map[string]interface{})
		if !ok {
			if text, ok := c.(string); ok {
				out = append(out, models.Message{Role: models.RoleUser, Content: text})
			}
			continue
		}
		out = append(out, geminiContentMessages(content, st)...)
	}
	return out
}

func geminiResponseMessages(body map[string]interface{}, st *geminiState) []models.Message {
	var out []models.Message
	candidates, _ := body["candidates"].([]interface{})
	for _, c := range candidates {
		candidate, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		content, ok := candidate["content"].(map[string]interface{})
		if !ok {
			continue
		}
		if _, hasRole := content["role"]; !hasRole {
			content = copyMap(content)
			content["role"] = "model"
		}
		out = append(out, geminiContentMessages(content, st)...)
	}
	return out
}

func geminiSystemText(instruction interface{}) string {
	switch v := instruction.(type) {
	case string:
		return v
	case map[string]interface{}:
		parts, _ := v["parts"].([]interface{})
		var texts []string
		for _, p := range parts {
			part, ok := p.(map[string]interface{})
			if !ok {
				continue
			}
			if text, ok := part["text"].(string); ok {
				texts = append(texts, text)
			}
		}
		return strings.Join(texts, " ")
	default:
		return ""
	}
}

// geminiContentMessages fans one contents entry out into canonical
// messages, preserving part order: contiguous text and inlineData parts
// collapse into a single message, functionCall and functionResponse parts
// each become their own message.
func geminiContentMessages(content map[string]interface{}, st *geminiState) []models.Message {
	role, _ := content["role"].(string)
	canonicalRole := models.RoleUser
	if role == "model" {
		canonicalRole = models.RoleAssistant
	}

	var out []models.Message
	var parts []interface{}
	textOnly := true
	flush := func() {
		if len(parts) == 0 {
			return
		}
		var body interface{} = parts
		if textOnly && len(parts) == 1 {
			if m, ok := parts[0].(map[string]interface{}); ok {
				body = m["text"]
			}
		}
		out = append(out, models.Message{Role: canonicalRole, Content: body})
		parts = nil
		textOnly = true
	}

	rawParts, _ := content["parts"].([]interface{})
	for _, p := range rawParts {
		part, ok := p.(map[string]interface{})
		if !ok {
			continue
		}
		switch {
		case part["text"] != nil:
			text, _ := part["text"].(string)
			parts = append(parts, models.TextPart(text))
		case part["inlineData"] != nil || part["inline_data"] != nil:
			data := part["inlineData"]
			if data == nil {
				data = part["inline_data"]
			}
			if url := geminiInlineDataURL(data); url != "" {
				parts = append(parts, models.ImageURLPart(url))
				textOnly = false
			}
		case part["functionCall"] != nil:
			flush()
			out = append(out, geminiFunctionCallMessage(part["functionCall"], st))
		case part["functionResponse"] != nil:
			flush()
			out = append(out, geminiFunctionResponseMessage(part["functionResponse"], st))
		default:
			log.Debug().Msg("Skipping unsupported Gemini part")
		}
	}
	flush()
	return out
}

func geminiFunctionCallMessage(raw interface{}, st *geminiState) models.Message {
	call, _ := raw.(map[string]interface{})
	name, _ := call["name"].(string)
	return models.Message{
		Role:    models.RoleAssistant,
		Content: "",
		ToolCalls: []models.ToolCall{{
			ID:   st.callID(name),
			Type: "function",
			Function: models.FunctionCall{
				Name:      name,
				Arguments: models.ParseArguments(call["args"]),
			},
		}},
	}
}

func geminiFunctionResponseMessage(raw interface{}, st *geminiState) models.Message {
	response, _ := raw.(map[string]interface{})
	name, _ := response["name"].(string)
	return models.Message{
		Role:       models.RoleTool,
		ToolCallID: st.responseID(name),
		ToolName:   name,
		Content:    response["response"],
	}
}

func geminiInlineDataURL(raw interface{}) string {
	data, ok := raw.(map[string]interface{})
	if !ok {
		return ""
	}
	mimeType, _ := data["mimeType"].(string)
	if mimeType == "" {
		mimeType, _ = data["mime_type"].(string)
	}
	payload, _ := data["data"].(string)
	if payload == "" {
		return ""
	}
	return fmt.Sprintf("data:%s;base64,%s", mimeType, payload)
}

// ── Gemini Stream Merger ─────────────────────────────────────

type geminiCandidateSlot struct {
	role         string
	parts        []interface{} // *strings.Builder entries hold open text runs
	openText     *strings.Builder
	finishReason interface{}
	extra        map[string]interface{}
}

// GeminiStreamMerger folds streamGenerateContent chunks into a response
// object of the unary shape. Text parts concatenate into the open text run
// of their candidate, other parts append in arrival order, and top-level
// metadata such as usageMetadata is last-wins.
type GeminiStreamMerger struct {
	top        map[string]interface{}
	candidates map[int]*geminiCandidateSlot
}

func NewGeminiStreamMerger() *GeminiStreamMerger {
	return &GeminiStreamMerger{
		top:        make(map[string]interface{}),
		candidates: make(map[int]*geminiCandidateSlot),
	}
}

// Add folds one "data:" payload into the merger.
func (m *GeminiStreamMerger) Add(data string) {
	data = strings.TrimSpace(data)
	if data == "" {
		return
	}
	var chunk map[string]interface{}
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		log.Debug().Str("chunk", truncate(data, 200)).Err(err).Msg("Skipping malformed Gemini stream chunk")
		return
	}
	for k, v := range chunk {
		if k == "candidates" {
			continue
		}
		m.top[k] = v
	}
	rawCandidates, _ := chunk["candidates"].([]interface{})
	for _, rc := range rawCandidates {
		candidate, ok := rc.(map[string]interface{})
		if !ok {
			continue
		}
		m.addCandidate(candidate)
	}
}

func (m *GeminiStreamMerger) addCandidate(candidate map[string]interface{}) {
	idx := intField(candidate, "index")
	slot, ok := m.candidates[idx]
	if !ok {
		slot = &geminiCandidateSlot{extra: make(map[string]interface{})}
		m.candidates[idx] = slot
	}
	for k, v := range candidate {
		switch k {
		case "content", "index":
		case "finishReason":
			slot.finishReason = v
		default:
			slot.extra[k] = v
		}
	}
	content, _ := candidate["content"].(map[string]interface{})
	if content == nil {
		return
	}
	if role, ok := content["role"].(string); ok && role != "" {
		slot.role = role
	}
	rawParts, _ := content["parts"].([]interface{})
	for _, rp := range rawParts {
		part, ok := rp.(map[string]interface{})
		if !ok {
			continue
		}
		if text, ok := part["text"].(string); ok && len(part) == 1 {
			if slot.openText == nil {
				slot.openText = &strings.Builder{}
				slot.parts = append(slot.parts, slot.openText)
			}
			slot.openText.WriteString(text)
			continue
		}
		slot.openText = nil
		slot.parts = append(slot.parts, part)
	}
}

// Merged materializes the accumulated state as a unary-shaped response
// body.
func (m *GeminiStreamMerger) Merged() map[string]interface{} {
	out := make(map[string]interface{}, len(m.top)+1)
	for k, v := range m.top {
		out[k] = v
	}

	indexes := make([]int, 0, len(m.candidates))
	for i := range m.candidates {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	candidates := make([]interface{}, 0, len(indexes))
	for _, i := range indexes {
		slot := m.candidates[i]
		role := slot.role
		if role == "" {
			role = "model"
		}
		parts := make([]interface{}, 0, len(slot.parts))
		for _, p := range slot.parts {
			if b, ok := p.(*strings.Builder); ok {
				parts = append(parts, map[string]interface{}{"text": b.String()})
				continue
			}
			parts = append(parts, p)
		}
		candidate := map[string]interface{}{
			"index":   i,
			"content": map[string]interface{}{"role": role, "parts": parts},
		}
		if slot.finishReason != nil {
			candidate["finishReason"] = slot.finishReason
		}
		for k, v := range slot.extra {
			candidate[k] = v
		}
		candidates = append(candidates, candidate)
	}
	out["candidates"] = candidates
	return out
}
