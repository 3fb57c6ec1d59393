package convert_test

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/invariantlabs-ai/invariant-gateway/internal/convert"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

func mustParse(t *testing.T, raw string) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		t.Fatalf("parse test payload: %v", err)
	}
	return body
}

func TestOpenAIRequestMessages(t *testing.T) {
	body := mustParse(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "system", "content": "be safe"},
			{"role": "user", "content": "what is the weather in Paris?"},
			{"role": "assistant", "content": null, "tool_calls": [
				{"id": "call_abc", "type": "function",
				 "function": {"name": "get_weather", "arguments": "{\"city\": \"Paris\"}"}}
			]},
			{"role": "tool", "tool_call_id": "call_abc", "content": "sunny"}
		]
	}`)

	got := convert.OpenAIRequestMessages(body)
	if len(got) != 4 {
		t.Fatalf("OpenAIRequestMessages() returned %d messages, want 4", len(got))
	}
	if got[0].Role != models.RoleSystem || got[0].Content != "be safe" {
		t.Errorf("system message = %+v", got[0])
	}
	call := got[2].ToolCalls
	if len(call) != 1 {
		t.Fatalf("assistant tool calls = %d, want 1", len(call))
	}
	if call[0].ID != "call_abc" || call[0].Function.Name != "get_weather" {
		t.Errorf("tool call = %+v", call[0])
	}
	wantArgs := map[string]interface{}{"city": "Paris"}
	if !reflect.DeepEqual(call[0].Function.Arguments, wantArgs) {
		t.Errorf("arguments = %v, want %v", call[0].Function.Arguments, wantArgs)
	}
	if got[3].Role != models.RoleTool || got[3].ToolCallID != "call_abc" {
		t.Errorf("tool message = %+v", got[3])
	}
}

func TestOpenAIRequestMessages_InvalidArguments(t *testing.T) {
	body := mustParse(t, `{
		"messages": [
			{"role": "assistant", "tool_calls": [
				{"id": "c1", "type": "function", "function": {"name": "f", "arguments": "{not json"}}
			]}
		]
	}`)

	got := convert.OpenAIRequestMessages(body)
	if len(got) != 1 || len(got[0].ToolCalls) != 1 {
		t.Fatalf("unexpected conversion result: %+v", got)
	}
	if len(got[0].ToolCalls[0].Function.Arguments) != 0 {
		t.Errorf("invalid arguments should degrade to empty object, got %v", got[0].ToolCalls[0].Function.Arguments)
	}
}

func TestOpenAIRequestMessages_Malformed(t *testing.T) {
	bodies := []map[string]interface{}{
		nil,
		{},
		{"messages": "not a list"},
		{"messages": []interface{}{"not a map", 42.0, nil}},
	}
	for i, body := range bodies {
		if got := convert.OpenAIRequestMessages(body); len(got) != 0 {
			t.Errorf("case %d: got %d messages, want 0", i, len(got))
		}
	}

	// A non-string role degrades to an empty role, not a panic.
	weird := map[string]interface{}{
		"messages": []interface{}{map[string]interface{}{"role": 7.0, "content": "x"}},
	}
	got := convert.OpenAIRequestMessages(weird)
	if len(got) != 1 || got[0].Role != "" {
		t.Errorf("non-string role: got %+v", got)
	}
}

func TestOpenAIResponseMessages_UnaryAndDelta(t *testing.T) {
	unary := mustParse(t, `{
		"choices": [{"index": 0, "message": {"role": "assistant", "content": "hi"}}]
	}`)
	streamed := mustParse(t, `{
		"choices": [{"index": 0, "delta": {"content": "hi"}}]
	}`)

	gotUnary := convert.OpenAIResponseMessages(unary)
	gotStream := convert.OpenAIResponseMessages(streamed)
	if len(gotUnary) != 1 || len(gotStream) != 1 {
		t.Fatalf("got %d unary, %d streamed messages, want 1 each", len(gotUnary), len(gotStream))
	}
	if gotUnary[0].Role != models.RoleAssistant || gotStream[0].Role != models.RoleAssistant {
		t.Errorf("roles = %q, %q, want assistant for both", gotUnary[0].Role, gotStream[0].Role)
	}
	if gotUnary[0].Content != "hi" || gotStream[0].Content != "hi" {
		t.Errorf("contents = %v, %v, want \"hi\" for both", gotUnary[0].Content, gotStream[0].Content)
	}
}

func TestOpenAIStreamMerger_Text(t *testing.T) {
	m := convert.NewOpenAIStreamMerger()
	chunks := []string{
		`{"id": "cmpl-1", "model": "gpt-4o", "choices": [{"index": 0, "delta": {"role": "assistant"}}]}`,
		`{"id": "cmpl-1", "choices": [{"index": 0, "delta": {"content": "Hello"}}]}`,
		`{"id": "cmpl-1", "choices": [{"index": 0, "delta": {"content": ", world"}}]}`,
		`{"id": "cmpl-1", "choices": [{"index": 0, "delta": {}, "finish_reason": "stop"}], "usage": {"total_tokens": 7}}`,
		`[DONE]`,
	}
	for _, c := range chunks {
		m.Add(c)
	}

	if !m.Done() {
		t.Error("Done() = false after [DONE]")
	}
	merged := m.Merged()
	if merged["id"] != "cmpl-1" || merged["model"] != "gpt-4o" {
		t.Errorf("latched fields = %v, %v", merged["id"], merged["model"])
	}
	msgs := convert.OpenAIResponseMessages(merged)
	if len(msgs) != 1 {
		t.Fatalf("merged produced %d messages, want 1", len(msgs))
	}
	if msgs[0].Content != "Hello, world" {
		t.Errorf("merged content = %v, want %q", msgs[0].Content, "Hello, world")
	}
}

func TestOpenAIStreamMerger_ToolCalls(t *testing.T) {
	m := convert.NewOpenAIStreamMerger()
	chunks := []string{
		`{"choices": [{"index": 0, "delta": {"role": "assistant", "tool_calls": [
			{"index": 0, "id": "call_a", "type": "function", "function": {"name": "get_weather", "arguments": ""}}]}}]}`,
		`{"choices": [{"index": 0, "delta": {"tool_calls": [
			{"index": 0, "function": {"arguments": "{\"city\": "}}]}}]}`,
		`{"choices": [{"index": 0, "delta": {"tool_calls": [
			{"index": 1, "id": "call_b", "type": "function", "function": {"name": "get_time", "arguments": "{}"}}]}}]}`,
		`{"choices": [{"index": 0, "delta": {"tool_calls": [
			{"index": 0, "function": {"arguments": "\"Paris\"}"}}]}}]}`,
		`[DONE]`,
	}
	for _, c := range chunks {
		m.Add(c)
	}

	msgs := convert.OpenAIResponseMessages(m.Merged())
	if len(msgs) != 1 {
		t.Fatalf("merged produced %d messages, want 1", len(msgs))
	}
	calls := msgs[0].ToolCalls
	if len(calls) != 2 {
		t.Fatalf("merged tool calls = %d, want 2", len(calls))
	}
	if calls[0].ID != "call_a" || calls[0].Function.Name != "get_weather" {
		t.Errorf("first call = %+v", calls[0])
	}
	wantArgs := map[string]interface{}{"city": "Paris"}
	if !reflect.DeepEqual(calls[0].Function.Arguments, wantArgs) {
		t.Errorf("first call arguments = %v, want %v", calls[0].Function.Arguments, wantArgs)
	}
	if calls[1].ID != "call_b" || calls[1].Function.Name != "get_time" {
		t.Errorf("second call = %+v", calls[1])
	}
}

// Merging a stream and converting the result must produce the same
// canonical messages as converting the equivalent unary response.
func TestOpenAIStreamMerger_UnaryEquivalence(t *testing.T) {
	unary := mustParse(t, `{
		"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {
			"role": "assistant",
			"content": "checking",
			"tool_calls": [{"id": "call_a", "type": "function",
				"function": {"name": "get_weather", "arguments": "{\"city\":\"Paris\"}"}}]
		}}]
	}`)

	m := convert.NewOpenAIStreamMerger()
	for _, c := range []string{
		`{"choices": [{"index": 0, "delta": {"role": "assistant", "content": "check"}}]}`,
		`{"choices": [{"index": 0, "delta": {"content": "ing", "tool_calls": [
			{"index": 0, "id": "call_a", "type": "function", "function": {"name": "get_weather", "arguments": "{\"city\":"}}]}}]}`,
		`{"choices": [{"index": 0, "delta": {"tool_calls": [
			{"index": 0, "function": {"arguments": "\"Paris\"}"}}]}, "finish_reason": "tool_calls"}]}`,
		`[DONE]`,
	} {
		m.Add(c)
	}

	want := convert.OpenAIResponseMessages(unary)
	got := convert.OpenAIResponseMessages(m.Merged())
	if !reflect.DeepEqual(got, want) {
		t.Errorf("merged conversion = %+v, want %+v", got, want)
	}
}

func TestOpenAIStreamMerger_SkipsMalformedChunks(t *testing.T) {
	m := convert.NewOpenAIStreamMerger()
	m.Add(`{"choices": [{"index": 0, "delta": {"content": "ok"}}]}`)
	m.Add(`{"broken`)
	m.Add(``)
	m.Add(`{"choices": [{"index": 0, "delta": {"content": "!"}}]}`)

	msgs := convert.OpenAIResponseMessages(m.Merged())
	if len(msgs) != 1 || msgs[0].Content != "ok!" {
		t.Errorf("merged after malformed chunks = %+v, want content %q", msgs, "ok!")
	}
}

func TestOpenAITrace(t *testing.T) {
	req := mustParse(t, `{"messages": [{"role": "user", "content": "hi"}]}`)
	resp := mustParse(t, `{"choices": [{"index": 0, "message": {"role": "assistant", "content": "hello"}}]}`)

	got := convert.OpenAITrace(req, resp)
	if len(got) != 2 {
		t.Fatalf("OpenAITrace() returned %d messages, want 2", len(got))
	}
	if got[0].Role != models.RoleUser || got[1].Role != models.RoleAssistant {
		t.Errorf("trace roles = %q, %q", got[0].Role, got[1].Role)
	}

	if got := convert.OpenAITrace(req, nil); len(got) != 1 {
		t.Errorf("OpenAITrace() with nil response returned %d messages, want 1", len(got))
	}
}
