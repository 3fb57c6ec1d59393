package models

import (
	"encoding/json"
	"testing"
)

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want string
	}{
		{"object passthrough", map[string]interface{}{"city": "Paris"}, `{"city":"Paris"}`},
		{"json string", `{"city":"Paris"}`, `{"city":"Paris"}`},
		{"empty string", "", `{}`},
		{"garbage string", `{"city":`, `{}`},
		{"nil", nil, `{}`},
		{"number", 42.0, `{}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := json.Marshal(ParseArguments(tt.in))
			if string(got) != tt.want {
				t.Errorf("ParseArguments(%v) = %s, want %s", tt.in, got, tt.want)
			}
		})
	}
}

func TestRequestIDString(t *testing.T) {
	tests := []struct {
		in   interface{}
		want string
	}{
		{"abc", "abc"},
		{float64(7), "7"},
		{float64(7.5), "7.5"},
		{3, "3"},
		{nil, ""},
		{json.Number("12"), "12"},
	}
	for _, tt := range tests {
		if got := RequestIDString(tt.in); got != tt.want {
			t.Errorf("RequestIDString(%v) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestToolCallID(t *testing.T) {
	if got := ToolCallID(float64(3)); got != "call_3" {
		t.Errorf("ToolCallID(3) = %q, want %q", got, "call_3")
	}
}

func TestContentText(t *testing.T) {
	if got := ContentText("hello"); got != "hello" {
		t.Errorf("ContentText(string) = %q, want %q", got, "hello")
	}
	parts := []interface{}{
		map[string]interface{}{"type": "text", "text": "a"},
		map[string]interface{}{"type": "image_url", "image_url": map[string]interface{}{"url": "data:x"}},
		map[string]interface{}{"type": "text", "text": "b"},
	}
	if got := ContentText(parts); got != "ab" {
		t.Errorf("ContentText(parts) = %q, want %q", got, "ab")
	}
	if got := ContentText(42); got != "" {
		t.Errorf("ContentText(42) = %q, want empty", got)
	}
}

func TestErrorRangeAddress(t *testing.T) {
	start, end := 22, 26
	r := ErrorRange{JSONPath: "messages.3.content.0.text", Start: &start, End: &end}
	if got := r.Address(); got != "messages.3.content.0.text:22-26" {
		t.Errorf("Address() = %q", got)
	}
	r2 := ErrorRange{JSONPath: "messages.2.tool_calls.0"}
	if got := r2.Address(); got != "messages.2.tool_calls.0" {
		t.Errorf("Address() = %q", got)
	}
}

func TestAnnotationsFromErrors(t *testing.T) {
	errs := []GuardrailError{
		{
			Args:   []interface{}{"Madrid detected in the response"},
			Ranges: []ErrorRange{{JSONPath: "messages.1.content"}},
			Guardrail: &GuardrailInfo{
				ID: "g1", Name: "no-madrid", Action: GuardrailActionBlock,
			},
		},
		{Args: []interface{}{"rangeless"}},
	}

	anns := AnnotationsFromErrors(errs, "messages.0")
	if len(anns) != 2 {
		t.Fatalf("got %d annotations, want 2", len(anns))
	}
	if anns[0].Content != "Madrid detected in the response" {
		t.Errorf("content = %q", anns[0].Content)
	}
	if anns[0].Address != "messages.1.content" {
		t.Errorf("address = %q", anns[0].Address)
	}
	if anns[0].Extra["source"] != AnnotationSource {
		t.Errorf("extra source = %v", anns[0].Extra["source"])
	}
	if anns[1].Address != "messages.0" {
		t.Errorf("fallback address = %q", anns[1].Address)
	}

	// Dropping rangeless errors when no fallback address exists.
	anns = AnnotationsFromErrors(errs[1:], "")
	if len(anns) != 0 {
		t.Errorf("got %d annotations, want 0", len(anns))
	}
}

func TestAnnotationKeyStable(t *testing.T) {
	a := Annotation{Content: "c", Address: "m.0", Extra: map[string]interface{}{"b": 1.0, "a": "x"}}
	b := Annotation{Content: "c", Address: "m.0", Extra: map[string]interface{}{"a": "x", "b": 1.0}}
	if a.Key() != b.Key() {
		t.Errorf("keys differ for equal annotations:\n%q\n%q", a.Key(), b.Key())
	}
	c := Annotation{Content: "c", Address: "m.1", Extra: a.Extra}
	if a.Key() == c.Key() {
		t.Error("keys equal for different addresses")
	}
}

func TestGuardrailEvaluation(t *testing.T) {
	var nilEval *GuardrailEvaluation
	if nilEval.Blocked() {
		t.Error("nil evaluation reported blocked")
	}
	eval := &GuardrailEvaluation{
		BlockingErrors: []GuardrailError{{Args: []interface{}{"bad"}}},
		LoggingErrors:  []GuardrailError{{Args: []interface{}{"meh"}}},
	}
	if !eval.Blocked() {
		t.Error("evaluation with blocking errors not blocked")
	}
	if got := len(eval.AllErrors()); got != 2 {
		t.Errorf("AllErrors() len = %d, want 2", got)
	}
}

func TestMessageJSONShape(t *testing.T) {
	msg := Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{{
			ID:   "call_1",
			Type: "function",
			Function: FunctionCall{
				Name:      "get_weather",
				Arguments: map[string]interface{}{"city": "NYC"},
			},
		}},
	}
	b, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var round map[string]interface{}
	if err := json.Unmarshal(b, &round); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, present := round["content"]; present {
		t.Error("empty content not omitted")
	}
	if _, present := round["tool_call_id"]; present {
		t.Error("empty tool_call_id not omitted")
	}
	calls := round["tool_calls"].([]interface{})
	fn := calls[0].(map[string]interface{})["function"].(map[string]interface{})
	if _, ok := fn["arguments"].(map[string]interface{}); !ok {
		t.Errorf("arguments marshalled as %T, want object", fn["arguments"])
	}
}

func TestGuardrailErrorText(t *testing.T) {
	e := GuardrailError{Args: []interface{}{"PII", "found", 3.0}}
	if got := e.Text(); got != "PII found 3" {
		t.Errorf("Text() = %q", got)
	}
}
