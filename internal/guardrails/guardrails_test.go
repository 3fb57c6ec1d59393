package guardrails_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/invariantlabs-ai/invariant-gateway/internal/guardrails"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// checkServer is a fake guardrails API that returns one violation whenever
// the submitted policy contains the word "fire".
type checkServer struct {
	mu       sync.Mutex
	calls    int
	policies []string
	auth     string
}

func (s *checkServer) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []models.Message       `json:"messages"`
			Policy   string                 `json:"policy"`
			Params   map[string]interface{} `json:"parameters"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.calls++
		s.policies = append(s.policies, req.Policy)
		s.auth = r.Header.Get("Authorization")
		s.mu.Unlock()

		result := models.CheckResult{}
		if req.Policy == "fire" {
			result.Errors = []models.GuardrailError{{
				Args:   []interface{}{"PolicyViolation", "matched " + req.Policy},
				Ranges: []models.ErrorRange{{JSONPath: "messages.0.content"}},
			}}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *guardrails.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return guardrails.NewClient(srv.URL, 5*time.Second)
}

func rule(name, content string, action models.GuardrailAction) models.Guardrail {
	return models.Guardrail{ID: "id-" + name, Name: name, Content: content, Enabled: true, Action: action}
}

func TestEvaluate_PartitionsByAction(t *testing.T) {
	srv := &checkServer{}
	client := newTestClient(t, srv.handler())

	rules := &models.GuardrailRuleSet{
		Blocking: []models.Guardrail{rule("blocker", "fire", models.GuardrailActionBlock)},
		Logging:  []models.Guardrail{rule("logger", "fire", models.GuardrailActionLog)},
	}
	messages := []models.Message{{Role: models.RoleUser, Content: "hi"}}

	eval, err := client.Evaluate(context.Background(), messages, rules, nil, "key-123")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(eval.BlockingErrors) != 1 || len(eval.LoggingErrors) != 1 {
		t.Fatalf("got %d blocking, %d logging errors, want 1 and 1", len(eval.BlockingErrors), len(eval.LoggingErrors))
	}
	if !eval.Blocked() {
		t.Error("Blocked() = false, want true")
	}

	blocking := eval.BlockingErrors[0]
	if blocking.Guardrail == nil || blocking.Guardrail.Name != "blocker" {
		t.Errorf("blocking error attribution = %+v, want rule blocker", blocking.Guardrail)
	}
	if blocking.Guardrail.Action != models.GuardrailActionBlock {
		t.Errorf("blocking error action = %q", blocking.Guardrail.Action)
	}
	logging := eval.LoggingErrors[0]
	if logging.Guardrail == nil || logging.Guardrail.Name != "logger" {
		t.Errorf("logging error attribution = %+v, want rule logger", logging.Guardrail)
	}

	if srv.auth != "Bearer key-123" {
		t.Errorf("Authorization = %q, want Bearer key-123", srv.auth)
	}
}

func TestEvaluate_PreservesRuleOrder(t *testing.T) {
	// Both rules fire; the first rule's violation must come first even
	// though checks run concurrently.
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Policy string `json:"policy"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Policy == "first" {
			time.Sleep(30 * time.Millisecond)
		}
		json.NewEncoder(w).Encode(models.CheckResult{Errors: []models.GuardrailError{{
			Args: []interface{}{req.Policy},
		}}})
	})

	rules := &models.GuardrailRuleSet{Blocking: []models.Guardrail{
		rule("a", "first", models.GuardrailActionBlock),
		rule("b", "second", models.GuardrailActionBlock),
	}}
	eval, err := client.Evaluate(context.Background(), nil, rules, nil, "")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(eval.BlockingErrors) != 2 {
		t.Fatalf("got %d blocking errors, want 2", len(eval.BlockingErrors))
	}
	if eval.BlockingErrors[0].Text() != "first" || eval.BlockingErrors[1].Text() != "second" {
		t.Errorf("error order = %q, %q, want first, second",
			eval.BlockingErrors[0].Text(), eval.BlockingErrors[1].Text())
	}
}

func TestEvaluate_SkipsDisabledAndPaused(t *testing.T) {
	srv := &checkServer{}
	client := newTestClient(t, srv.handler())

	disabled := rule("off", "fire", models.GuardrailActionBlock)
	disabled.Enabled = false
	rules := &models.GuardrailRuleSet{
		Blocking: []models.Guardrail{
			disabled,
			rule("paused", "fire", models.GuardrailActionPaused),
			rule("live", "calm", models.GuardrailActionBlock),
		},
	}

	eval, err := client.Evaluate(context.Background(), nil, rules, nil, "")
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if srv.calls != 1 {
		t.Errorf("check calls = %d, want 1 (disabled and paused rules must not run)", srv.calls)
	}
	if len(srv.policies) != 1 || srv.policies[0] != "calm" {
		t.Errorf("checked policies = %v, want [calm]", srv.policies)
	}
	if eval.Blocked() {
		t.Error("Blocked() = true, want false")
	}
}

func TestEvaluate_FailOpen(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "policy service on fire", http.StatusInternalServerError)
	})

	rules := &models.GuardrailRuleSet{
		Blocking: []models.Guardrail{rule("strict", "fire", models.GuardrailActionBlock)},
	}
	eval, err := client.Evaluate(context.Background(), nil, rules, nil, "")
	if err != nil {
		t.Fatalf("Evaluate() error = %v, want nil (fail-open)", err)
	}
	if eval.Blocked() {
		t.Error("Blocked() = true after failed check, want false")
	}
	if len(eval.AllErrors()) != 0 {
		t.Errorf("AllErrors() = %v, want empty", eval.AllErrors())
	}
}

func TestEvaluate_EmptyRuleSet(t *testing.T) {
	srv := &checkServer{}
	client := newTestClient(t, srv.handler())

	for _, rules := range []*models.GuardrailRuleSet{nil, {}} {
		eval, err := client.Evaluate(context.Background(), nil, rules, nil, "")
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if eval.Blocked() || len(eval.AllErrors()) != 0 {
			t.Errorf("empty rule set produced %+v", eval)
		}
	}
	if srv.calls != 0 {
		t.Errorf("check calls = %d, want 0", srv.calls)
	}
}
