package explorer_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/invariantlabs-ai/invariant-gateway/internal/explorer"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *explorer.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return explorer.NewClient(srv.URL, 5*time.Second)
}

func TestPushTrace(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody models.PushTraceRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		json.NewEncoder(w).Encode(models.PushTraceResponse{ID: []string{"trace-1"}, Success: true})
	})

	req := &models.PushTraceRequest{
		Messages: [][]models.Message{{{Role: models.RoleUser, Content: "hi"}}},
		Dataset:  "my-dataset",
		Metadata: []map[string]interface{}{{"source": "test"}},
	}
	resp, err := client.PushTrace(context.Background(), req, "key-1")
	if err != nil {
		t.Fatalf("PushTrace() error = %v", err)
	}
	if gotPath != "/api/v1/push/trace" {
		t.Errorf("path = %q, want /api/v1/push/trace", gotPath)
	}
	if gotAuth != "Bearer key-1" {
		t.Errorf("Authorization = %q, want Bearer key-1", gotAuth)
	}
	if gotBody.Dataset != "my-dataset" || len(gotBody.Messages) != 1 {
		t.Errorf("pushed body = %+v", gotBody)
	}
	if len(resp.ID) != 1 || resp.ID[0] != "trace-1" {
		t.Errorf("response ids = %v, want [trace-1]", resp.ID)
	}
}

func TestPushTrace_RetriesOnServerError(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			http.Error(w, "try later", http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(models.PushTraceResponse{ID: []string{"trace-2"}})
	})

	resp, err := client.PushTrace(context.Background(), &models.PushTraceRequest{}, "")
	if err != nil {
		t.Fatalf("PushTrace() error = %v, want success after retries", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if len(resp.ID) != 1 || resp.ID[0] != "trace-2" {
		t.Errorf("response ids = %v", resp.ID)
	}
}

func TestPushTrace_NoRetryOnClientError(t *testing.T) {
	var calls int32
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad payload", http.StatusBadRequest)
	})

	if _, err := client.PushTrace(context.Background(), &models.PushTraceRequest{}, ""); err == nil {
		t.Fatal("PushTrace() error = nil, want HTTP 400 error")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("calls = %d, want 1 (4xx must not be retried)", got)
	}
}

func TestAppendMessages(t *testing.T) {
	var gotPath string
	var gotBody models.AppendMessagesRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	})

	req := &models.AppendMessagesRequest{
		Messages:    []models.Message{{Role: models.RoleAssistant, Content: "hello"}},
		Annotations: []models.Annotation{{Content: "flagged", Address: "messages.0.content"}},
	}
	if err := client.AppendMessages(context.Background(), "trace-9", req, "key"); err != nil {
		t.Fatalf("AppendMessages() error = %v", err)
	}
	if gotPath != "/api/v1/trace/trace-9/messages" {
		t.Errorf("path = %q", gotPath)
	}
	if len(gotBody.Messages) != 1 || len(gotBody.Annotations) != 1 {
		t.Errorf("appended body = %+v", gotBody)
	}
}

func TestGetDatasetMetadata(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/dataset/metadata/me/prod-agent" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"guardrails": []interface{}{map[string]interface{}{"name": "r1"}},
		})
	})

	metadata, err := client.GetDatasetMetadata(context.Background(), "me", "prod-agent", "key")
	if err != nil {
		t.Fatalf("GetDatasetMetadata() error = %v", err)
	}
	if _, ok := metadata["guardrails"]; !ok {
		t.Errorf("metadata = %v, want guardrails key", metadata)
	}
}

func TestGetDatasetMetadata_Error(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	})

	if _, err := client.GetDatasetMetadata(context.Background(), "me", "d", "key"); err == nil {
		t.Fatal("GetDatasetMetadata() error = nil, want HTTP 403 error")
	}
}
