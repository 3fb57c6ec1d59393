// Package sessions tracks the state of proxied MCP sessions: the canonical
// conversation trace, guardrail annotations, Explorer synchronization
// progress, and the bookkeeping the transports need to correlate responses
// with requests.
//
// A Session's methods are safe for concurrent use. Explorer pushes happen
// under the session lock so that trace order on Explorer matches the order
// in which the gateway observed the conversation; upstream I/O never runs
// under any session lock.
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/invariantlabs-ai/invariant-gateway/pkg/contracts"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// ── Session ──────────────────────────────────────────────────

// PendingRequest remembers an in-flight JSON-RPC request so the matching
// response can be turned into canonical messages.
type PendingRequest struct {
	Method    string
	ToolName  string
	Arguments map[string]interface{}
}

// Session is the gateway-side state of one MCP session.
type Session struct {
	ID string

	mu                sync.Mutex
	trace             []models.Message
	annotations       []models.Annotation
	annotationKeys    map[string]bool
	metadata          map[string]interface{}
	pending           map[string]PendingRequest
	pendingErrors     []string
	traceID           string
	pushedMessages    int
	pushedAnnotations int
	lastActivity      time.Time
}

func newSession(id string) *Session {
	return &Session{
		ID:             id,
		annotationKeys: make(map[string]bool),
		metadata:       make(map[string]interface{}),
		pending:        make(map[string]PendingRequest),
		lastActivity:   time.Now(),
	}
}

// Touch marks the session as recently used.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// AppendMessages grows the canonical trace.
func (s *Session) AppendMessages(msgs ...models.Message) {
	if len(msgs) == 0 {
		return
	}
	s.mu.Lock()
	s.trace = append(s.trace, msgs...)
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// AddAnnotations records annotations, dropping duplicates. It returns the
// number actually added.
func (s *Session) AddAnnotations(annotations []models.Annotation) int {
	if len(annotations) == 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	added := 0
	for _, a := range annotations {
		key := a.Key()
		if s.annotationKeys[key] {
			continue
		}
		s.annotationKeys[key] = true
		s.annotations = append(s.annotations, a)
		added++
	}
	return added
}

// Trace returns a copy of the canonical trace, with any extra messages
// appended. The copy is safe to hand to guardrail evaluation while the
// session keeps moving.
func (s *Session) Trace(extra ...models.Message) []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, 0, len(s.trace)+len(extra))
	out = append(out, s.trace...)
	out = append(out, extra...)
	return out
}

// TraceLen returns the current trace length.
func (s *Session) TraceLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.trace)
}

// SetMetadata stores one trace metadata entry.
func (s *Session) SetMetadata(key string, value interface{}) {
	s.mu.Lock()
	s.metadata[key] = value
	s.mu.Unlock()
}

// Metadata returns a copy of the trace metadata.
func (s *Session) Metadata() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]interface{}, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// RegisterRequest remembers an outgoing JSON-RPC request by id.
func (s *Session) RegisterRequest(id interface{}, req PendingRequest) {
	key := models.RequestIDString(id)
	if key == "" {
		return
	}
	s.mu.Lock()
	s.pending[key] = req
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// TakeRequest claims the pending request for a response id. Each request is
// claimed at most once.
func (s *Session) TakeRequest(id interface{}) (PendingRequest, bool) {
	key := models.RequestIDString(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[key]
	if ok {
		delete(s.pending, key)
	}
	return req, ok
}

// QueueError parks a guardrail error message for delivery over the
// session's server-push channel.
func (s *Session) QueueError(message string) {
	s.mu.Lock()
	s.pendingErrors = append(s.pendingErrors, message)
	s.mu.Unlock()
}

// DequeueError pops the oldest parked error message.
func (s *Session) DequeueError() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pendingErrors) == 0 {
		return "", false
	}
	message := s.pendingErrors[0]
	s.pendingErrors = s.pendingErrors[1:]
	return message, true
}

// TraceID returns the Explorer trace id, empty before the first successful
// push.
func (s *Session) TraceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.traceID
}

// Sync pushes the unsynchronized tail of the trace to Explorer. The first
// successful call creates the trace; later calls append. Push progress only
// advances after Explorer accepts the write, so a failed sync is retried in
// full by the next one.
func (s *Session) Sync(ctx context.Context, traces contracts.TraceService, dataset, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.trace) == s.pushedMessages && len(s.annotations) == s.pushedAnnotations {
		return nil
	}

	if s.traceID == "" {
		resp, err := traces.PushTrace(ctx, &models.PushTraceRequest{
			Messages:    [][]models.Message{s.trace},
			Annotations: [][]models.Annotation{s.annotations},
			Dataset:     dataset,
			Metadata:    []map[string]interface{}{s.metadataLocked()},
		}, apiKey)
		if err != nil {
			return err
		}
		if len(resp.ID) == 0 {
			return fmt.Errorf("explorer returned no trace id")
		}
		s.traceID = resp.ID[0]
		s.pushedMessages = len(s.trace)
		s.pushedAnnotations = len(s.annotations)
		return nil
	}

	req := &models.AppendMessagesRequest{
		Messages:    s.trace[s.pushedMessages:],
		Annotations: s.annotations[s.pushedAnnotations:],
	}
	if err := traces.AppendMessages(ctx, s.traceID, req, apiKey); err != nil {
		return err
	}
	s.pushedMessages = len(s.trace)
	s.pushedAnnotations = len(s.annotations)
	return nil
}

// metadataLocked copies the metadata map; callers hold s.mu.
func (s *Session) metadataLocked() map[string]interface{} {
	out := make(map[string]interface{}, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

func (s *Session) idle(since time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity.Before(since)
}

// ── Store ────────────────────────────────────────────────────

// Store is a thread-safe in-memory session registry.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty session store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for the id, creating it on first use.
func (s *Store) GetOrCreate(id string) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[id]; ok {
		return session
	}
	session := newSession(id)
	s.sessions[id] = session
	return session
}

// Get returns the session for the id.
func (s *Store) Get(id string) (*Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	return session, ok
}

// Delete removes a session.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep removes sessions idle for longer than maxIdle and returns how many
// were removed.
func (s *Store) Sweep(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.RLock()
	var stale []string
	for id, session := range s.sessions {
		if session.idle(cutoff) {
			stale = append(stale, id)
		}
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		return 0
	}
	s.mu.Lock()
	removed := 0
	for _, id := range stale {
		if session, ok := s.sessions[id]; ok && session.idle(cutoff) {
			delete(s.sessions, id)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}
