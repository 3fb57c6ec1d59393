package mcpgw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/invariantlabs-ai/invariant-gateway/internal/sessions"
	"github.com/invariantlabs-ai/invariant-gateway/internal/sse"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// drainInterval is how often the event relay checks for errors queued by the
// POST side while the upstream is quiet.
const drainInterval = 200 * time.Millisecond

// ErrUnknownSession rejects POSTs whose session the gateway has not seen an
// endpoint event for.
var ErrUnknownSession = errors.New("unknown MCP session")

// SSETransport proxies the two-endpoint MCP SSE flavor: a long-lived GET
// event stream from the server and a POST endpoint for client requests. The
// transport remembers, per session, where the upstream wants its POSTs and
// which gateway options the stream was opened with.
type SSETransport struct {
	interceptor  *Interceptor
	store        *sessions.Store
	messagesPath string

	// streamClient carries the long-lived GET; it must not enforce a total
	// timeout. postClient carries short message POSTs.
	streamClient *http.Client
	postClient   *http.Client

	mu       sync.Mutex
	channels map[string]*sseChannel
}

// sseChannel is the POST-side view of one relayed event stream.
type sseChannel struct {
	conn     *Conn
	upstream string
}

// NewSSETransport builds the SSE proxy. messagesPath is the gateway path
// clients should POST to, as announced in rewritten endpoint events.
func NewSSETransport(i *Interceptor, store *sessions.Store, messagesPath string) *SSETransport {
	return &SSETransport{
		interceptor:  i,
		store:        store,
		messagesPath: messagesPath,
		streamClient: &http.Client{},
		postClient:   &http.Client{Timeout: 30 * time.Second},
		channels:     make(map[string]*sseChannel),
	}
}

// ── GET: event stream ────────────────────────────────────────

// SSEUpstream is an open upstream event stream.
type SSEUpstream struct {
	resp *http.Response
	base *url.URL
}

// Close releases the upstream connection.
func (u *SSEUpstream) Close() {
	u.resp.Body.Close()
}

// Dial opens the upstream event stream at {base}/sse.
func (t *SSETransport) Dial(ctx context.Context, baseURL string) (*SSEUpstream, error) {
	base, err := url.Parse(RewriteUpstreamBase(baseURL))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid MCP server base URL %q", baseURL)
	}
	target := *base
	if !strings.HasSuffix(strings.TrimRight(target.Path, "/"), "/sse") {
		target = *target.JoinPath("sse")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream SSE request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := t.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connect upstream SSE: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("upstream SSE returned status %d", resp.StatusCode)
	}
	return &SSEUpstream{resp: resp, base: resp.Request.URL}, nil
}

// Relay pumps upstream events to w until the stream, the context, or the
// client goes away. The first endpoint event binds the session; message
// events run through the response hook; everything else passes through
// verbatim. Between upstream frames the relay drains errors the POST side
// queued for in-band delivery.
func (t *SSETransport) Relay(ctx context.Context, conn *Conn, up *SSEUpstream, w io.Writer) error {
	defer func() {
		if conn.Session != nil {
			t.unregister(conn.Session.ID)
		}
	}()

	frames := make(chan *sse.Event, 8)
	readErr := make(chan error, 1)
	go func() {
		defer close(frames)
		rd := sse.NewReader(up.resp.Body)
		for {
			ev, err := rd.Next()
			if err != nil {
				if err != io.EOF {
					readErr <- err
				}
				return
			}
			select {
			case frames <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-frames:
			if !ok {
				select {
				case err := <-readErr:
					return fmt.Errorf("upstream SSE read: %w", err)
				default:
					return nil
				}
			}
			if err := t.relayEvent(ctx, conn, up, ev, w); err != nil {
				return err
			}
		case <-ticker.C:
			if err := drainPendingErrors(conn.Session, w); err != nil {
				return err
			}
		}
	}
}

func (t *SSETransport) relayEvent(ctx context.Context, conn *Conn, up *SSEUpstream, ev *sse.Event, w io.Writer) error {
	switch ev.Name {
	case "endpoint":
		return t.bindEndpoint(conn, up, ev, w)
	case "message":
		if conn.Session == nil {
			return sse.WriteRaw(w, ev.Raw)
		}
		if rewritten := t.interceptor.ProcessIncomingResponse(ctx, conn, []byte(ev.Data)); rewritten != nil {
			return sse.WriteEvent(w, "message", string(rewritten))
		}
		return sse.WriteRaw(w, ev.Raw)
	default:
		return sse.WriteRaw(w, ev.Raw)
	}
}

// bindEndpoint records the session the upstream announced and tells the
// client to POST through the gateway instead.
func (t *SSETransport) bindEndpoint(conn *Conn, up *SSEUpstream, ev *sse.Event, w io.Writer) error {
	target, err := url.Parse(strings.TrimSpace(ev.Data))
	if err != nil {
		log.Warn().Err(err).Str("data", ev.Data).Msg("Unparseable endpoint event URL, relaying untouched")
		return sse.WriteRaw(w, ev.Raw)
	}
	resolved := up.base.ResolveReference(target)

	id := resolved.Query().Get("session_id")
	if id == "" {
		id = uuid.NewString()
	}
	sess := t.store.GetOrCreate(id)
	sess.SetMetadata("session_id", id)
	conn.Session = sess

	t.mu.Lock()
	t.channels[id] = &sseChannel{conn: conn, upstream: resolved.String()}
	t.mu.Unlock()

	log.Info().
		Str("session_id", id).
		Str("upstream", resolved.Redacted()).
		Msg("MCP SSE session established")
	return sse.WriteEvent(w, "endpoint", t.messagesPath+"?session_id="+url.QueryEscape(id))
}

func (t *SSETransport) unregister(id string) {
	t.mu.Lock()
	delete(t.channels, id)
	t.mu.Unlock()
}

// drainPendingErrors writes queued blocked-request errors as in-band message
// events.
func drainPendingErrors(sess *sessions.Session, w io.Writer) error {
	if sess == nil {
		return nil
	}
	for {
		msg, ok := sess.DequeueError()
		if !ok {
			return nil
		}
		if err := sse.WriteEvent(w, "message", msg); err != nil {
			return err
		}
	}
}

// ── POST: client messages ────────────────────────────────────

// PostMessage runs the request hook on one client JSON-RPC message and
// forwards it upstream. Blocked requests return 202 with no body; the error
// response reaches the client in-band on the event stream. The returned
// status and body mirror the upstream when the message was forwarded.
func (t *SSETransport) PostMessage(ctx context.Context, sessionID string, body []byte) (int, []byte, error) {
	t.mu.Lock()
	ch := t.channels[sessionID]
	t.mu.Unlock()
	if ch == nil {
		return 0, nil, ErrUnknownSession
	}

	var req models.MCPRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return 0, nil, fmt.Errorf("parse JSON-RPC request: %w", err)
	}

	if blocked := t.interceptor.ProcessOutgoingRequest(ctx, ch.conn, &req); blocked != nil {
		payload, err := json.Marshal(blocked)
		if err != nil {
			return 0, nil, fmt.Errorf("encode blocked response: %w", err)
		}
		ch.conn.Session.QueueError(string(payload))
		return http.StatusAccepted, nil, nil
	}

	up, err := http.NewRequestWithContext(ctx, http.MethodPost, ch.upstream, strings.NewReader(string(body)))
	if err != nil {
		return 0, nil, fmt.Errorf("build upstream request: %w", err)
	}
	up.Header.Set("Content-Type", "application/json")

	resp, err := t.postClient.Do(up)
	if err != nil {
		return 0, nil, fmt.Errorf("forward to upstream: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxFrameBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read upstream response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}
