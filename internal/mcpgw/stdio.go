package mcpgw

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/invariantlabs-ai/invariant-gateway/internal/process"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/models"
)

// maxFrameBytes bounds a single JSON-RPC line; tool results can carry whole
// files.
const maxFrameBytes = 10 << 20

// finalSyncTimeout bounds the trailing Explorer push after the child exits.
const finalSyncTimeout = 10 * time.Second

// stderrTailLines is how much child stderr the exit log can replay.
const stderrTailLines = 50

// StdioRunner bridges the gateway's own standard streams to a child MCP
// server, running the guardrail hooks on every JSON-RPC frame that crosses.
type StdioRunner struct {
	interceptor *Interceptor
	conn        *Conn
}

// NewStdioRunner builds a runner for one gateway invocation.
func NewStdioRunner(i *Interceptor, conn *Conn) *StdioRunner {
	return &StdioRunner{interceptor: i, conn: conn}
}

// Run spawns the MCP server and pumps frames until the client closes stdin
// or the child exits. Client→server frames go through the request hook;
// blocked requests are answered on stdout without reaching the child.
// Server→client frames go through the response hook. stderr is copied
// verbatim, with a tail retained for exit diagnostics.
func (r *StdioRunner) Run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, command string, args ...string) error {
	child, err := process.Start(ctx, command, args...)
	if err != nil {
		return err
	}

	out := &lockedWriter{w: stdout}

	// The client pump is not part of the group: it blocks on the gateway's
	// stdin, which has no portable way to unblock when the child dies first.
	// Closing the child's stdin on client EOF is what winds the child down
	// in the normal case.
	go func() {
		defer child.CloseStdin()
		_ = r.pumpClient(ctx, stdin, child.Stdin, out)
	}()

	tail := process.NewTail(stderrTailLines)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.pumpServer(ctx, child.Stdout, out)
	})
	g.Go(func() error {
		_, err := io.Copy(io.MultiWriter(stderr, tail), child.Stderr)
		return err
	})

	pumpErr := g.Wait()
	waitErr := child.Wait()
	if waitErr != nil {
		log.Warn().Err(waitErr).Strs("stderr_tail", tail.Lines()).Msg("MCP server exited with error")
	}

	// Push whatever the hooks accumulated after the last sync.
	flushCtx, cancel := context.WithTimeout(context.Background(), finalSyncTimeout)
	defer cancel()
	r.interceptor.sync(flushCtx, r.conn)

	if pumpErr != nil {
		return fmt.Errorf("stdio pump: %w", pumpErr)
	}
	return waitErr
}

// pumpClient relays client frames to the child, intercepting tool traffic.
// Frames that do not parse as JSON-RPC are forwarded untouched.
func (r *StdioRunner) pumpClient(ctx context.Context, stdin io.Reader, childStdin io.Writer, out *lockedWriter) error {
	sc := bufio.NewScanner(stdin)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		var req models.MCPRequest
		if err := json.Unmarshal(line, &req); err != nil {
			if err := writeFrame(childStdin, line); err != nil {
				return err
			}
			continue
		}

		if blocked := r.interceptor.ProcessOutgoingRequest(ctx, r.conn, &req); blocked != nil {
			payload, err := json.Marshal(blocked)
			if err != nil {
				return fmt.Errorf("encode blocked response: %w", err)
			}
			if err := out.WriteFrame(payload); err != nil {
				return err
			}
			continue
		}

		if err := writeFrame(childStdin, line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// pumpServer relays child frames to the client, letting the response hook
// rewrite or replace them.
func (r *StdioRunner) pumpServer(ctx context.Context, childStdout io.Reader, out *lockedWriter) error {
	sc := bufio.NewScanner(childStdout)
	sc.Buffer(make([]byte, 0, 64*1024), maxFrameBytes)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if rewritten := r.interceptor.ProcessIncomingResponse(ctx, r.conn, line); rewritten != nil {
			if err := out.WriteFrame(rewritten); err != nil {
				return err
			}
			continue
		}
		if err := out.WriteFrame(line); err != nil {
			return err
		}
	}
	return sc.Err()
}

// lockedWriter serializes frame writes to the gateway's stdout, which both
// pumps share: relayed responses from the server pump and blocked-request
// errors from the client pump.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) WriteFrame(frame []byte) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return writeFrame(lw.w, frame)
}

func writeFrame(w io.Writer, frame []byte) error {
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if _, err := w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}
