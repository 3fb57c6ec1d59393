// Package server assembles the Invariant Gateway from its parts: config,
// telemetry, the guardrails and Explorer clients, the policy resolver, the
// MCP transports and the HTTP router. Both gateway modes start here: the
// HTTP proxy (serve) and the stdio MCP interceptor (mcp).
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/invariantlabs-ai/invariant-gateway/internal/api"
	"github.com/invariantlabs-ai/invariant-gateway/internal/api/handlers"
	"github.com/invariantlabs-ai/invariant-gateway/internal/config"
	"github.com/invariantlabs-ai/invariant-gateway/internal/explorer"
	"github.com/invariantlabs-ai/invariant-gateway/internal/guardrails"
	"github.com/invariantlabs-ai/invariant-gateway/internal/mcpgw"
	"github.com/invariantlabs-ai/invariant-gateway/internal/policy"
	"github.com/invariantlabs-ai/invariant-gateway/internal/sessions"
	"github.com/invariantlabs-ai/invariant-gateway/internal/telemetry"
)

// MessagesPath is the gateway-local POST endpoint announced to MCP SSE
// clients in rewritten endpoint events.
const MessagesPath = "/api/v1/gateway/mcp/sse/messages/"

// Server holds the initialized gateway.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Sessions is the MCP session store, exposed for diagnostics.
	Sessions *sessions.Store

	// Config is the effective configuration.
	Config *config.Config

	// Port is the port the server should listen on.
	Port int

	// ShutdownFunc should be called on graceful shutdown to flush telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes the gateway from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the gateway with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	traces := explorer.NewClient(cfg.Explorer.APIURL, cfg.ClientTimeout)
	guard := guardrails.NewClient(cfg.Guardrails.APIURL, cfg.ClientTimeout)
	policies, err := policy.NewResolver(traces, cfg.Guardrails.FilePath, cfg.Guardrails.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("init policy resolver: %w", err)
	}

	store := sessions.NewStore()
	go sessions.NewJanitor(store, cfg.Sessions.SweepInterval, cfg.Sessions.MaxIdle).Start(ctx)

	interceptor := mcpgw.NewInterceptor(guard, traces, policies)
	sseTransport := mcpgw.NewSSETransport(interceptor, store, MessagesPath)
	streamable := mcpgw.NewStreamableTransport(interceptor, store)

	h := handlers.New(cfg, guard, traces, policies, sseTransport, streamable)
	router := api.NewRouter(cfg, h)

	log.Info().
		Str("explorer", cfg.Explorer.APIURL).
		Str("guardrails", cfg.Guardrails.APIURL).
		Int("port", cfg.Port).
		Msg("Gateway initialized")

	return &Server{
		Handler:      router,
		Sessions:     store,
		Config:       cfg,
		Port:         cfg.Port,
		ShutdownFunc: shutdown,
	}, nil
}

// ── stdio MCP mode ───────────────────────────────────────────

// MCPOptions configures one stdio interceptor run.
type MCPOptions struct {
	// ProjectName is the Explorer dataset traces are pushed to.
	ProjectName string

	// PushExplorer enables trace pushing; requires INVARIANT_API_KEY.
	PushExplorer bool

	// Metadata holds extra session metadata from --metadata-<key>=<value>
	// flags.
	Metadata map[string]string

	// Command and Args name the MCP server to spawn.
	Command string
	Args    []string
}

// RunMCP runs the stdio interceptor: it spawns the MCP server named by
// opts.Command and relays JSON-RPC frames between the given streams and the
// child, applying guardrail hooks on the way through. It returns when the
// client closes stdin or the child exits.
func RunMCP(ctx context.Context, cfg *config.Config, opts MCPOptions, stdin io.Reader, stdout, stderr io.Writer) error {
	if opts.Command == "" {
		return errors.New("no MCP server command given: pass --exec <command> [args...]")
	}
	if opts.PushExplorer && cfg.Explorer.APIKey == "" {
		return errors.New("INVARIANT_API_KEY must be set to push traces to Explorer")
	}

	traces := explorer.NewClient(cfg.Explorer.APIURL, cfg.ClientTimeout)
	guard := guardrails.NewClient(cfg.Guardrails.APIURL, cfg.ClientTimeout)
	policies, err := policy.NewResolver(traces, cfg.Guardrails.FilePath, cfg.Guardrails.CacheTTL)
	if err != nil {
		return fmt.Errorf("init policy resolver: %w", err)
	}

	sess := sessions.NewStore().GetOrCreate(uuid.NewString())
	sess.SetMetadata("session_id", sess.ID)
	for k, v := range opts.Metadata {
		sess.SetMetadata(k, v)
	}

	conn := &mcpgw.Conn{
		Session: sess,
		Dataset: opts.ProjectName,
		APIKey:  cfg.Explorer.APIKey,
		Push:    opts.PushExplorer,
	}

	log.Info().
		Str("command", opts.Command).
		Str("dataset", opts.ProjectName).
		Bool("push", opts.PushExplorer).
		Msg("Starting stdio MCP interceptor")

	runner := mcpgw.NewStdioRunner(mcpgw.NewInterceptor(guard, traces, policies), conn)
	return runner.Run(ctx, stdin, stdout, stderr, opts.Command, opts.Args...)
}
