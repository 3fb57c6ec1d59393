// Invariant Gateway is a guardrailing proxy between agents and the world.
//
// The gateway sits in front of LLM provider APIs (OpenAI, Anthropic, Gemini)
// and MCP tool servers, normalizes the traffic into a canonical trace, runs
// guardrail policies on every exchange and pushes traces to Invariant
// Explorer.
//
// Two modes:
//   - serve: the HTTP proxy (LLM routes + MCP SSE/streamable transports)
//   - mcp:   a stdio interceptor wrapped around a single MCP server process
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/invariantlabs-ai/invariant-gateway/internal/config"
	"github.com/invariantlabs-ai/invariant-gateway/pkg/server"
)

func main() {
	// Best-effort env bootstrap; a missing .env is not an error.
	_ = godotenv.Load()
	setupLogging()

	if err := newRootCmd().Execute(); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}

// setupLogging configures zerolog: level from LOG_LEVEL, console output on a
// terminal, JSON otherwise. Everything goes to stderr so stdio MCP mode keeps
// stdout clean for JSON-RPC frames.
func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if lvl, err := zerolog.ParseLevel(strings.ToLower(os.Getenv("LOG_LEVEL"))); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	if fi, err := os.Stderr.Stat(); err == nil && fi.Mode()&os.ModeCharDevice != 0 {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		log.Logger = log.Output(os.Stderr)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "invariant-gateway",
		Short:         "Guardrailing proxy for LLM APIs and MCP servers",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = cmd.Help()
			return errors.New("missing command: expected serve or mcp")
		},
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newMCPCmd())
	return root
}

// ── serve ────────────────────────────────────────────────────

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), port)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "listen port (overrides PORT)")
	return cmd
}

func runServe(ctx context.Context, port int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg := config.Load()
	if port > 0 {
		cfg.Port = port
	}

	srv, err := server.NewWithConfig(ctx, cfg)
	if err != nil {
		return err
	}
	defer srv.ShutdownFunc(context.Background())

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", srv.Port),
		Handler:           srv.Handler,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: streaming relays hold response writers open for
		// as long as the upstream model keeps talking.
		IdleTimeout: 120 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sigChan:
		case <-ctx.Done():
		}

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancelShutdown()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Int("port", srv.Port).Msg("Invariant Gateway listening")
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ── mcp ──────────────────────────────────────────────────────

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp [--project-name=NAME] [--push-explorer] [--metadata-key=value]... --exec <command> [args...]",
		Short: "Wrap an MCP server process with stdio guardrail interception",
		// Everything after --exec belongs to the child command, including
		// flags, so cobra must not parse any of it.
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseMCPArgs(args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return server.RunMCP(ctx, config.Load(), opts, os.Stdin, os.Stdout, os.Stderr)
		},
	}
}

// parseMCPArgs scans the raw mcp arguments up to --exec; the remainder is the
// child command line, passed through verbatim.
func parseMCPArgs(args []string) (server.MCPOptions, error) {
	opts := server.MCPOptions{Metadata: map[string]string{}}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--exec":
			if i+1 >= len(args) {
				return opts, errors.New("--exec needs a command")
			}
			opts.Command = args[i+1]
			opts.Args = args[i+2:]
			return opts, nil
		case arg == "--push-explorer":
			opts.PushExplorer = true
		case strings.HasPrefix(arg, "--project-name="):
			opts.ProjectName = strings.TrimPrefix(arg, "--project-name=")
		case arg == "--project-name":
			if i+1 >= len(args) {
				return opts, errors.New("--project-name needs a value")
			}
			i++
			opts.ProjectName = args[i]
		case strings.HasPrefix(arg, "--metadata-"):
			key, value, ok := strings.Cut(strings.TrimPrefix(arg, "--metadata-"), "=")
			if !ok || key == "" {
				return opts, fmt.Errorf("metadata flag %q must look like --metadata-key=value", arg)
			}
			opts.Metadata[key] = value
		default:
			return opts, fmt.Errorf("unknown flag %q before --exec", arg)
		}
	}
	return opts, errors.New("no MCP server command given: pass --exec <command> [args...]")
}
