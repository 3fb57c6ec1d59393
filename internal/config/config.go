package config

import (
	"os"
	"strconv"
	"time"
)

// Default endpoints for the remote collaborators.
const (
	DefaultExplorerURL   = "https://explorer.invariantlabs.ai"
	DefaultGuardrailsURL = "https://guardrail.invariantnet.com"
)

// Default provider API bases for the LLM plane.
const (
	DefaultOpenAIURL    = "https://api.openai.com"
	DefaultAnthropicURL = "https://api.anthropic.com"
	DefaultGeminiURL    = "https://generativelanguage.googleapis.com"
)

// Config holds all configuration for the Invariant Gateway.
type Config struct {
	Port    int
	Version string

	// Explorer is the trace-store endpoint (INVARIANT_API_URL).
	Explorer ExplorerConfig

	// Guardrails is the remote policy evaluation service.
	Guardrails GuardrailsConfig

	// Providers holds the upstream LLM API base URLs.
	Providers ProvidersConfig

	// ClientTimeout bounds every upstream provider call.
	ClientTimeout time.Duration

	// SSEReadTimeout bounds waits between upstream SSE events on the MCP
	// plane; also the re-arm interval of the pending-error multiplexer.
	SSEReadTimeout time.Duration

	Sessions  SessionsConfig
	Telemetry TelemetryConfig
}

type ExplorerConfig struct {
	// APIURL is the Explorer base URL.
	APIURL string
	// APIKey is the process-level credential; stdio mode requires it,
	// server mode prefers per-request headers.
	APIKey string
}

type GuardrailsConfig struct {
	// APIURL is the guardrails service base URL.
	APIURL string
	// FilePath optionally names a policy file loaded at startup.
	FilePath string
	// CacheTTL bounds how long dataset-attached rules are reused.
	CacheTTL time.Duration
}

// ProvidersConfig names the upstream LLM API bases. Overriding these points
// the gateway at OpenAI/Anthropic/Gemini-compatible deployments.
type ProvidersConfig struct {
	OpenAIBaseURL    string
	AnthropicBaseURL string
	GeminiBaseURL    string
}

type SessionsConfig struct {
	// MaxIdle is how long an untouched MCP session survives.
	MaxIdle time.Duration
	// SweepInterval is how often the janitor looks for idle sessions.
	SweepInterval time.Duration
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("PORT", 8005),
		Version: envStr("GATEWAY_VERSION", "0.1.0"),
		Explorer: ExplorerConfig{
			APIURL: envStr("INVARIANT_API_URL", DefaultExplorerURL),
			APIKey: envStr("INVARIANT_API_KEY", ""),
		},
		Guardrails: GuardrailsConfig{
			APIURL:   envStr("GUARDRAILS_API_URL", DefaultGuardrailsURL),
			FilePath: envStr("GUARDRAILS_FILE_PATH", ""),
			CacheTTL: envDuration("POLICY_CACHE_TTL_SECONDS", 300*time.Second),
		},
		Providers: ProvidersConfig{
			OpenAIBaseURL:    envStr("OPENAI_BASE_URL", DefaultOpenAIURL),
			AnthropicBaseURL: envStr("ANTHROPIC_BASE_URL", DefaultAnthropicURL),
			GeminiBaseURL:    envStr("GEMINI_BASE_URL", DefaultGeminiURL),
		},
		ClientTimeout:  envDuration("CLIENT_TIMEOUT_SECONDS", 60*time.Second),
		SSEReadTimeout: envDuration("SSE_READ_TIMEOUT_SECONDS", 1*time.Second),
		Sessions: SessionsConfig{
			MaxIdle:       envDuration("SESSION_MAX_IDLE_SECONDS", 30*60*time.Second),
			SweepInterval: envDuration("SESSION_SWEEP_INTERVAL_SECONDS", 5*60*time.Second),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "invariant-gateway"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDuration reads a whole-seconds env value.
func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return fallback
}
