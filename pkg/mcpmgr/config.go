package mcpmgr

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// DefaultTimeout bounds every RPC whose server configuration omits an
	// explicit timeout.
	DefaultTimeout = 30 * time.Second
	// DefaultInitTimeout bounds the initialize handshake when InitTimeout is
	// unset.
	DefaultInitTimeout = 30 * time.Second
	// DefaultTerminateGrace is how long a child process gets to exit after
	// SIGTERM before it is killed.
	DefaultTerminateGrace = 5 * time.Second
)

// HTTPAuthProvider dynamically supplies an Authorization header (for example,
// "Bearer <token>") for outbound HTTP requests to an SSE server.
type HTTPAuthProvider func(context.Context) (string, error)

// BaseServerConfig captures settings shared by all transport types.
type BaseServerConfig struct {
	// Name uniquely identifies the server across the whole configuration. It
	// prefixes every qualified tool and prompt name.
	Name string
	// Timeout bounds each list/call RPC. Zero falls back to the orchestrator
	// default.
	Timeout time.Duration
	// InitTimeout bounds connection setup plus the initialize handshake.
	InitTimeout time.Duration
	// Disabled servers are skipped silently by LoadAll.
	Disabled bool
	// DisabledTools are never wrapped, listed, or callable.
	DisabledTools []string
	// AutoApprove lists tools that skip the approval step.
	AutoApprove []string
	// ToolTimeouts overrides Timeout for individual tools.
	ToolTimeouts map[string]time.Duration
	// Version overrides the client version advertised during initialize.
	Version string
	// LogJSONRPC logs every JSON-RPC message exchanged with this server at
	// debug level.
	LogJSONRPC bool
}

// StdioServerConfig describes an MCP server launched as a child process that
// speaks newline-delimited JSON-RPC over its stdin/stdout.
type StdioServerConfig struct {
	BaseServerConfig
	Command string
	Args    []string
	Env     map[string]string
	// Dir sets the working directory of the child process.
	Dir string
}

func (c *StdioServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// SSEServerConfig describes an MCP server reachable over HTTP.
type SSEServerConfig struct {
	BaseServerConfig
	URL     string
	Headers http.Header
	// Streamable tries the Streamable HTTP transport first and falls back to
	// the legacy SSE transport when it fails.
	Streamable bool
	// MaxRetries configures Streamable HTTP reconnection attempts.
	MaxRetries   int
	HTTPClient   *http.Client
	AuthProvider HTTPAuthProvider
}

func (c *SSEServerConfig) base() *BaseServerConfig { return &c.BaseServerConfig }

// ServerConfig is implemented by all transport-specific configurations.
type ServerConfig interface {
	base() *BaseServerConfig
}

// OrchestratorOptions configures an Orchestrator instance.
type OrchestratorOptions struct {
	// Registry tracks every spawned child process. Construct one at process
	// start and share it; when nil the orchestrator creates a private one.
	Registry *ProcessRegistry
	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
	// ClientName is advertised during initialize. Defaults to
	// "mcp-orchestrator".
	ClientName string
	// ClientVersion is advertised during initialize unless a server overrides
	// it. Defaults to "1.0.0".
	ClientVersion string
	// DefaultTimeout applies to servers without an explicit Timeout.
	DefaultTimeout time.Duration
	// DefaultInitTimeout applies to servers without an explicit InitTimeout.
	DefaultInitTimeout time.Duration
	// MaxConcurrentServers limits how many server pipelines run at once.
	// Zero or negative means unlimited.
	MaxConcurrentServers int
	// ConnectAttempts is the number of whole-server connection attempts made
	// within one LoadAll run. Values below 1 mean a single attempt.
	ConnectAttempts int
	// RetryBackoff is the pause between connection attempts.
	RetryBackoff time.Duration
	// ToolNameSeparator joins server and tool names. Defaults to ".".
	ToolNameSeparator string
	// Approver is consulted before calling tools that require approval. When
	// nil such calls are rejected with ErrToolNotApproved.
	Approver Approver
	// ValidateArguments checks tool arguments against the tool's input
	// schema before the call is sent.
	ValidateArguments bool
	// MetricsRegisterer receives the orchestrator's collectors. Nil disables
	// metrics.
	MetricsRegisterer prometheus.Registerer
	// RPCLogger receives JSON-RPC traffic for servers with LogJSONRPC set.
	// When nil that traffic is logged through Logger at debug level.
	RPCLogger RPCLogger
}

func (o *OrchestratorOptions) withDefaults() OrchestratorOptions {
	if o == nil {
		o = &OrchestratorOptions{}
	}
	opts := *o
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Registry == nil {
		opts.Registry = NewProcessRegistry(&RegistryOptions{Logger: opts.Logger})
	}
	if opts.ClientName == "" {
		opts.ClientName = "mcp-orchestrator"
	}
	if opts.ClientVersion == "" {
		opts.ClientVersion = "1.0.0"
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = DefaultTimeout
	}
	if opts.DefaultInitTimeout <= 0 {
		opts.DefaultInitTimeout = DefaultInitTimeout
	}
	if opts.ConnectAttempts < 1 {
		opts.ConnectAttempts = 1
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	if opts.ToolNameSeparator == "" {
		opts.ToolNameSeparator = DefaultToolNameSeparator
	}
	return opts
}
