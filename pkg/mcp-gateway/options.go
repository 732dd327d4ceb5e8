package mcpgateway

import (
	"log/slog"
	"time"

	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configure a Gateway instance.
type Options struct {
	// Implementation identifies the gateway's MCP server implementation metadata.
	Implementation *mcp.Implementation
	// Addr controls the listen address used by ListenAndServe. Defaults to ":8700".
	Addr string
	// Path mounts the Streamable handler under a specific HTTP path.
	// Defaults to "/mcp".
	Path string
	// Namespace customizes how upstream resource URIs are exposed to
	// downstream clients. Defaults to ServerPrefixNamespace.
	Namespace NamespaceStrategy
	// Streamable tweaks the Streamable HTTP handler behavior passed to
	// mcp.NewStreamableHTTPHandler.
	Streamable mcp.StreamableHTTPOptions
	// TokenVerifier, when set, requires a bearer token on the MCP endpoint.
	TokenVerifier auth.TokenVerifier
	// TokenOptions tune bearer token enforcement. Requires TokenVerifier.
	TokenOptions *auth.RequireBearerTokenOptions
	// AllowedOrigins is handed to the CORS middleware. Defaults to any origin.
	AllowedOrigins []string
	// Gatherer backs the /metrics route. When nil the route is not mounted.
	Gatherer prometheus.Gatherer
	// Logger receives structured diagnostics.
	Logger *slog.Logger
	// ShutdownTimeout bounds the graceful HTTP shutdown in ListenAndServe.
	ShutdownTimeout time.Duration
}

func (o *Options) withDefaults() Options {
	if o == nil {
		o = &Options{}
	}
	opts := *o
	if opts.Implementation == nil {
		opts.Implementation = &mcp.Implementation{
			Name:    "mcp-orchestrator-gateway",
			Title:   "MCP Orchestrator Gateway",
			Version: "1.0.0",
		}
	} else {
		impl := *opts.Implementation
		opts.Implementation = &impl
	}
	if opts.Addr == "" {
		opts.Addr = ":8700"
	}
	if opts.Path == "" {
		opts.Path = "/mcp"
	}
	if opts.Namespace == nil {
		opts.Namespace = ServerPrefixNamespace{}
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return opts
}
