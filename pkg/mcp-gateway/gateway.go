package mcpgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/modelcontextprotocol/go-sdk/auth"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

// Gateway exposes a Streamable MCP server that fronts every server loaded by
// an mcpmgr.Orchestrator under a single HTTP endpoint.
type Gateway struct {
	orch *mcpmgr.Orchestrator
	opts Options

	features *featureIndex

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	router        chi.Router
	httpHandler   http.Handler

	serverMu     sync.Mutex
	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// NewGateway builds a Gateway and registers the orchestrator's current
// tools, prompts and resources. Call Sync after every later LoadAll.
func NewGateway(orch *mcpmgr.Orchestrator, opts *Options) (*Gateway, error) {
	if orch == nil {
		return nil, fmt.Errorf("mcpgateway: orchestrator is required")
	}
	options := opts.withDefaults()
	if options.TokenOptions != nil && options.TokenVerifier == nil {
		return nil, fmt.Errorf("mcpgateway: TokenOptions requires a TokenVerifier")
	}
	g := &Gateway{
		orch:     orch,
		opts:     options,
		features: newFeatureIndex(options.Namespace),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:     true,
		HasPrompts:   true,
		HasResources: true,
	})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.router = g.mountRoutes()
	g.httpHandler = cors.New(cors.Options{
		AllowedOrigins: options.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Mcp-Session-Id"},
	}).Handler(g.router)

	g.Sync()
	return g, nil
}

// Handler exposes the HTTP handler that serves the Streamable endpoint and
// the auxiliary routes.
func (g *Gateway) Handler() http.Handler {
	return g.httpHandler
}

// Router returns the underlying router so callers can add their own routes.
func (g *Gateway) Router() chi.Router {
	return g.router
}

// ListenAndServe runs an HTTP server until the provided context is cancelled or
// the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		serv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("mcpgateway: server already running on %s", serv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	g.opts.Logger.Info("gateway listening", "addr", g.opts.Addr, "path", g.opts.Path)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.ShutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// Sync applies the orchestrator's latest result to the gateway server.
// Features that disappeared are removed; everything else is (re)registered.
func (g *Gateway) Sync() {
	diff := g.features.Update(g.orch.Result())

	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if len(diff.RemovedTools) > 0 {
		g.server.RemoveTools(diff.RemovedTools...)
	}
	if len(diff.RemovedPrompts) > 0 {
		g.server.RemovePrompts(diff.RemovedPrompts...)
	}
	if len(diff.RemovedResources) > 0 {
		g.server.RemoveResources(diff.RemovedResources...)
	}
	for _, reg := range diff.Tools {
		g.server.AddTool(reg.Tool, g.makeToolHandler(reg.Target.GatewayName))
	}
	for _, reg := range diff.Prompts {
		g.server.AddPrompt(reg.Prompt, g.makePromptHandler(reg.Target.GatewayName))
	}
	for _, reg := range diff.Resources {
		g.server.AddResource(reg.Resource, g.makeResourceHandler(reg.Target.GatewayURI))
	}
	g.opts.Logger.Debug("gateway synchronized",
		"tools", len(diff.Tools), "prompts", len(diff.Prompts), "resources", len(diff.Resources))
}

// makeToolHandler routes through the orchestrator so approval, argument
// validation and per-tool timeouts apply. Call failures are reported to the
// downstream client as tool errors rather than protocol errors. The target is
// resolved per call, so a tool dropped by a concurrent Sync is reported as
// not found.
func (g *Gateway) makeToolHandler(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		target, ok := g.features.ToolTarget(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", mcpmgr.ErrToolNotFound, name)
		}
		var args any
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		res, err := g.orch.CallTool(ctx, target.GatewayName, args)
		if err == nil {
			return res, nil
		}
		if errors.Is(err, mcpmgr.ErrToolNotFound) || errors.Is(err, mcpmgr.ErrOrchestratorClosed) {
			return nil, err
		}
		var execErr *mcpmgr.ToolExecutionError
		if errors.As(err, &execErr) && res != nil {
			return res, nil
		}
		g.logError("tool call", err, "tool", target.GatewayName, "server", target.Server)
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		}, nil
	}
}

func (g *Gateway) makePromptHandler(name string) mcp.PromptHandler {
	return func(ctx context.Context, req *mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		target, ok := g.features.PromptTarget(name)
		if !ok {
			return nil, fmt.Errorf("mcpgateway: unknown prompt %q", name)
		}
		var args map[string]string
		if req.Params != nil && len(req.Params.Arguments) > 0 {
			args = req.Params.Arguments
		}
		return g.orch.GetPrompt(ctx, target.GatewayName, args)
	}
}

func (g *Gateway) makeResourceHandler(uri string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		target, ok := g.features.ResourceTarget(uri)
		if !ok {
			return nil, mcp.ResourceNotFoundError(uri)
		}
		native := target.NativeURI
		if req != nil && req.Params != nil {
			if candidate, ok := g.opts.Namespace.NativeResourceURI(target.Server, req.Params.URI); ok {
				native = candidate
			}
		}
		return g.orch.ReadResource(ctx, target.Server, native)
	}
}

func (g *Gateway) mountRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	var stream http.Handler = g.streamHandler
	if g.opts.TokenVerifier != nil {
		stream = auth.RequireBearerToken(g.opts.TokenVerifier, g.opts.TokenOptions)(stream)
	}
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		r.Handle("/*", stream)
	} else {
		r.Handle(path, stream)
		r.Handle(path+"/*", stream)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/servers", g.handleServers)
	if g.opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(g.opts.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// serverView is the JSON shape served by /servers.
type serverView struct {
	Name      string   `json:"name"`
	State     string   `json:"state"`
	Tools     int      `json:"tools"`
	Prompts   int      `json:"prompts"`
	Resources int      `json:"resources"`
	Errors    []string `json:"errors,omitempty"`
}

func (g *Gateway) handleServers(w http.ResponseWriter, _ *http.Request) {
	result := g.orch.Result()
	views := make([]serverView, 0, len(result.Servers))
	for _, s := range result.Servers {
		views = append(views, serverView{
			Name:      s.Name,
			State:     s.State.String(),
			Tools:     s.Tools,
			Prompts:   s.Prompts,
			Resources: s.Resources,
			Errors:    s.Errors,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		g.logError("encode servers", err)
	}
}

func (g *Gateway) logError(msg string, err error, args ...any) {
	if err == nil {
		return
	}
	attrs := append([]any{"error", err}, args...)
	g.opts.Logger.Error(msg, attrs...)
}
