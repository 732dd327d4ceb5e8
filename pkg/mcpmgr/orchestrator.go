package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

// OrchestrationResult is the unified view over every loaded server.
type OrchestrationResult struct {
	Tools     []WrappedTool
	Prompts   []MCPPrompt
	Resources []MCPResource
	// ServerErrors maps a server name to its human-readable failures. Servers
	// that loaded cleanly have no entry.
	ServerErrors map[string][]string
	// Servers reports the outcome of every attempted server, sorted by name.
	Servers []ServerStatus
}

// ServerStatus summarizes one server pipeline.
type ServerStatus struct {
	Name      string
	State     SessionState
	Tools     int
	Prompts   int
	Resources int
	Errors    []string
}

// ServerInitResult is what a successful connect hands to capability loading.
type ServerInitResult struct {
	Session      *ServerSession
	Capabilities ServerCapabilities
	Config       ServerConfig
	Process      ProcessHandle
}

type serverOutcome struct {
	name    string
	session *ServerSession
	state   SessionState
	load    CapabilityLoad
	tools   []WrappedTool
	errs    []string
}

// Orchestrator connects to every configured server concurrently, loads their
// declared capabilities, applies tool policy and routes calls back to the
// owning server.
type Orchestrator struct {
	opts     OrchestratorOptions
	logger   *slog.Logger
	registry *ProcessRegistry
	policy   ToolPolicy
	loader   *CapabilityLoader
	metrics  *metrics

	// ctx is cancelled by Shutdown and aborts in-flight loads.
	ctx    context.Context
	cancel context.CancelFunc
	loads  sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	tracked  map[*ServerSession]struct{}
	active   map[string]*ServerSession
	tools    map[string]WrappedTool
	prompts  map[string]MCPPrompt
	result   *OrchestrationResult
	resolved map[string]*jsonschema.Resolved

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewOrchestrator constructs an Orchestrator. It fails only when metrics
// cannot be registered.
func NewOrchestrator(opts *OrchestratorOptions) (*Orchestrator, error) {
	o := opts.withDefaults()
	m, err := newMetrics(o.MetricsRegisterer)
	if err != nil {
		return nil, fmt.Errorf("mcpmgr: register metrics: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:     o,
		logger:   o.Logger,
		registry: o.Registry,
		policy:   ToolPolicy{Separator: o.ToolNameSeparator, DefaultTimeout: o.DefaultTimeout},
		loader:   &CapabilityLoader{Separator: o.ToolNameSeparator, Logger: o.Logger},
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
		tracked:  make(map[*ServerSession]struct{}),
		active:   make(map[string]*ServerSession),
		tools:    make(map[string]WrappedTool),
		prompts:  make(map[string]MCPPrompt),
		resolved: make(map[string]*jsonschema.Resolved),
	}, nil
}

// Registry returns the process registry the orchestrator spawns into.
func (o *Orchestrator) Registry() *ProcessRegistry { return o.registry }

// LoadAll connects to every enabled server concurrently and returns the
// unified result once every pipeline has settled. Failing servers only add
// entries to ServerErrors. Disabled servers are skipped silently. A second
// LoadAll replaces the previous result and closes the previous sessions.
//
// The error is non-nil only when ctx was cancelled, in which case the partial
// result is still returned, or when the orchestrator has been shut down.
func (o *Orchestrator) LoadAll(ctx context.Context, configs []ServerConfig) (*OrchestrationResult, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrOrchestratorClosed
	}
	o.loads.Add(1)
	o.mu.Unlock()
	defer o.loads.Done()

	loadCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(o.ctx, cancel)
	defer stop()

	result := &OrchestrationResult{ServerErrors: make(map[string][]string)}
	enabled := o.selectConfigs(configs, result)

	outcomes := make([]serverOutcome, len(enabled))
	var group errgroup.Group
	if o.opts.MaxConcurrentServers > 0 {
		group.SetLimit(o.opts.MaxConcurrentServers)
	}
	for i, cfg := range enabled {
		group.Go(func() error {
			outcomes[i] = o.runPipeline(loadCtx, cfg)
			return nil
		})
	}
	_ = group.Wait()

	o.merge(result, outcomes)

	if o.ctx.Err() != nil {
		return result, ErrOrchestratorClosed
	}
	o.install(result, outcomes)
	return result, ctx.Err()
}

func (o *Orchestrator) selectConfigs(configs []ServerConfig, result *OrchestrationResult) []ServerConfig {
	seen := make(map[string]struct{}, len(configs))
	enabled := make([]ServerConfig, 0, len(configs))
	for _, cfg := range configs {
		if baseOf(cfg) == nil {
			continue
		}
		if IsDisabled(cfg) {
			o.logger.Debug("skipping disabled MCP server", "server", NameOf(cfg))
			continue
		}
		name := NameOf(cfg)
		if name == "" {
			result.ServerErrors[name] = append(result.ServerErrors[name], "server name missing")
			continue
		}
		if _, dup := seen[name]; dup {
			o.logger.Warn("duplicate MCP server name, skipping", "server", name)
			result.ServerErrors[name] = append(result.ServerErrors[name], fmt.Sprintf("duplicate server name %q", name))
			continue
		}
		seen[name] = struct{}{}
		enabled = append(enabled, cfg)
	}
	return enabled
}

// runPipeline drives connect, capability loading and tool policy for one
// server. It never returns an error: failures are part of the outcome.
func (o *Orchestrator) runPipeline(ctx context.Context, cfg ServerConfig) serverOutcome {
	name := NameOf(cfg)
	out := serverOutcome{name: name, state: StateFailed}

	ready, err := o.connect(ctx, cfg)
	if err != nil {
		out.errs = append(out.errs, err.Error())
		o.metrics.serverSettled("failed")
		return out
	}
	out.session = ready.Session
	out.state = StateReady
	out.load = o.loader.Load(ctx, ready.Session, ready.Capabilities)
	out.tools = o.policy.Apply(cfg, out.load.Tools)
	out.errs = append(out.errs, out.load.Errors...)

	status := "ready"
	if len(out.errs) > 0 {
		status = "partial"
	}
	o.metrics.serverSettled(status)
	o.logger.Info("MCP server loaded", "server", name, "tools", len(out.tools), "prompts", len(out.load.Prompts), "resources", len(out.load.Resources), "errors", len(out.errs))
	return out
}

// connect makes up to ConnectAttempts attempts, each with a fresh session.
func (o *Orchestrator) connect(ctx context.Context, cfg ServerConfig) (*ServerInitResult, error) {
	var lastErr error
	for attempt := 1; attempt <= o.opts.ConnectAttempts; attempt++ {
		if attempt > 1 {
			o.logger.Info("retrying MCP server connection", "server", NameOf(cfg), "attempt", attempt, "error", lastErr)
			timer := time.NewTimer(o.opts.RetryBackoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, lastErr
			case <-timer.C:
			}
		}
		session := NewServerSession(cfg, &o.opts)
		if !o.track(session) {
			return nil, ErrOrchestratorClosed
		}
		err := session.Connect(ctx)
		if err == nil {
			return &ServerInitResult{
				Session:      session,
				Capabilities: session.Capabilities(),
				Config:       cfg,
				Process:      session.Process(),
			}, nil
		}
		o.untrack(session)
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (o *Orchestrator) track(s *ServerSession) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	o.tracked[s] = struct{}{}
	return true
}

func (o *Orchestrator) untrack(s *ServerSession) {
	o.mu.Lock()
	delete(o.tracked, s)
	o.mu.Unlock()
}

func (o *Orchestrator) merge(result *OrchestrationResult, outcomes []serverOutcome) {
	for _, out := range outcomes {
		result.Tools = append(result.Tools, out.tools...)
		result.Prompts = append(result.Prompts, out.load.Prompts...)
		result.Resources = append(result.Resources, out.load.Resources...)
		if len(out.errs) > 0 {
			result.ServerErrors[out.name] = append(result.ServerErrors[out.name], out.errs...)
		}
		result.Servers = append(result.Servers, ServerStatus{
			Name:      out.name,
			State:     out.state,
			Tools:     len(out.tools),
			Prompts:   len(out.load.Prompts),
			Resources: len(out.load.Resources),
			Errors:    out.errs,
		})
	}
	sort.Slice(result.Tools, func(i, j int) bool { return result.Tools[i].QualifiedName < result.Tools[j].QualifiedName })
	sort.Slice(result.Prompts, func(i, j int) bool { return result.Prompts[i].QualifiedName < result.Prompts[j].QualifiedName })
	sort.Slice(result.Resources, func(i, j int) bool {
		a, b := result.Resources[i], result.Resources[j]
		if a.ServerName != b.ServerName {
			return a.ServerName < b.ServerName
		}
		return a.URI < b.URI
	})
	sort.Slice(result.Servers, func(i, j int) bool { return result.Servers[i].Name < result.Servers[j].Name })
}

// install makes result the routing table and closes sessions from a previous
// load.
func (o *Orchestrator) install(result *OrchestrationResult, outcomes []serverOutcome) {
	active := make(map[string]*ServerSession, len(outcomes))
	for _, out := range outcomes {
		if out.session != nil {
			active[out.name] = out.session
		}
	}
	tools := make(map[string]WrappedTool, len(result.Tools))
	for _, t := range result.Tools {
		tools[t.QualifiedName] = t
	}
	prompts := make(map[string]MCPPrompt, len(result.Prompts))
	for _, p := range result.Prompts {
		prompts[p.QualifiedName] = p
	}

	o.mu.Lock()
	previous := o.active
	o.active = active
	o.tools = tools
	o.prompts = prompts
	o.result = result
	o.resolved = make(map[string]*jsonschema.Resolved)
	for _, s := range previous {
		delete(o.tracked, s)
	}
	o.mu.Unlock()

	o.metrics.setToolsLoaded(len(result.Tools))
	for _, s := range previous {
		if err := s.Close(); err != nil {
			o.logger.Debug("close previous MCP session", "server", s.Name(), "error", err)
		}
	}
}

// Result returns the most recent LoadAll result, or an empty result before
// the first load.
func (o *Orchestrator) Result() *OrchestrationResult {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.result == nil {
		return &OrchestrationResult{ServerErrors: map[string][]string{}}
	}
	return o.result
}

// Tool looks up a loaded tool by qualified name.
func (o *Orchestrator) Tool(qualifiedName string) (WrappedTool, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tools[qualifiedName]
	return t, ok
}

// Session returns the Ready session for a server from the last load.
func (o *Orchestrator) Session(server string) (*ServerSession, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.active[server]
	return s, ok
}

// CallTool resolves qualifiedName to its server and invokes the tool,
// consulting the Approver first when the tool requires approval. The call is
// bounded by the tool's timeout.
func (o *Orchestrator) CallTool(ctx context.Context, qualifiedName string, args any) (*mcp.CallToolResult, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrOrchestratorClosed
	}
	tool, ok := o.tools[qualifiedName]
	session := o.active[tool.ServerName]
	o.mu.Unlock()
	if !ok || session == nil {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, qualifiedName)
	}

	started := time.Now()
	res, err := o.invoke(ctx, session, tool, args)
	o.metrics.toolCalled(tool.ServerName, started, err)
	return res, err
}

func (o *Orchestrator) invoke(ctx context.Context, session *ServerSession, tool WrappedTool, args any) (*mcp.CallToolResult, error) {
	if o.opts.ValidateArguments {
		if err := o.validate(tool, args); err != nil {
			return nil, err
		}
	}
	if tool.RequiresApproval {
		if o.opts.Approver == nil {
			return nil, fmt.Errorf("%w: %s", ErrToolNotApproved, tool.QualifiedName)
		}
		req := newApprovalRequest(tool, args)
		approved, err := o.opts.Approver.Approve(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("mcpmgr: approve %s: %w", tool.QualifiedName, err)
		}
		if !approved {
			o.logger.Info("MCP tool call rejected", "tool", tool.QualifiedName, "request_id", req.ID)
			return nil, fmt.Errorf("%w: %s", ErrToolNotApproved, tool.QualifiedName)
		}
	}
	return session.CallTool(ctx, tool.Name, args, tool.Timeout)
}

// validate checks args against the tool's input schema. Tools whose schema
// cannot be resolved are not validated.
func (o *Orchestrator) validate(tool WrappedTool, args any) error {
	resolved := o.resolvedSchema(tool)
	if resolved == nil {
		return nil
	}
	var instance any = map[string]any{}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, tool.QualifiedName, err)
		}
		if err := json.Unmarshal(raw, &instance); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, tool.QualifiedName, err)
		}
	}
	if err := resolved.Validate(instance); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArguments, tool.QualifiedName, err)
	}
	return nil
}

func (o *Orchestrator) resolvedSchema(tool WrappedTool) *jsonschema.Resolved {
	o.mu.Lock()
	resolved, cached := o.resolved[tool.QualifiedName]
	o.mu.Unlock()
	if cached {
		return resolved
	}
	if len(tool.InputSchema) > 0 {
		var schema jsonschema.Schema
		if err := json.Unmarshal(tool.InputSchema, &schema); err == nil {
			if r, err := schema.Resolve(nil); err == nil {
				resolved = r
			} else {
				o.logger.Debug("input schema not resolvable, skipping validation", "tool", tool.QualifiedName, "error", err)
			}
		}
	}
	o.mu.Lock()
	o.resolved[tool.QualifiedName] = resolved
	o.mu.Unlock()
	return resolved
}

// GetPrompt renders a prompt by qualified name.
func (o *Orchestrator) GetPrompt(ctx context.Context, qualifiedName string, args map[string]string) (*mcp.GetPromptResult, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrOrchestratorClosed
	}
	prompt, ok := o.prompts[qualifiedName]
	session := o.active[prompt.ServerName]
	o.mu.Unlock()
	if !ok || session == nil {
		return nil, fmt.Errorf("%w: %s", ErrPromptNotFound, qualifiedName)
	}
	return session.GetPrompt(ctx, prompt.Name, args)
}

// ReadResource reads uri from the named server.
func (o *Orchestrator) ReadResource(ctx context.Context, server, uri string) (*mcp.ReadResourceResult, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrOrchestratorClosed
	}
	session, ok := o.active[server]
	o.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrServerNotFound, server)
	}
	return session.ReadResource(ctx, uri)
}

// Shutdown aborts in-flight loads, closes every session including partially
// connected ones, waits for pipelines to settle (bounded by ctx) and then
// terminates every registered child process. Only the first call does any
// work; later calls return the same error.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.shutdownOnce.Do(func() {
		o.shutdownErr = o.shutdown(ctx)
	})
	return o.shutdownErr
}

func (o *Orchestrator) shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	sessions := make([]*ServerSession, 0, len(o.tracked))
	for s := range o.tracked {
		sessions = append(sessions, s)
	}
	clear(o.tracked)
	clear(o.active)
	clear(o.tools)
	clear(o.prompts)
	o.mu.Unlock()

	o.cancel()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func(s *ServerSession) {
			defer wg.Done()
			if err := s.Close(); err != nil {
				o.logger.Debug("close MCP session", "server", s.Name(), "error", err)
			}
		}(s)
	}
	wg.Wait()

	var errs []error
	settled := make(chan struct{})
	go func() {
		o.loads.Wait()
		close(settled)
	}()
	select {
	case <-settled:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("mcpmgr: waiting for loads: %w", ctx.Err()))
	}

	if err := o.registry.CleanupAll(); err != nil {
		errs = append(errs, err)
	}
	o.logger.Info("MCP orchestrator shut down", "sessions", len(sessions))
	return errors.Join(errs...)
}
