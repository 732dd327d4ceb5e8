package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// SessionState is a ServerSession lifecycle state.
type SessionState int32

const (
	StateUnconnected SessionState = iota
	StateConnecting
	StateHandshaking
	StateReady
	StateFailed
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool { return s == StateFailed || s == StateClosed }

// ServerSession is the connection and negotiated protocol state for one
// configured server. It is single-use: after Failed or Closed a new session
// must be created.
type ServerSession struct {
	name   string
	cfg    ServerConfig
	opts   OrchestratorOptions
	logger *slog.Logger

	mu      sync.Mutex
	state   SessionState
	err     error
	session *mcp.ClientSession
	caps    ServerCapabilities
	info    *mcp.Implementation
	process *processHandle

	connCancel context.CancelFunc
	aborted    bool
}

var _ CapabilitySource = (*ServerSession)(nil)

// NewServerSession returns an Unconnected session for cfg. opts supplies the
// process registry, logger and timeout defaults.
func NewServerSession(cfg ServerConfig, opts *OrchestratorOptions) *ServerSession {
	o := opts.withDefaults()
	name := NameOf(cfg)
	return &ServerSession{
		name:   name,
		cfg:    cfg,
		opts:   o,
		logger: o.Logger.With("server", name),
	}
}

// Name returns the configured server name.
func (s *ServerSession) Name() string { return s.name }

// Config returns the configuration the session was created from.
func (s *ServerSession) Config() ServerConfig { return s.cfg }

// State returns the current lifecycle state.
func (s *ServerSession) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to Failed, if any.
func (s *ServerSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Capabilities returns what the server declared during initialize.
func (s *ServerSession) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// ServerInfo returns the implementation info the server reported, or nil
// before the session is Ready.
func (s *ServerSession) ServerInfo() *mcp.Implementation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// Process returns the handle of the spawned child, or nil for HTTP servers.
func (s *ServerSession) Process() ProcessHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.process == nil {
		return nil
	}
	return s.process
}

// Connect establishes the transport and performs the initialize handshake,
// bounded together by the server's InitTimeout. It moves the session to
// Ready or Failed and never retries. Calling Connect twice is an error.
func (s *ServerSession) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateUnconnected {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("mcpmgr: connect %s: session is %s", s.name, state)
	}
	s.state = StateConnecting
	s.mu.Unlock()

	transports, err := newTransports(s.cfg, transportDeps{
		registry:  s.opts.Registry,
		logger:    s.logger,
		rpcLogger: s.opts.RPCLogger,
		grace:     s.opts.Registry.grace,
		spawned:   s.attachProcess,
	})
	if err != nil {
		return s.fail(ctx, err)
	}

	base := s.cfg.base()
	timeout := initTimeout(base, s.opts.DefaultInitTimeout)
	var errs []error
	for i, transport := range transports {
		if i > 0 {
			s.logger.Info("falling back to SSE transport", "error", errs[len(errs)-1])
			s.setState(StateConnecting)
		}
		session, err := s.connectOnce(ctx, transport, timeout)
		if err == nil {
			return s.ready(session)
		}
		errs = append(errs, err)
		if ctx.Err() != nil {
			break
		}
	}
	if len(errs) == 1 {
		return s.fail(ctx, errs[0])
	}
	return s.fail(ctx, errors.Join(errs...))
}

func (s *ServerSession) connectOnce(ctx context.Context, transport mcp.Transport, timeout time.Duration) (*mcp.ClientSession, error) {
	// The connection outlives the handshake, so it gets its own context.
	// It is cancelled by Close, or by abort when the handshake does not
	// finish in time.
	connCtx, connCancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.aborted = false
	s.connCancel = connCancel
	s.mu.Unlock()

	tracker := &connectTracker{
		ctx:       connCtx,
		delegate:  transport,
		connected: func() { s.setState(StateHandshaking) },
	}
	version := s.opts.ClientVersion
	if base := s.cfg.base(); base.Version != "" {
		version = base.Version
	}
	client := mcp.NewClient(&mcp.Implementation{Name: s.opts.ClientName, Version: version}, &mcp.ClientOptions{
		LoggingMessageHandler: s.forwardServerLog,
	})

	initCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	// A server that never answers initialize would otherwise keep
	// client.Connect waiting on its own cleanup forever.
	stop := context.AfterFunc(initCtx, s.abort)
	session, err := client.Connect(initCtx, tracker, nil)
	if err == nil {
		if stop() {
			return session, nil
		}
		// The deadline fired after initialize completed; the connection is
		// already torn down.
		_ = session.Close()
		err = initCtx.Err()
	}
	stop()
	connCancel()

	timedOut := ctx.Err() == nil && errors.Is(initCtx.Err(), context.DeadlineExceeded)
	switch {
	case ctx.Err() != nil:
		return nil, fmt.Errorf("mcpmgr: connect %s: %w", s.name, ctx.Err())
	case timedOut:
		return nil, &HandshakeTimeoutError{Server: s.name, Timeout: timeout, Err: err}
	case tracker.err != nil:
		var connErr *ConnectionError
		if errors.As(tracker.err, &connErr) {
			return nil, connErr
		}
		return nil, &ConnectionError{Server: s.name, Err: tracker.err}
	}
	if p := s.currentProcess(); p != nil {
		// Make sure the child is reaped before asking how it exited.
		_ = p.Terminate(s.opts.Registry.grace)
		if cause := p.ExitError(); cause != nil {
			return nil, &ConnectionError{Server: s.name, Err: fmt.Errorf("process exited during initialize: %w", cause)}
		}
	}
	return nil, &ConnectionError{Server: s.name, Err: fmt.Errorf("initialize: %w", err)}
}

// abort tears down an in-progress connection attempt: it cancels the
// connection context and kills the child, so pending reads fail and the
// go-sdk can finish closing its session.
func (s *ServerSession) abort() {
	s.mu.Lock()
	s.aborted = true
	cancel := s.connCancel
	p := s.process
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if p != nil {
		p.kill()
	}
}

func (s *ServerSession) ready(session *mcp.ClientSession) error {
	var caps ServerCapabilities
	var info *mcp.Implementation
	if res := session.InitializeResult(); res != nil {
		caps = capabilitiesFrom(res.Capabilities)
		info = res.ServerInfo
	}
	s.mu.Lock()
	if s.state.Terminal() {
		// Closed concurrently while the handshake was completing.
		s.mu.Unlock()
		_ = session.Close()
		s.releaseProcess(true)
		return fmt.Errorf("mcpmgr: connect %s: %w", s.name, ErrSessionNotReady)
	}
	s.session = session
	s.caps = caps
	s.info = info
	s.state = StateReady
	s.mu.Unlock()

	s.logger.Info("MCP server ready", "tools", caps.Tools, "prompts", caps.Prompts, "resources", caps.Resources)
	go s.monitor(session)
	return nil
}

func (s *ServerSession) fail(ctx context.Context, err error) error {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = StateFailed
		s.err = err
	}
	s.mu.Unlock()
	s.logger.Warn("MCP server failed to connect", "error", err)
	// On cancellation the child has already been killed by abort; it stays
	// registered until CleanupAll reaps it.
	s.releaseProcess(ctx.Err() == nil)
	return err
}

// monitor logs when the server goes away underneath a Ready session.
func (s *ServerSession) monitor(session *mcp.ClientSession) {
	err := session.Wait()
	if s.State() != StateReady {
		return
	}
	s.logger.Warn("MCP server connection lost", "error", err)
}

// Close moves the session to Closed, closes the protocol session and
// terminates any child process. Safe to call in every state and more than
// once, including while Connect is still running.
func (s *ServerSession) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	session := s.session
	connCancel := s.connCancel
	s.session = nil
	s.state = StateClosed
	s.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}
	if connCancel != nil {
		connCancel()
	}
	s.releaseProcess(true)
	s.logger.Debug("MCP session closed")
	return err
}

func (s *ServerSession) attachProcess(p *processHandle) {
	s.mu.Lock()
	s.process = p
	closed := s.state == StateClosed
	aborted := s.aborted
	s.mu.Unlock()
	switch {
	case closed:
		// Close raced with the spawn; do not leave the child behind.
		s.releaseProcess(true)
	case aborted:
		p.kill()
	}
}

func (s *ServerSession) currentProcess() *processHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.process
}

func (s *ServerSession) releaseProcess(terminate bool) {
	p := s.currentProcess()
	if p == nil || !terminate {
		return
	}
	if err := p.Terminate(s.opts.Registry.grace); err != nil {
		s.logger.Warn("terminate MCP subprocess", "pid", p.Pid(), "error", err)
		return
	}
	s.opts.Registry.Unregister(p)
}

func (s *ServerSession) setState(state SessionState) {
	s.mu.Lock()
	if !s.state.Terminal() {
		s.state = state
	}
	s.mu.Unlock()
}

func (s *ServerSession) forwardServerLog(_ context.Context, req *mcp.LoggingMessageRequest) {
	if req == nil || req.Params == nil {
		return
	}
	level := slog.LevelInfo
	switch req.Params.Level {
	case "debug":
		level = slog.LevelDebug
	case "warning", "notice":
		level = slog.LevelWarn
	case "error", "critical", "alert", "emergency":
		level = slog.LevelError
	}
	s.logger.Log(context.Background(), level, "MCP server log", "logger", req.Params.Logger, "data", req.Params.Data)
}

func (s *ServerSession) readySession() (*mcp.ClientSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady || s.session == nil {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotReady, s.name, s.state)
	}
	return s.session, nil
}

// call runs fn bounded by timeout. A deadline miss that is not the caller's
// own deadline becomes a CallTimeoutError; the session stays Ready.
func (s *ServerSession) call(ctx context.Context, method, target string, timeout time.Duration, fn func(context.Context, *mcp.ClientSession) error) error {
	session, err := s.readySession()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = callTimeout(s.cfg.base(), s.opts.DefaultTimeout)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err = fn(callCtx, session)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return &CallTimeoutError{Server: s.name, Method: method, Target: target, Timeout: timeout}
	}
	return err
}

// ListTools returns every tool, following pagination cursors.
func (s *ServerSession) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	var tools []*mcp.Tool
	err := s.call(ctx, "tools/list", "", 0, func(ctx context.Context, cs *mcp.ClientSession) error {
		params := &mcp.ListToolsParams{}
		for {
			res, err := cs.ListTools(ctx, params)
			if err != nil {
				return err
			}
			tools = append(tools, res.Tools...)
			if res.NextCursor == "" {
				return nil
			}
			params = &mcp.ListToolsParams{Cursor: res.NextCursor}
		}
	})
	return tools, err
}

// ListPrompts returns every prompt, following pagination cursors.
func (s *ServerSession) ListPrompts(ctx context.Context) ([]*mcp.Prompt, error) {
	var prompts []*mcp.Prompt
	err := s.call(ctx, "prompts/list", "", 0, func(ctx context.Context, cs *mcp.ClientSession) error {
		params := &mcp.ListPromptsParams{}
		for {
			res, err := cs.ListPrompts(ctx, params)
			if err != nil {
				return err
			}
			prompts = append(prompts, res.Prompts...)
			if res.NextCursor == "" {
				return nil
			}
			params = &mcp.ListPromptsParams{Cursor: res.NextCursor}
		}
	})
	return prompts, err
}

// ListResources returns every resource, following pagination cursors.
func (s *ServerSession) ListResources(ctx context.Context) ([]*mcp.Resource, error) {
	var resources []*mcp.Resource
	err := s.call(ctx, "resources/list", "", 0, func(ctx context.Context, cs *mcp.ClientSession) error {
		params := &mcp.ListResourcesParams{}
		for {
			res, err := cs.ListResources(ctx, params)
			if err != nil {
				return err
			}
			resources = append(resources, res.Resources...)
			if res.NextCursor == "" {
				return nil
			}
			params = &mcp.ListResourcesParams{Cursor: res.NextCursor}
		}
	})
	return resources, err
}

// CallTool invokes the tool by its local name. A JSON-RPC error or a result
// flagged IsError is returned as a ToolExecutionError; for the latter the
// result is returned too. timeout <= 0 uses the server's call timeout.
func (s *ServerSession) CallTool(ctx context.Context, tool string, args any, timeout time.Duration) (*mcp.CallToolResult, error) {
	var res *mcp.CallToolResult
	err := s.call(ctx, "tools/call", tool, timeout, func(ctx context.Context, cs *mcp.ClientSession) error {
		var err error
		res, err = cs.CallTool(ctx, &mcp.CallToolParams{Name: tool, Arguments: args})
		return err
	})
	if err != nil {
		var timeoutErr *CallTimeoutError
		if errors.As(err, &timeoutErr) || errors.Is(err, ErrSessionNotReady) || ctx.Err() != nil {
			return nil, err
		}
		return nil, &ToolExecutionError{Server: s.name, Tool: tool, Err: err}
	}
	if res != nil && res.IsError {
		return res, &ToolExecutionError{Server: s.name, Tool: tool, Message: resultText(res)}
	}
	return res, nil
}

// GetPrompt renders a prompt by its local name.
func (s *ServerSession) GetPrompt(ctx context.Context, prompt string, args map[string]string) (*mcp.GetPromptResult, error) {
	var res *mcp.GetPromptResult
	err := s.call(ctx, "prompts/get", prompt, 0, func(ctx context.Context, cs *mcp.ClientSession) error {
		var err error
		res, err = cs.GetPrompt(ctx, &mcp.GetPromptParams{Name: prompt, Arguments: args})
		return err
	})
	return res, err
}

// ReadResource reads the resource at uri.
func (s *ServerSession) ReadResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	var res *mcp.ReadResourceResult
	err := s.call(ctx, "resources/read", uri, 0, func(ctx context.Context, cs *mcp.ClientSession) error {
		var err error
		res, err = cs.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
		return err
	})
	return res, err
}

func resultText(res *mcp.CallToolResult) string {
	for _, c := range res.Content {
		if text, ok := c.(*mcp.TextContent); ok && text.Text != "" {
			return text.Text
		}
	}
	return "tool reported an error"
}
