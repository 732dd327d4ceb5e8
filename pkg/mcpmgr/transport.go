package mcpmgr

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RPCDirection represents the direction of an observed JSON-RPC message.
type RPCDirection string

const (
	RPCDirectionSend    RPCDirection = "send"
	RPCDirectionReceive RPCDirection = "receive"
)

// RPCLogEvent encapsulates JSON-RPC traffic for custom logging.
type RPCLogEvent struct {
	Direction RPCDirection
	Message   []byte
	Server    string
}

// RPCLogger is invoked for each JSON-RPC message when logging is enabled.
type RPCLogger func(RPCLogEvent)

// transportDeps carries what transport construction needs from the
// orchestrator without reaching for package-level state.
type transportDeps struct {
	registry  *ProcessRegistry
	logger    *slog.Logger
	rpcLogger RPCLogger
	grace     time.Duration
	// spawned is called with every process handle right after it starts.
	spawned func(*processHandle)
}

// newTransports returns the transports to try, in order, for cfg. Stdio and
// plain SSE configs yield one transport; Streamable SSE configs yield the
// Streamable HTTP transport followed by the SSE fallback.
func newTransports(cfg ServerConfig, deps transportDeps) ([]mcp.Transport, error) {
	name := NameOf(cfg)
	var out []mcp.Transport
	switch c := cfg.(type) {
	case *StdioServerConfig:
		if c.Command == "" {
			return nil, &ConnectionError{Server: name, Err: errors.New("command missing")}
		}
		out = append(out, &stdioTransport{
			server:   name,
			cfg:      c,
			registry: deps.registry,
			logger:   deps.logger,
			grace:    deps.grace,
			spawned:  deps.spawned,
		})
	case *SSEServerConfig:
		if c.URL == "" {
			return nil, &ConnectionError{Server: name, Err: errors.New("url missing")}
		}
		client := decorateHTTPClient(c.HTTPClient, c.Headers, c.AuthProvider)
		if c.Streamable {
			out = append(out, &mcp.StreamableClientTransport{
				Endpoint:   c.URL,
				HTTPClient: client,
				MaxRetries: c.MaxRetries,
			})
		}
		out = append(out, &mcp.SSEClientTransport{Endpoint: c.URL, HTTPClient: client})
	default:
		return nil, &ConnectionError{Server: name, Err: fmt.Errorf("unsupported config %T", cfg)}
	}

	logger := resolveRPCLogger(cfg.base(), deps)
	if logger != nil {
		for i, t := range out {
			out[i] = &loggingTransport{server: name, delegate: t, logger: logger}
		}
	}
	return out, nil
}

func resolveRPCLogger(base *BaseServerConfig, deps transportDeps) RPCLogger {
	if !base.LogJSONRPC {
		return nil
	}
	if deps.rpcLogger != nil {
		return deps.rpcLogger
	}
	logger := deps.logger
	return func(event RPCLogEvent) {
		logger.Debug("MCP JSON-RPC", "server", event.Server, "direction", string(event.Direction), "message", string(event.Message))
	}
}

// stdioTransport spawns the configured command through mcp.CommandTransport
// and speaks newline-delimited JSON-RPC over its stdin/stdout. Stderr is
// logged, never parsed.
type stdioTransport struct {
	server   string
	cfg      *StdioServerConfig
	registry *ProcessRegistry
	logger   *slog.Logger
	grace    time.Duration
	spawned  func(*processHandle)
}

func (t *stdioTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cmd := exec.Command(t.cfg.Command, t.cfg.Args...)
	cmd.Dir = t.cfg.Dir
	cmd.Env = mergeEnv(os.Environ(), t.cfg.Env)
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		return nil, &ConnectionError{Server: t.server, Err: fmt.Errorf("create stderr pipe: %w", err)}
	}
	cmd.Stderr = stderrW

	grace := t.grace
	if grace <= 0 {
		grace = DefaultTerminateGrace
	}
	t.logger.Info("starting MCP subprocess", "server", t.server, "command", t.cfg.Command, "args", t.cfg.Args)
	conn, err := (&mcp.CommandTransport{Command: cmd, TerminateDuration: grace}).Connect(ctx)
	// The child holds its own copy of the write end now.
	_ = stderrW.Close()
	if err != nil {
		_ = stderrR.Close()
		return nil, &ConnectionError{Server: t.server, Err: fmt.Errorf("start subprocess %s: %w", t.cfg.Command, err)}
	}

	handle := &processHandle{
		server: t.server,
		cmd:    cmd,
		conn:   conn,
		logger: t.logger,
		done:   make(chan struct{}),
	}
	go handle.drainStderr(stderrR)
	t.logger.Info("MCP subprocess started", "server", t.server, "pid", cmd.Process.Pid)

	// Registered before the handshake so a crash or cancellation from here
	// on still leaves the process reachable by CleanupAll.
	if t.registry != nil {
		t.registry.Register(handle)
	}
	if t.spawned != nil {
		t.spawned(handle)
	}
	return &processConn{Connection: conn, handle: handle}, nil
}

// processConn routes Close through the owning handle so the process is
// terminated once, whoever closes first.
type processConn struct {
	mcp.Connection
	handle *processHandle
}

func (c *processConn) Close() error { return c.handle.Terminate(0) }

// processHandle owns one spawned child process and the go-sdk connection
// that talks to it. Closing that connection closes stdin, then sends SIGTERM
// and finally kills the child, waiting the transport's TerminateDuration
// between steps, and reaps it.
type processHandle struct {
	server string
	cmd    *exec.Cmd
	conn   mcp.Connection
	logger *slog.Logger

	termOnce sync.Once
	termErr  error
	waitErr  error
	done     chan struct{}
}

var _ ProcessHandle = (*processHandle)(nil)

func (p *processHandle) drainStderr(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		p.logger.Debug("MCP subprocess stderr", "server", p.server, "line", scanner.Text())
	}
}

func (p *processHandle) ServerName() string { return p.server }

func (p *processHandle) Pid() int { return p.cmd.Process.Pid }

// Exited reports whether the process has been terminated and reaped.
func (p *processHandle) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ExitError returns the wait error once the process has exited: nil for a
// clean exit, an *exec.ExitError otherwise.
func (p *processHandle) ExitError() error {
	if !p.Exited() {
		return nil
	}
	return p.waitErr
}

// Terminate closes the connection, which escalates from closing stdin to
// SIGTERM and Kill. The escalation interval is fixed when the process is
// started, so grace is ignored. Only the first call does any work.
func (p *processHandle) Terminate(time.Duration) error {
	p.termOnce.Do(func() {
		err := p.conn.Close()
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// The process is gone; a non-zero status is not a termination failure.
			p.waitErr = err
			err = nil
		}
		if err != nil {
			p.logger.Warn("terminate MCP subprocess", "server", p.server, "pid", p.Pid(), "error", err)
			p.termErr = fmt.Errorf("terminate %s (pid %d): %w", p.server, p.Pid(), err)
		}
		close(p.done)
		p.logger.Debug("MCP subprocess exited", "server", p.server, "pid", p.Pid(), "error", p.waitErr)
	})
	return p.termErr
}

// kill sends SIGKILL without waiting. A later Terminate reaps the child.
func (p *processHandle) kill() {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Debug("kill MCP subprocess", "server", p.server, "pid", p.Pid(), "error", err)
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := append([]string(nil), base...)
	for _, k := range keys {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// connectTracker records whether the wrapped transport's Connect succeeded, so
// a failure inside client.Connect can be attributed to the connection or to
// the handshake that follows it. The delegate is connected under ctx rather
// than the handshake context: SSE and Streamable connections keep their
// streams open on the context they were connected with.
type connectTracker struct {
	ctx       context.Context
	delegate  mcp.Transport
	connected func()
	err       error
}

func (c *connectTracker) Connect(context.Context) (mcp.Connection, error) {
	conn, err := c.delegate.Connect(c.ctx)
	if err != nil {
		c.err = err
		return nil, err
	}
	if c.connected != nil {
		c.connected()
	}
	return conn, nil
}

type loggingTransport struct {
	server   string
	delegate mcp.Transport
	logger   RPCLogger
}

func (t *loggingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	conn, err := t.delegate.Connect(ctx)
	if err != nil {
		return nil, err
	}
	return &loggingConnection{server: t.server, delegate: conn, logger: t.logger}, nil
}

type loggingConnection struct {
	server   string
	delegate mcp.Connection
	logger   RPCLogger
	mu       sync.Mutex
}

func (c *loggingConnection) SessionID() string { return c.delegate.SessionID() }

func (c *loggingConnection) Read(ctx context.Context) (jsonrpc.Message, error) {
	msg, err := c.delegate.Read(ctx)
	if err == nil {
		c.emit(RPCDirectionReceive, msg)
	}
	return msg, err
}

func (c *loggingConnection) Write(ctx context.Context, msg jsonrpc.Message) error {
	if err := c.delegate.Write(ctx, msg); err != nil {
		return err
	}
	c.emit(RPCDirectionSend, msg)
	return nil
}

func (c *loggingConnection) Close() error { return c.delegate.Close() }

func (c *loggingConnection) emit(direction RPCDirection, msg jsonrpc.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	encoded, err := json.Marshal(msg)
	if err != nil {
		encoded = []byte(err.Error())
	}
	c.logger(RPCLogEvent{Direction: direction, Message: encoded, Server: c.server})
}

func decorateHTTPClient(base *http.Client, headers http.Header, provider HTTPAuthProvider) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	if len(headers) == 0 && provider == nil {
		return base
	}
	clone := *base
	clone.Transport = &headerDecorator{
		next:         defaultRoundTripper(base.Transport),
		headers:      cloneHeader(headers),
		authProvider: provider,
	}
	return &clone
}

func cloneHeader(h http.Header) http.Header {
	if len(h) == 0 {
		return nil
	}
	clone := make(http.Header, len(h))
	for k, values := range h {
		clone[k] = append([]string(nil), values...)
	}
	return clone
}

type headerDecorator struct {
	next         http.RoundTripper
	headers      http.Header
	authProvider HTTPAuthProvider
}

func (d *headerDecorator) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	for k, values := range d.headers {
		req.Header.Del(k)
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	if d.authProvider != nil && req.Header.Get("Authorization") == "" {
		token, err := d.authProvider(req.Context())
		if err != nil {
			return nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", token)
		}
	}
	return d.next.RoundTrip(req)
}

func defaultRoundTripper(next http.RoundTripper) http.RoundTripper {
	if next != nil {
		return next
	}
	return http.DefaultTransport
}
