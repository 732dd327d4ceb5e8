package mcpmgr

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolNames(tools []*mcp.Tool) []string {
	names := make([]string, 0, len(tools))
	for _, t := range tools {
		names = append(names, t.Name)
	}
	return names
}

func TestServerSessionStdioLifecycle(t *testing.T) {
	skipProcessTests(t)
	t.Parallel()

	opts := testOptions(t)
	session := NewServerSession(helperConfig(t, "local", modeBasic), opts)
	assert.Equal(t, StateUnconnected, session.State())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, session.Connect(ctx))
	assert.Equal(t, StateReady, session.State())
	assert.Equal(t, ServerCapabilities{Tools: true}, session.Capabilities())
	require.NotNil(t, session.ServerInfo())
	assert.Equal(t, "test-server", session.ServerInfo().Name)

	proc := session.Process()
	require.NotNil(t, proc)
	assert.Positive(t, proc.Pid())
	assert.Equal(t, 1, opts.Registry.Len())

	tools, err := session.ListTools(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"search", "danger"}, toolNames(tools))

	require.Error(t, session.Connect(ctx), "connect is single use")

	require.NoError(t, session.Close())
	assert.Equal(t, StateClosed, session.State())
	assert.Zero(t, opts.Registry.Len())
	assert.True(t, proc.(*processHandle).Exited())

	require.NoError(t, session.Close())
	_, err = session.ListTools(ctx)
	require.ErrorIs(t, err, ErrSessionNotReady)
}

func TestServerSessionHandshakeTimeout(t *testing.T) {
	skipProcessTests(t)
	t.Parallel()

	opts := testOptions(t)
	cfg := helperConfig(t, "stuck", modeStall)
	cfg.InitTimeout = 300 * time.Millisecond
	session := NewServerSession(cfg, opts)

	err := within(t, 10*time.Second, func() error { return session.Connect(context.Background()) })
	var timeoutErr *HandshakeTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "stuck", timeoutErr.Server)
	assert.Equal(t, 300*time.Millisecond, timeoutErr.Timeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateFailed, session.State())
	assert.Equal(t, err, session.Err())
	assert.Zero(t, opts.Registry.Len(), "failed session must not leave its process behind")

	require.NoError(t, session.Close())
	assert.Equal(t, StateClosed, session.State())
}

func TestServerSessionProcessExitsImmediately(t *testing.T) {
	skipProcessTests(t)
	t.Parallel()

	opts := testOptions(t)
	session := NewServerSession(helperConfig(t, "quitter", modeExit), opts)

	err := session.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "quitter", connErr.Server)
	assert.Equal(t, StateFailed, session.State())
	assert.Zero(t, opts.Registry.Len())
}

func TestServerSessionSpawnFailure(t *testing.T) {
	t.Parallel()

	opts := testOptions(t)
	session := NewServerSession(&StdioServerConfig{
		BaseServerConfig: BaseServerConfig{Name: "ghost"},
		Command:          "/definitely/not/a/real/binary",
	}, opts)

	err := session.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "ghost", connErr.Server)
	assert.ErrorIs(t, err, os.ErrNotExist)
	assert.Equal(t, StateFailed, session.State())
	assert.Nil(t, session.Process())
	assert.Zero(t, opts.Registry.Len())
}

func TestServerSessionMissingCommand(t *testing.T) {
	t.Parallel()

	session := NewServerSession(&StdioServerConfig{BaseServerConfig: BaseServerConfig{Name: "empty"}}, testOptions(t))
	var connErr *ConnectionError
	require.ErrorAs(t, session.Connect(context.Background()), &connErr)
	assert.Equal(t, StateFailed, session.State())
}

func TestServerSessionCallTimeoutKeepsSessionReady(t *testing.T) {
	skipProcessTests(t)
	t.Parallel()

	session := NewServerSession(helperConfig(t, "full", modeFull), testOptions(t))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, session.Connect(ctx))
	defer session.Close()

	_, err := session.CallTool(ctx, "slow", nil, 200*time.Millisecond)
	var timeoutErr *CallTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "slow", timeoutErr.Target)
	assert.Equal(t, "tools/call", timeoutErr.Method)
	assert.Equal(t, StateReady, session.State())

	res, err := session.CallTool(ctx, "search", map[string]any{"query": "go"}, 0)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "go")
}

func TestServerSessionToolExecutionError(t *testing.T) {
	skipProcessTests(t)
	t.Parallel()

	session := NewServerSession(helperConfig(t, "full", modeFull), testOptions(t))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, session.Connect(ctx))
	defer session.Close()

	res, err := session.CallTool(ctx, "fail", nil, 0)
	var execErr *ToolExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, "disk on fire", execErr.Message)
	assert.Equal(t, "full", execErr.Server)
	require.NotNil(t, res)
	assert.True(t, res.IsError)

	_, err = session.CallTool(ctx, "no-such-tool", nil, 0)
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, StateReady, session.State())
}

func TestServerSessionSSE(t *testing.T) {
	t.Parallel()

	ts := sseServer(t)
	session := NewServerSession(&SSEServerConfig{
		BaseServerConfig: BaseServerConfig{Name: "remote"},
		URL:              ts.URL,
	}, testOptions(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, session.Connect(ctx))
	defer session.Close()

	assert.Equal(t, ServerCapabilities{Tools: true, Prompts: true, Resources: true}, session.Capabilities())
	assert.Nil(t, session.Process())

	prompts, err := session.ListPrompts(ctx)
	require.NoError(t, err)
	require.Len(t, prompts, 1)
	assert.Equal(t, "greet", prompts[0].Name)

	rendered, err := session.GetPrompt(ctx, "greet", map[string]string{"name": "gopher"})
	require.NoError(t, err)
	require.Len(t, rendered.Messages, 1)
	assert.Equal(t, "hello gopher", rendered.Messages[0].Content.(*mcp.TextContent).Text)

	resources, err := session.ListResources(ctx)
	require.NoError(t, err)
	require.Len(t, resources, 1)

	read, err := session.ReadResource(ctx, resources[0].URI)
	require.NoError(t, err)
	require.Len(t, read.Contents, 1)
	assert.Equal(t, "read me", read.Contents[0].Text)
}

func TestServerSessionSSEOutlivesHandshake(t *testing.T) {
	t.Parallel()

	ts := sseServer(t)
	session := NewServerSession(&SSEServerConfig{
		BaseServerConfig: BaseServerConfig{Name: "remote", InitTimeout: time.Second},
		URL:              ts.URL,
	}, testOptions(t))
	require.NoError(t, session.Connect(context.Background()))
	defer session.Close()

	// Past the handshake deadline the event stream must still be open.
	time.Sleep(1500 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := session.CallTool(ctx, "search", map[string]any{"query": "late"}, 0)
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	assert.Contains(t, res.Content[0].(*mcp.TextContent).Text, "late")
	assert.Equal(t, StateReady, session.State())
}

func TestServerSessionSSEHandshakeTimeout(t *testing.T) {
	t.Parallel()

	// Opens the event stream but never sends the endpoint event.
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	t.Cleanup(ts.Close)

	session := NewServerSession(&SSEServerConfig{
		BaseServerConfig: BaseServerConfig{Name: "mute", InitTimeout: 300 * time.Millisecond},
		URL:              ts.URL,
	}, testOptions(t))

	err := within(t, 10*time.Second, func() error { return session.Connect(context.Background()) })
	var timeoutErr *HandshakeTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "mute", timeoutErr.Server)
	assert.Equal(t, StateFailed, session.State())
}

func TestServerSessionCancelDuringHandshake(t *testing.T) {
	skipProcessTests(t)
	t.Parallel()

	opts := testOptions(t)
	cfg := helperConfig(t, "stuck", modeStall)
	cfg.InitTimeout = time.Minute
	session := NewServerSession(cfg, opts)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(300*time.Millisecond, cancel)
	err := within(t, 10*time.Second, func() error { return session.Connect(ctx) })
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, session.State())

	proc := session.Process()
	require.NotNil(t, proc)
	assert.True(t, proc.(*processHandle).Exited(), "killed child must be reaped")
	assert.Equal(t, 1, opts.Registry.Len())
	require.NoError(t, opts.Registry.CleanupAll())
	assert.Zero(t, opts.Registry.Len())
}

func TestServerSessionStreamableFallsBackToSSE(t *testing.T) {
	t.Parallel()

	ts := sseServer(t)
	session := NewServerSession(&SSEServerConfig{
		BaseServerConfig: BaseServerConfig{Name: "legacy"},
		URL:              ts.URL,
		Streamable:       true,
	}, testOptions(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, session.Connect(ctx))
	defer session.Close()
	assert.Equal(t, StateReady, session.State())
}

func TestServerSessionStreamable(t *testing.T) {
	t.Parallel()

	ts := streamableServer(t)
	session := NewServerSession(&SSEServerConfig{
		BaseServerConfig: BaseServerConfig{Name: "modern"},
		URL:              ts.URL,
		Streamable:       true,
	}, testOptions(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, session.Connect(ctx))
	defer session.Close()

	tools, err := session.ListTools(ctx)
	require.NoError(t, err)
	assert.Contains(t, toolNames(tools), "search")
}

func TestServerSessionConnectionRefused(t *testing.T) {
	t.Parallel()

	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	session := NewServerSession(&SSEServerConfig{
		BaseServerConfig: BaseServerConfig{Name: "down", InitTimeout: 5 * time.Second},
		URL:              url,
	}, testOptions(t))

	err := session.Connect(context.Background())
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, "down", connErr.Server)
	assert.Equal(t, StateFailed, session.State())
}

func TestServerSessionCancelledConnect(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	session := NewServerSession(&SSEServerConfig{
		BaseServerConfig: BaseServerConfig{Name: "never"},
		URL:              "http://127.0.0.1:1",
	}, testOptions(t))

	err := session.Connect(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, session.State())
}

func TestServerSessionLogsJSONRPC(t *testing.T) {
	t.Parallel()

	ts := sseServer(t)
	var (
		mu     sync.Mutex
		events []RPCLogEvent
	)
	opts := testOptions(t)
	opts.RPCLogger = func(e RPCLogEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}
	session := NewServerSession(&SSEServerConfig{
		BaseServerConfig: BaseServerConfig{Name: "chatty", LogJSONRPC: true},
		URL:              ts.URL,
	}, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, session.Connect(ctx))
	defer session.Close()

	mu.Lock()
	defer mu.Unlock()
	var sent, received bool
	for _, e := range events {
		assert.Equal(t, "chatty", e.Server)
		sent = sent || e.Direction == RPCDirectionSend
		received = received || e.Direction == RPCDirectionReceive
	}
	assert.True(t, sent)
	assert.True(t, received)
}

func TestSessionStateString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "handshaking", StateHandshaking.String())
	assert.True(t, StateFailed.Terminal())
	assert.True(t, StateClosed.Terminal())
	assert.False(t, StateReady.Terminal())
	assert.True(t, errors.Is(&CallTimeoutError{}, context.DeadlineExceeded))
}
