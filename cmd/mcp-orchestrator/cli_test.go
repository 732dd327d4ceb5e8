package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

func upstreamURL(t *testing.T) string {
	t.Helper()
	server := mcp.NewServer(&mcp.Implementation{Name: "upstream", Version: "0.0.1"}, nil)
	server.AddTool(&mcp.Tool{
		Name:        "echo",
		Description: "echoes its arguments\nsecond line",
		InputSchema: &jsonschema.Schema{Type: "object"},
	}, func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: "echo " + string(req.Params.Arguments)}}}, nil
	})
	ts := httptest.NewServer(mcp.NewSSEHandler(func(*http.Request) *mcp.Server { return server }, nil))
	t.Cleanup(ts.Close)
	return ts.URL
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mcp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// run executes the CLI with args and returns stdout and stderr.
func run(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	a := newApp(mcpmgr.NewProcessRegistry(nil))
	t.Cleanup(func() { _ = a.registry.CleanupAll() })
	root := newRootCommand(a)
	var stdout, stderr bytes.Buffer
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestToolsCommandJSON(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t, fmt.Sprintf("mcpServers:\n  docs:\n    url: %s\n    autoApprove: [echo]\n", upstreamURL(t)))
	stdout, _, err := run(t, "", "--config", cfg, "tools", "--json")
	require.NoError(t, err)

	var tools []toolView
	require.NoError(t, json.Unmarshal([]byte(stdout), &tools))
	require.Len(t, tools, 1)
	assert.Equal(t, "docs.echo", tools[0].Name)
	assert.Equal(t, "docs", tools[0].Server)
	assert.False(t, tools[0].RequiresApproval)
}

func TestToolsCommandTableReportsServerErrors(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t, fmt.Sprintf("mcpServers:\n  docs:\n    url: %s\n  broken:\n    command: /definitely/not/here\n", upstreamURL(t)))
	stdout, stderr, err := run(t, "", "--config", cfg, "tools")
	require.NoError(t, err)
	assert.Contains(t, stdout, "TOOL")
	assert.Contains(t, stdout, "docs.echo")
	assert.Contains(t, stdout, "ask")
	assert.NotContains(t, stdout, "second line")
	assert.Contains(t, stderr, "broken: ")
}

func TestCallCommandAsksForApproval(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t, fmt.Sprintf("mcpServers:\n  docs:\n    url: %s\n", upstreamURL(t)))

	_, stderr, err := run(t, "n\n", "--config", cfg, "call", "docs.echo", `{"a":1}`)
	require.ErrorIs(t, err, mcpmgr.ErrToolNotApproved)
	assert.Contains(t, stderr, `Allow docs.echo with arguments {"a":1}?`)

	stdout, _, err := run(t, "y\n", "--config", cfg, "call", "docs.echo", `{"a":1}`)
	require.NoError(t, err)
	assert.Contains(t, stdout, `echo {"a":1}`)
}

func TestCallCommandYesSkipsPrompt(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t, fmt.Sprintf("mcpServers:\n  docs:\n    url: %s\n", upstreamURL(t)))
	stdout, stderr, err := run(t, "", "--config", cfg, "call", "--yes", "docs.echo")
	require.NoError(t, err)
	assert.Contains(t, stdout, "echo")
	assert.NotContains(t, stderr, "Allow")
}

func TestCallCommandErrors(t *testing.T) {
	t.Parallel()

	cfg := writeConfig(t, fmt.Sprintf("mcpServers:\n  docs:\n    url: %s\n", upstreamURL(t)))

	_, _, err := run(t, "", "--config", cfg, "call", "docs.echo", "[1,2]")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JSON object")

	_, _, err = run(t, "", "--config", cfg, "call", "--yes", "docs.missing")
	require.ErrorIs(t, err, mcpmgr.ErrToolNotFound)

	_, _, err = run(t, "", "--config", filepath.Join(t.TempDir(), "nope.yaml"), "tools")
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestInvalidLogLevel(t *testing.T) {
	t.Parallel()

	_, _, err := run(t, "", "--log-level", "loud", "tools")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--log-level")
}

func TestTerminalApprover(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"y\n":   true,
		"YES\n": true,
		"y":     true,
		"n\n":   false,
		"\n":    false,
		"":      false,
	}
	for input, want := range cases {
		var out bytes.Buffer
		approver := &terminalApprover{in: bufio.NewReader(strings.NewReader(input)), out: &out}
		got, err := approver.Approve(context.Background(), mcpmgr.ApprovalRequest{QualifiedName: "fs.rm"})
		require.NoError(t, err)
		assert.Equal(t, want, got, "input %q", input)
		assert.Contains(t, out.String(), "Allow fs.rm with arguments {}?")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := (&terminalApprover{in: bufio.NewReader(strings.NewReader("y\n")), out: &bytes.Buffer{}}).Approve(ctx, mcpmgr.ApprovalRequest{})
	require.ErrorIs(t, err, context.Canceled)
}
