package mcpconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

func env(values map[string]string) *Options {
	return &Options{LookupEnv: func(k string) (string, bool) {
		v, ok := values[k]
		return v, ok
	}}
}

const sample = `
mcpServers:
  filesystem:
    command: ${HOME_BIN:-/usr/local/bin}/mcp-fs
    args: ["--root", "${ROOT}"]
    env:
      TOKEN: ${FS_TOKEN}
    timeout: 10s
    initTimeout: 2500
    disabledTools: [delete]
    autoApprove: [read, list]
    toolTimeouts:
      search: 1m
  docs:
    url: https://docs.example/sse
    headers:
      authorization: Bearer ${DOCS_TOKEN}
  api:
    type: http
    url: https://api.example/mcp
    maxRetries: 2
    disabled: true
`

func TestParseSample(t *testing.T) {
	t.Parallel()

	configs, err := Parse([]byte(sample), env(map[string]string{
		"ROOT":       "/srv",
		"FS_TOKEN":   "secret",
		"DOCS_TOKEN": "abc",
	}))
	require.NoError(t, err)
	require.Len(t, configs, 3)

	fs, ok := mcpmgr.AsStdio(configs[0])
	require.True(t, ok)
	assert.Equal(t, "filesystem", fs.Name)
	assert.Equal(t, "/usr/local/bin/mcp-fs", fs.Command)
	assert.Equal(t, []string{"--root", "/srv"}, fs.Args)
	assert.Equal(t, map[string]string{"TOKEN": "secret"}, fs.Env)
	assert.Equal(t, 10*time.Second, fs.Timeout)
	assert.Equal(t, 2500*time.Millisecond, fs.InitTimeout)
	assert.Equal(t, []string{"delete"}, fs.DisabledTools)
	assert.Equal(t, []string{"read", "list"}, fs.AutoApprove)
	assert.Equal(t, map[string]time.Duration{"search": time.Minute}, fs.ToolTimeouts)

	docs, ok := mcpmgr.AsSSE(configs[1])
	require.True(t, ok)
	assert.Equal(t, "https://docs.example/sse", docs.URL)
	assert.False(t, docs.Streamable)
	assert.Equal(t, "Bearer abc", docs.Headers.Get("Authorization"))

	api, ok := mcpmgr.AsSSE(configs[2])
	require.True(t, ok)
	assert.True(t, api.Streamable)
	assert.True(t, api.Disabled)
	assert.Equal(t, 2, api.MaxRetries)
}

func TestParseRejectsDuplicateNames(t *testing.T) {
	t.Parallel()

	doc := `
mcpServers:
  fs:
    command: a
  fs:
    command: b
`
	_, err := Parse([]byte(doc), nil)
	require.ErrorIs(t, err, ErrDuplicateServer)
	assert.Contains(t, err.Error(), `"fs" on line 5`)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("mcpServers:\n  fs:\n    comand: x\n"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "comand")
}

func TestParseInvalidEntries(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"neither":   "mcpServers:\n  x: {}\n",
		"both":      "mcpServers:\n  x: {command: a, url: http://b}\n",
		"type":      "mcpServers:\n  x: {type: carrier-pigeon, url: http://b}\n",
		"separator": "mcpServers:\n  a.b: {command: a}\n",
		"empty":     "mcpServers:\n  x: {type: stdio, command: \"${NOPE}\"}\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse([]byte(doc), env(nil))
			require.ErrorIs(t, err, ErrInvalidServer)
		})
	}
}

func TestParseStrictEnv(t *testing.T) {
	t.Parallel()

	opts := env(map[string]string{})
	opts.StrictEnv = true
	_, err := Parse([]byte("mcpServers:\n  x:\n    command: run\n    env: {A: \"${MISSING}\", B: \"${OK:-fine}\"}\n"), opts)
	require.ErrorIs(t, err, ErrInvalidServer)
	assert.Contains(t, err.Error(), "MISSING is not set")
	assert.NotContains(t, err.Error(), "OK")
}

func TestParseBadDuration(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte("mcpServers:\n  x: {command: a, timeout: soon}\n"), nil)
	require.Error(t, err)
}

func TestParseJSONDocument(t *testing.T) {
	t.Parallel()

	doc := `{
  "mcpServers": {
    "b": {"command": "run-b"},
    "a": {"url": "http://a/sse", "autoApprove": ["x"]}
  }
}`
	configs, err := Parse([]byte(doc), nil)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	assert.Equal(t, "b", mcpmgr.NameOf(configs[0]))
	assert.Equal(t, "a", mcpmgr.NameOf(configs[1]))
}

func TestParseEmptyDocument(t *testing.T) {
	t.Parallel()

	configs, err := Parse(nil, nil)
	require.NoError(t, err)
	assert.Empty(t, configs)
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "servers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("mcpServers:\n  x: {command: run}\n"), 0o600))
	configs, err := Load(path, nil)
	require.NoError(t, err)
	require.Len(t, configs, 1)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestExpander(t *testing.T) {
	t.Parallel()

	x := expander{lookup: func(k string) (string, bool) {
		if k == "SET" {
			return "v", true
		}
		return "", false
	}}
	assert.Equal(t, "a-v-b", x.expand("a-${SET}-b"))
	assert.Equal(t, "dflt", x.expand("${UNSET:-dflt}"))
	assert.Equal(t, "", x.expand("${UNSET}"))
	assert.Equal(t, "$HOME stays", x.expand("$HOME stays"))
	assert.NoError(t, x.err())
}
