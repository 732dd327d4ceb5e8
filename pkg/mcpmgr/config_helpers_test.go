package mcpmgr

import (
	"reflect"
	"testing"
	"time"
)

func TestConfigHelpersDirect(t *testing.T) {
	t.Parallel()

	stdio := &StdioServerConfig{
		BaseServerConfig: BaseServerConfig{Name: "fs", Timeout: 5 * time.Second, Version: "1.2.3"},
		Command:          "npx",
		Args:             []string{"@modelcontextprotocol/server-filesystem"},
		Env:              map[string]string{"A": "B"},
	}
	sse := &SSEServerConfig{
		BaseServerConfig: BaseServerConfig{Name: "docs", Timeout: 10 * time.Second, Disabled: true},
		URL:              "https://example/sse",
		MaxRetries:       3,
	}

	if !IsStdio(stdio) || IsSSE(stdio) {
		t.Fatalf("IsStdio/IsSSE mismatch for stdio")
	}
	if !IsSSE(sse) || IsStdio(sse) {
		t.Fatalf("IsSSE/IsStdio mismatch for sse")
	}

	if TransportOf(stdio) != TransportStdio {
		t.Fatalf("TransportOf(stdio) = %q", TransportOf(stdio))
	}
	if TransportOf(sse) != TransportSSE {
		t.Fatalf("TransportOf(sse) = %q", TransportOf(sse))
	}
	if TransportOf(nil) != "" {
		t.Fatalf("TransportOf(nil) should be empty")
	}

	if c, ok := AsStdio(stdio); !ok || c.Command != "npx" {
		t.Fatalf("AsStdio failed to narrow stdio: ok=%v cfg=%#v", ok, c)
	}
	if c, ok := AsSSE(sse); !ok || c.URL != "https://example/sse" {
		t.Fatalf("AsSSE failed to narrow sse: ok=%v cfg=%#v", ok, c)
	}
	if c, ok := AsStdio(sse); ok || c != nil {
		t.Fatalf("AsStdio(sse) should not narrow: ok=%v cfg=%#v", ok, c)
	}
	if c, ok := AsSSE(stdio); ok || c != nil {
		t.Fatalf("AsSSE(stdio) should not narrow: ok=%v cfg=%#v", ok, c)
	}

	if NameOf(stdio) != "fs" || NameOf(sse) != "docs" {
		t.Fatalf("NameOf mismatch: %q %q", NameOf(stdio), NameOf(sse))
	}
	if IsDisabled(stdio) || !IsDisabled(sse) {
		t.Fatalf("IsDisabled mismatch")
	}
}

func TestConfigHelpersNilSafety(t *testing.T) {
	t.Parallel()

	var nilStdio *StdioServerConfig
	var nilSSE *SSEServerConfig
	for _, cfg := range []ServerConfig{nil, nilStdio, nilSSE} {
		if NameOf(cfg) != "" {
			t.Fatalf("NameOf(%#v) should be empty", cfg)
		}
		if IsDisabled(cfg) {
			t.Fatalf("IsDisabled(%#v) should be false", cfg)
		}
	}
}

func TestTimeoutFallbacks(t *testing.T) {
	t.Parallel()

	base := &BaseServerConfig{}
	if got := callTimeout(base, DefaultTimeout); got != DefaultTimeout {
		t.Fatalf("callTimeout = %s, expected %s", got, DefaultTimeout)
	}
	if got := initTimeout(base, 2*time.Second); got != 2*time.Second {
		t.Fatalf("initTimeout = %s, expected 2s", got)
	}
	base.Timeout = time.Second
	base.InitTimeout = 3 * time.Second
	if got := callTimeout(base, DefaultTimeout); got != time.Second {
		t.Fatalf("callTimeout = %s, expected 1s", got)
	}
	if got := initTimeout(base, DefaultInitTimeout); got != 3*time.Second {
		t.Fatalf("initTimeout = %s, expected 3s", got)
	}
}

func TestOptionsWithDefaults(t *testing.T) {
	t.Parallel()

	var opts *OrchestratorOptions
	got := opts.withDefaults()
	if got.Logger == nil || got.Registry == nil {
		t.Fatalf("logger and registry should be defaulted")
	}
	want := OrchestratorOptions{
		ClientName:         "mcp-orchestrator",
		ClientVersion:      "1.0.0",
		DefaultTimeout:     DefaultTimeout,
		DefaultInitTimeout: DefaultInitTimeout,
		ConnectAttempts:    1,
		RetryBackoff:       time.Second,
		ToolNameSeparator:  DefaultToolNameSeparator,
	}
	got.Logger, got.Registry = nil, nil
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("withDefaults() = %#v, expected %#v", got, want)
	}
}
