package mcpgateway

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

func TestFeatureIndexUpdateDiff(t *testing.T) {
	fi := newFeatureIndex(ServerPrefixNamespace{})
	first := &mcpmgr.OrchestrationResult{
		Tools: []mcpmgr.WrappedTool{
			{QualifiedName: "alpha.echo", Name: "echo", ServerName: "alpha", RequiresApproval: true},
			{QualifiedName: "alpha.sum", Name: "sum", ServerName: "alpha"},
		},
		Prompts:   []mcpmgr.MCPPrompt{{QualifiedName: "alpha.greet", Name: "greet", ServerName: "alpha"}},
		Resources: []mcpmgr.MCPResource{{URI: "file://notes", ServerName: "bravo"}},
	}
	diff := fi.Update(first)
	if len(diff.RemovedTools)+len(diff.RemovedPrompts)+len(diff.RemovedResources) != 0 {
		t.Fatalf("unexpected removals on first update: %+v", diff)
	}
	if len(diff.Tools) != 2 || len(diff.Prompts) != 1 || len(diff.Resources) != 1 {
		t.Fatalf("unexpected registrations: %+v", diff)
	}
	tool := diff.Tools[0].Tool
	if tool.Name != "alpha.echo" || tool.Meta[metaKeyNativeName] != "echo" || tool.Meta[metaKeyRequiresApproval] != true {
		t.Fatalf("unexpected gateway tool: %+v", tool)
	}
	gatewayURI := diff.Resources[0].Resource.URI
	target, ok := fi.ResourceTarget(gatewayURI)
	if !ok || target.Server != "bravo" || target.NativeURI != "file://notes" {
		t.Fatalf("resource target lookup failed: %+v %v", target, ok)
	}
	if p, ok := fi.PromptTarget("alpha.greet"); !ok || p.NativeName != "greet" {
		t.Fatalf("prompt target lookup failed: %+v %v", p, ok)
	}

	diff = fi.Update(&mcpmgr.OrchestrationResult{
		Tools: []mcpmgr.WrappedTool{{QualifiedName: "alpha.sum", Name: "sum", ServerName: "alpha"}},
	})
	if !reflect.DeepEqual(diff.RemovedTools, []string{"alpha.echo"}) {
		t.Fatalf("RemovedTools = %v", diff.RemovedTools)
	}
	if !reflect.DeepEqual(diff.RemovedPrompts, []string{"alpha.greet"}) {
		t.Fatalf("RemovedPrompts = %v", diff.RemovedPrompts)
	}
	if !reflect.DeepEqual(diff.RemovedResources, []string{gatewayURI}) {
		t.Fatalf("RemovedResources = %v", diff.RemovedResources)
	}
	if _, ok := fi.ToolTarget("alpha.echo"); ok {
		t.Fatalf("removed tool still indexed")
	}
}

func TestObjectSchema(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want map[string]any
	}{
		{"empty", "", map[string]any{"type": "object"}},
		{"object", `{"type":"object","required":["q"]}`, map[string]any{"type": "object", "required": []any{"q"}}},
		{"untyped", `{"properties":{}}`, map[string]any{"type": "object", "properties": map[string]any{}}},
		{"array", `{"type":"array"}`, map[string]any{"type": "object"}},
		{"garbage", `not json`, map[string]any{"type": "object"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := objectSchema(json.RawMessage(tc.raw))
			if !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("objectSchema(%s) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}
