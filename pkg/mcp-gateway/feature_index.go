package mcpgateway

import (
	"encoding/json"
	"sort"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

const (
	metaKeyServer           = "mcpgateway.server"
	metaKeyNativeName       = "mcpgateway.native_name"
	metaKeyNativeURI        = "mcpgateway.native_uri"
	metaKeyRequiresApproval = "mcpgateway.requires_approval"
)

// featureIndex remembers what the gateway has registered on its MCP server
// so a new orchestration result can be applied as a diff.
type featureIndex struct {
	ns NamespaceStrategy

	mu        sync.RWMutex
	tools     map[string]toolTarget
	prompts   map[string]promptTarget
	resources map[string]resourceTarget
}

type toolTarget struct {
	GatewayName string
	Server      string
	NativeName  string
}

type promptTarget struct {
	GatewayName string
	Server      string
	NativeName  string
}

type resourceTarget struct {
	GatewayURI string
	Server     string
	NativeURI  string
}

type toolRegistration struct {
	Tool   *mcp.Tool
	Target toolTarget
}

type promptRegistration struct {
	Prompt *mcp.Prompt
	Target promptTarget
}

type resourceRegistration struct {
	Resource *mcp.Resource
	Target   resourceTarget
}

// featureDiff lists the names to remove and the registrations to add (or
// replace) on the gateway server.
type featureDiff struct {
	RemovedTools     []string
	RemovedPrompts   []string
	RemovedResources []string
	Tools            []toolRegistration
	Prompts          []promptRegistration
	Resources        []resourceRegistration
}

func newFeatureIndex(ns NamespaceStrategy) *featureIndex {
	return &featureIndex{
		ns:        ns,
		tools:     make(map[string]toolTarget),
		prompts:   make(map[string]promptTarget),
		resources: make(map[string]resourceTarget),
	}
}

// Update replaces the index with result and reports what changed.
func (f *featureIndex) Update(result *mcpmgr.OrchestrationResult) featureDiff {
	tools := make(map[string]toolTarget)
	prompts := make(map[string]promptTarget)
	resources := make(map[string]resourceTarget)
	var diff featureDiff

	if result != nil {
		for _, tool := range result.Tools {
			target := toolTarget{GatewayName: tool.QualifiedName, Server: tool.ServerName, NativeName: tool.Name}
			tools[target.GatewayName] = target
			diff.Tools = append(diff.Tools, toolRegistration{Tool: gatewayTool(tool), Target: target})
		}
		for _, prompt := range result.Prompts {
			target := promptTarget{GatewayName: prompt.QualifiedName, Server: prompt.ServerName, NativeName: prompt.Name}
			prompts[target.GatewayName] = target
			diff.Prompts = append(diff.Prompts, promptRegistration{Prompt: gatewayPrompt(prompt), Target: target})
		}
		for _, res := range result.Resources {
			target := resourceTarget{
				GatewayURI: f.ns.ResourceURI(res.ServerName, res.URI),
				Server:     res.ServerName,
				NativeURI:  res.URI,
			}
			resources[target.GatewayURI] = target
			diff.Resources = append(diff.Resources, resourceRegistration{Resource: gatewayResource(res, target.GatewayURI), Target: target})
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	diff.RemovedTools = missingKeys(f.tools, tools)
	diff.RemovedPrompts = missingKeys(f.prompts, prompts)
	diff.RemovedResources = missingKeys(f.resources, resources)
	f.tools, f.prompts, f.resources = tools, prompts, resources
	return diff
}

func (f *featureIndex) ToolTarget(name string) (toolTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	t, ok := f.tools[name]
	return t, ok
}

func (f *featureIndex) PromptTarget(name string) (promptTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prompts[name]
	return p, ok
}

func (f *featureIndex) ResourceTarget(uri string) (resourceTarget, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	r, ok := f.resources[uri]
	return r, ok
}

func missingKeys[V any](prev, next map[string]V) []string {
	var out []string
	for k := range prev {
		if _, ok := next[k]; !ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func gatewayTool(tool mcpmgr.WrappedTool) *mcp.Tool {
	return &mcp.Tool{
		Name:        tool.QualifiedName,
		Title:       tool.Title,
		Description: tool.Description,
		InputSchema: objectSchema(tool.InputSchema),
		Meta: mcp.Meta{
			metaKeyServer:           tool.ServerName,
			metaKeyNativeName:       tool.Name,
			metaKeyRequiresApproval: tool.RequiresApproval,
		},
	}
}

func gatewayPrompt(prompt mcpmgr.MCPPrompt) *mcp.Prompt {
	return &mcp.Prompt{
		Name:        prompt.QualifiedName,
		Title:       prompt.Title,
		Description: prompt.Description,
		Arguments:   prompt.Arguments,
		Meta: mcp.Meta{
			metaKeyServer:     prompt.ServerName,
			metaKeyNativeName: prompt.Name,
		},
	}
}

func gatewayResource(res mcpmgr.MCPResource, gatewayURI string) *mcp.Resource {
	return &mcp.Resource{
		URI:         gatewayURI,
		Name:        res.Name,
		Title:       res.Title,
		Description: res.Description,
		MIMEType:    res.MIMEType,
		Size:        res.Size,
		Meta: mcp.Meta{
			metaKeyServer:    res.ServerName,
			metaKeyNativeURI: res.URI,
		},
	}
}

// objectSchema decodes an upstream input schema. The gateway server only
// accepts object schemas, so anything else is replaced by an empty one.
func objectSchema(raw json.RawMessage) map[string]any {
	var schema map[string]any
	if len(raw) > 0 && json.Unmarshal(raw, &schema) == nil && schema != nil {
		switch schema["type"] {
		case "object":
			return schema
		case nil:
			schema["type"] = "object"
			return schema
		}
	}
	return map[string]any{"type": "object"}
}
