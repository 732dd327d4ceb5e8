package mcpmgr

import (
	"context"
	"log/slog"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Capability is one category a server may declare during initialize.
type Capability int

const (
	CapabilityTools Capability = iota
	CapabilityPrompts
	CapabilityResources
)

func (c Capability) String() string {
	switch c {
	case CapabilityTools:
		return "tools"
	case CapabilityPrompts:
		return "prompts"
	case CapabilityResources:
		return "resources"
	default:
		return "unknown"
	}
}

// Label is the capitalized name used to prefix load errors.
func (c Capability) Label() string {
	switch c {
	case CapabilityTools:
		return "Tools"
	case CapabilityPrompts:
		return "Prompts"
	case CapabilityResources:
		return "Resources"
	default:
		return "Unknown"
	}
}

// ServerCapabilities records which categories a server declared.
type ServerCapabilities struct {
	Tools     bool
	Prompts   bool
	Resources bool
}

func capabilitiesFrom(caps *mcp.ServerCapabilities) ServerCapabilities {
	if caps == nil {
		return ServerCapabilities{}
	}
	return ServerCapabilities{
		Tools:     caps.Tools != nil,
		Prompts:   caps.Prompts != nil,
		Resources: caps.Resources != nil,
	}
}

// Declared returns the declared categories in a fixed order.
func (c ServerCapabilities) Declared() []Capability {
	var out []Capability
	if c.Tools {
		out = append(out, CapabilityTools)
	}
	if c.Prompts {
		out = append(out, CapabilityPrompts)
	}
	if c.Resources {
		out = append(out, CapabilityResources)
	}
	return out
}

// MCPPrompt is a prompt template discovered on one server.
type MCPPrompt struct {
	QualifiedName string
	Name          string
	Title         string
	Description   string
	Arguments     []*mcp.PromptArgument
	ServerName    string
}

// MCPResource is a readable resource discovered on one server.
type MCPResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	MIMEType    string
	Size        int64
	ServerName  string
}

// CapabilitySource lists the capability categories of one connected server.
// *ServerSession implements it.
type CapabilitySource interface {
	Name() string
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	ListPrompts(ctx context.Context) ([]*mcp.Prompt, error)
	ListResources(ctx context.Context) ([]*mcp.Resource, error)
}

// CapabilityLoad is the settled outcome of loading one server's categories.
// Tools are raw; ToolPolicy turns them into WrappedTools.
type CapabilityLoad struct {
	Tools     []*mcp.Tool
	Prompts   []MCPPrompt
	Resources []MCPResource
	// Errors holds one "<Category>: <message>" line per failed category.
	Errors   []string
	Failures []*CapabilityLoadError
}

// CapabilityLoader fetches declared categories concurrently and normalizes
// them into typed records.
type CapabilityLoader struct {
	// Separator qualifies prompt names. Defaults to DefaultToolNameSeparator.
	Separator string
	Logger    *slog.Logger
}

type capabilityOutcome struct {
	category  Capability
	tools     []*mcp.Tool
	prompts   []MCPPrompt
	resources []MCPResource
	err       error
}

type capabilityOp struct {
	category Capability
	run      func(ctx context.Context) capabilityOutcome
}

// Load issues one list call per declared category, all in parallel, and
// returns once every attempted call has settled. A failing category is
// reported in Errors and does not affect the others. Undeclared categories
// are neither attempted nor reported.
func (l *CapabilityLoader) Load(ctx context.Context, src CapabilitySource, caps ServerCapabilities) CapabilityLoad {
	ops := l.plan(src, caps)
	outcomes := make([]capabilityOutcome, len(ops))

	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func(i int, op capabilityOp) {
			defer wg.Done()
			outcomes[i] = op.run(ctx)
		}(i, op)
	}
	wg.Wait()

	var load CapabilityLoad
	for _, o := range outcomes {
		if o.err != nil {
			failure := &CapabilityLoadError{Server: src.Name(), Category: o.category, Err: o.err}
			load.Failures = append(load.Failures, failure)
			load.Errors = append(load.Errors, failure.Error())
			l.logger().Warn("MCP capability load failed", "server", src.Name(), "category", o.category.String(), "error", o.err)
			continue
		}
		load.Tools = append(load.Tools, o.tools...)
		load.Prompts = append(load.Prompts, o.prompts...)
		load.Resources = append(load.Resources, o.resources...)
	}
	return load
}

func (l *CapabilityLoader) plan(src CapabilitySource, caps ServerCapabilities) []capabilityOp {
	server := src.Name()
	sep := l.Separator
	if sep == "" {
		sep = DefaultToolNameSeparator
	}
	var ops []capabilityOp
	for _, category := range caps.Declared() {
		switch category {
		case CapabilityTools:
			ops = append(ops, capabilityOp{category: category, run: func(ctx context.Context) capabilityOutcome {
				tools, err := src.ListTools(ctx)
				return capabilityOutcome{category: CapabilityTools, tools: tools, err: err}
			}})
		case CapabilityPrompts:
			ops = append(ops, capabilityOp{category: category, run: func(ctx context.Context) capabilityOutcome {
				prompts, err := src.ListPrompts(ctx)
				if err != nil {
					return capabilityOutcome{category: CapabilityPrompts, err: err}
				}
				return capabilityOutcome{category: CapabilityPrompts, prompts: normalizePrompts(server, sep, prompts)}
			}})
		case CapabilityResources:
			ops = append(ops, capabilityOp{category: category, run: func(ctx context.Context) capabilityOutcome {
				resources, err := src.ListResources(ctx)
				if err != nil {
					return capabilityOutcome{category: CapabilityResources, err: err}
				}
				return capabilityOutcome{category: CapabilityResources, resources: normalizeResources(server, resources)}
			}})
		}
	}
	return ops
}

func (l *CapabilityLoader) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func normalizePrompts(server, sep string, prompts []*mcp.Prompt) []MCPPrompt {
	out := make([]MCPPrompt, 0, len(prompts))
	for _, p := range prompts {
		if p == nil || p.Name == "" {
			continue
		}
		out = append(out, MCPPrompt{
			QualifiedName: server + sep + p.Name,
			Name:          p.Name,
			Title:         p.Title,
			Description:   p.Description,
			Arguments:     p.Arguments,
			ServerName:    server,
		})
	}
	return out
}

func normalizeResources(server string, resources []*mcp.Resource) []MCPResource {
	out := make([]MCPResource, 0, len(resources))
	for _, r := range resources {
		if r == nil || r.URI == "" {
			continue
		}
		out = append(out, MCPResource{
			URI:         r.URI,
			Name:        r.Name,
			Title:       r.Title,
			Description: r.Description,
			MIMEType:    r.MIMEType,
			Size:        r.Size,
			ServerName:  server,
		})
	}
	return out
}
