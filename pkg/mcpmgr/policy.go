package mcpmgr

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// DefaultToolNameSeparator joins a server name and a tool name.
const DefaultToolNameSeparator = "."

// WrappedTool is a policy-filtered tool as exposed to the agent loop.
type WrappedTool struct {
	// QualifiedName is unique across all servers: ServerName + separator + Name.
	QualifiedName string
	// Name is the tool name as reported by its server.
	Name        string
	Title       string
	Description string
	InputSchema json.RawMessage
	ServerName  string
	// RequiresApproval is false only for tools listed in AutoApprove.
	RequiresApproval bool
	Timeout          time.Duration
}

// ToolPolicy turns raw tools discovered on one server into WrappedTools.
type ToolPolicy struct {
	Separator      string
	DefaultTimeout time.Duration
}

// Apply filters and wraps rawTools according to cfg. Tools named in
// DisabledTools are dropped entirely. Apply never fails; empty policy lists
// leave every tool enabled and requiring approval.
func (p ToolPolicy) Apply(cfg ServerConfig, rawTools []*mcp.Tool) []WrappedTool {
	base := baseOf(cfg)
	if base == nil {
		return nil
	}
	sep := p.Separator
	if sep == "" {
		sep = DefaultToolNameSeparator
	}
	fallback := p.DefaultTimeout
	if fallback <= 0 {
		fallback = DefaultTimeout
	}

	disabled := toSet(base.DisabledTools)
	autoApprove := toSet(base.AutoApprove)
	seen := make(map[string]struct{}, len(rawTools))

	out := make([]WrappedTool, 0, len(rawTools))
	for _, tool := range rawTools {
		if tool == nil || tool.Name == "" {
			continue
		}
		if _, ok := disabled[tool.Name]; ok {
			continue
		}
		if _, dup := seen[tool.Name]; dup {
			continue
		}
		seen[tool.Name] = struct{}{}

		_, approved := autoApprove[tool.Name]
		out = append(out, WrappedTool{
			QualifiedName:    base.Name + sep + tool.Name,
			Name:             tool.Name,
			Title:            tool.Title,
			Description:      tool.Description,
			InputSchema:      marshalSchema(tool.InputSchema),
			ServerName:       base.Name,
			RequiresApproval: !approved,
			Timeout:          toolTimeout(base, tool.Name, fallback),
		})
	}
	return out
}

// QualifiedName joins server and local with the default separator.
func QualifiedName(server, local string) string {
	return server + DefaultToolNameSeparator + local
}

// SplitQualifiedName splits name at the first sep. Server names therefore
// must not contain sep; tool names may.
func SplitQualifiedName(name, sep string) (server, local string, ok bool) {
	if sep == "" {
		sep = DefaultToolNameSeparator
	}
	server, local, ok = strings.Cut(name, sep)
	if !ok || server == "" || local == "" {
		return "", "", false
	}
	return server, local, true
}

func toolTimeout(base *BaseServerConfig, tool string, fallback time.Duration) time.Duration {
	if d, ok := base.ToolTimeouts[tool]; ok && d > 0 {
		return d
	}
	return callTimeout(base, fallback)
}

func marshalSchema(schema any) json.RawMessage {
	if schema == nil {
		return nil
	}
	if raw, ok := schema.(json.RawMessage); ok {
		return raw
	}
	data, err := json.Marshal(schema)
	if err != nil || string(data) == "null" {
		return nil
	}
	return data
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}
