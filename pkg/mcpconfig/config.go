// Package mcpconfig loads MCP server definitions from a YAML or JSON file in
// the familiar "mcpServers" shape and turns them into mcpmgr.ServerConfig
// values ready for an Orchestrator.
package mcpconfig

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

var (
	// ErrDuplicateServer is returned when two servers share a name.
	ErrDuplicateServer = errors.New("mcpconfig: duplicate server name")
	// ErrInvalidServer is returned for a server entry that cannot be turned
	// into a usable configuration.
	ErrInvalidServer = errors.New("mcpconfig: invalid server")
)

// Transport types accepted in the "type" field.
const (
	TypeStdio      = "stdio"
	TypeSSE        = "sse"
	TypeHTTP       = "http"
	TypeStreamable = "streamable"
)

// File is the on-disk configuration document.
type File struct {
	MCPServers map[string]ServerEntry `yaml:"mcpServers"`

	order []string
}

// ServerEntry is one server as written in the configuration file.
type ServerEntry struct {
	Type          string              `yaml:"type,omitempty"`
	Command       string              `yaml:"command,omitempty"`
	Args          []string            `yaml:"args,omitempty"`
	Env           map[string]string   `yaml:"env,omitempty"`
	Cwd           string              `yaml:"cwd,omitempty"`
	URL           string              `yaml:"url,omitempty"`
	Headers       map[string]string   `yaml:"headers,omitempty"`
	MaxRetries    int                 `yaml:"maxRetries,omitempty"`
	Timeout       Duration            `yaml:"timeout,omitempty"`
	InitTimeout   Duration            `yaml:"initTimeout,omitempty"`
	Disabled      bool                `yaml:"disabled,omitempty"`
	DisabledTools []string            `yaml:"disabledTools,omitempty"`
	AutoApprove   []string            `yaml:"autoApprove,omitempty"`
	ToolTimeouts  map[string]Duration `yaml:"toolTimeouts,omitempty"`
	LogJSONRPC    bool                `yaml:"logJsonRpc,omitempty"`
	Version       string              `yaml:"version,omitempty"`
}

// Duration accepts either a Go duration string ("30s") or an integer number
// of milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	if value.Tag == "!!int" {
		var ms int64
		if err := value.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return time.Duration(d).String(), nil }

// Options tune loading.
type Options struct {
	// LookupEnv resolves ${VAR} references. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
	// StrictEnv fails loading when a referenced variable is unset and has no
	// ${VAR:-default} fallback. Otherwise it expands to "".
	StrictEnv bool
	// Separator is the qualified-name separator server names must not
	// contain. Defaults to mcpmgr.DefaultToolNameSeparator.
	Separator string
}

// Load reads and parses the file at path.
func Load(path string, opts *Options) ([]mcpmgr.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("mcpconfig: read %s: %w", path, err)
	}
	configs, err := Parse(data, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return configs, nil
}

// Parse decodes a configuration document and returns the servers in file
// order.
func Parse(data []byte, opts *Options) ([]mcpmgr.ServerConfig, error) {
	file, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return file.ServerConfigs(opts)
}

// Decode decodes a document without expanding variables or validating
// entries. Duplicate server names are reported as ErrDuplicateServer.
func Decode(data []byte) (*File, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("mcpconfig: parse: %w", err)
	}
	order, err := serverOrder(&root)
	if err != nil {
		return nil, err
	}

	var file File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("mcpconfig: decode: %w", err)
	}
	file.order = order
	return &file, nil
}

// serverOrder returns the server names in document order and rejects
// duplicates before yaml.v3 gets a chance to report them less helpfully.
func serverOrder(root *yaml.Node) ([]string, error) {
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		return nil, nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("mcpconfig: line %d: top level must be a mapping", doc.Line)
	}
	for i := 0; i+1 < len(doc.Content); i += 2 {
		if doc.Content[i].Value != "mcpServers" {
			continue
		}
		servers := doc.Content[i+1]
		if servers.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("mcpconfig: line %d: mcpServers must be a mapping", servers.Line)
		}
		seen := make(map[string]int, len(servers.Content)/2)
		var order []string
		for j := 0; j+1 < len(servers.Content); j += 2 {
			key := servers.Content[j]
			if first, dup := seen[key.Value]; dup {
				return nil, fmt.Errorf("%w: %q on line %d (first defined on line %d)", ErrDuplicateServer, key.Value, key.Line, first)
			}
			seen[key.Value] = key.Line
			order = append(order, key.Value)
		}
		return order, nil
	}
	return nil, nil
}

// Names returns the server names in document order.
func (f *File) Names() []string {
	if len(f.order) == len(f.MCPServers) {
		return append([]string(nil), f.order...)
	}
	names := make([]string, 0, len(f.MCPServers))
	for name := range f.MCPServers {
		names = append(names, name)
	}
	return names
}

// ServerConfigs expands variables, validates each entry and converts it.
func (f *File) ServerConfigs(opts *Options) ([]mcpmgr.ServerConfig, error) {
	o := normalized(opts)
	out := make([]mcpmgr.ServerConfig, 0, len(f.MCPServers))
	var errs []error
	for _, name := range f.Names() {
		cfg, err := f.MCPServers[name].toServerConfig(name, o)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, cfg)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return out, nil
}

func normalized(opts *Options) Options {
	var o Options
	if opts != nil {
		o = *opts
	}
	if o.LookupEnv == nil {
		o.LookupEnv = os.LookupEnv
	}
	if o.Separator == "" {
		o.Separator = mcpmgr.DefaultToolNameSeparator
	}
	return o
}

func (e ServerEntry) toServerConfig(name string, o Options) (mcpmgr.ServerConfig, error) {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w %q: %s", ErrInvalidServer, name, fmt.Sprintf(format, args...))
	}
	if strings.TrimSpace(name) == "" {
		return nil, invalid("name is empty")
	}
	if strings.Contains(name, o.Separator) {
		return nil, invalid("name must not contain %q", o.Separator)
	}

	x := expander{lookup: o.LookupEnv, strict: o.StrictEnv}
	base := mcpmgr.BaseServerConfig{
		Name:          name,
		Timeout:       time.Duration(e.Timeout),
		InitTimeout:   time.Duration(e.InitTimeout),
		Disabled:      e.Disabled,
		DisabledTools: e.DisabledTools,
		AutoApprove:   e.AutoApprove,
		LogJSONRPC:    e.LogJSONRPC,
		Version:       e.Version,
	}
	if len(e.ToolTimeouts) > 0 {
		base.ToolTimeouts = make(map[string]time.Duration, len(e.ToolTimeouts))
		for tool, d := range e.ToolTimeouts {
			base.ToolTimeouts[tool] = time.Duration(d)
		}
	}

	kind, err := e.transportType()
	if err != nil {
		return nil, invalid("%v", err)
	}
	switch kind {
	case TypeStdio:
		cfg := &mcpmgr.StdioServerConfig{
			BaseServerConfig: base,
			Command:          x.expand(e.Command),
			Args:             x.expandAll(e.Args),
			Env:              x.expandMap(e.Env),
			Dir:              x.expand(e.Cwd),
		}
		if err := x.err(); err != nil {
			return nil, invalid("%v", err)
		}
		if strings.TrimSpace(cfg.Command) == "" {
			return nil, invalid("command is empty")
		}
		return cfg, nil
	default:
		cfg := &mcpmgr.SSEServerConfig{
			BaseServerConfig: base,
			URL:              x.expand(e.URL),
			Streamable:       kind == TypeHTTP || kind == TypeStreamable,
			MaxRetries:       e.MaxRetries,
		}
		if headers := x.expandMap(e.Headers); len(headers) > 0 {
			cfg.Headers = make(http.Header, len(headers))
			for k, v := range headers {
				cfg.Headers.Set(k, v)
			}
		}
		if err := x.err(); err != nil {
			return nil, invalid("%v", err)
		}
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, invalid("url is empty")
		}
		return cfg, nil
	}
}

func (e ServerEntry) transportType() (string, error) {
	switch strings.ToLower(strings.TrimSpace(e.Type)) {
	case TypeStdio:
		return TypeStdio, nil
	case TypeSSE:
		return TypeSSE, nil
	case TypeHTTP, "streamable-http", TypeStreamable:
		return TypeHTTP, nil
	case "":
	default:
		return "", fmt.Errorf("unknown type %q", e.Type)
	}
	switch {
	case e.Command != "" && e.URL != "":
		return "", errors.New("both command and url set; add a type")
	case e.Command != "":
		return TypeStdio, nil
	case e.URL != "":
		return TypeSSE, nil
	default:
		return "", errors.New("either command or url is required")
	}
}
