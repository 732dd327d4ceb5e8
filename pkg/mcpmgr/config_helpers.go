package mcpmgr

import "time"

// Lightweight helpers for narrowing and inspecting ServerConfig values without
// forcing consumers to use a type switch at every call site.

// ConfigTransport identifies the transport family used by a ServerConfig.
type ConfigTransport string

const (
	TransportStdio ConfigTransport = "stdio"
	TransportSSE   ConfigTransport = "sse"
)

// TransportOf returns the transport kind for a ServerConfig.
// Returns an empty string when the value is nil or an unknown implementation.
func TransportOf(cfg ServerConfig) ConfigTransport {
	switch cfg.(type) {
	case *StdioServerConfig:
		return TransportStdio
	case *SSEServerConfig:
		return TransportSSE
	default:
		return ""
	}
}

// IsStdio reports whether cfg is a *StdioServerConfig.
func IsStdio(cfg ServerConfig) bool {
	_, ok := cfg.(*StdioServerConfig)
	return ok
}

// IsSSE reports whether cfg is a *SSEServerConfig.
func IsSSE(cfg ServerConfig) bool {
	_, ok := cfg.(*SSEServerConfig)
	return ok
}

// AsStdio narrows cfg to *StdioServerConfig, returning (nil, false) when it
// does not match.
func AsStdio(cfg ServerConfig) (*StdioServerConfig, bool) {
	c, ok := cfg.(*StdioServerConfig)
	return c, ok
}

// AsSSE narrows cfg to *SSEServerConfig, returning (nil, false) when it does
// not match.
func AsSSE(cfg ServerConfig) (*SSEServerConfig, bool) {
	c, ok := cfg.(*SSEServerConfig)
	return c, ok
}

// NameOf returns the configured server name, or "" for a nil config.
func NameOf(cfg ServerConfig) string {
	if b := baseOf(cfg); b != nil {
		return b.Name
	}
	return ""
}

// IsDisabled reports whether the server is switched off in configuration.
func IsDisabled(cfg ServerConfig) bool {
	if b := baseOf(cfg); b != nil {
		return b.Disabled
	}
	return false
}

func baseOf(cfg ServerConfig) *BaseServerConfig {
	switch c := cfg.(type) {
	case *StdioServerConfig:
		if c == nil {
			return nil
		}
	case *SSEServerConfig:
		if c == nil {
			return nil
		}
	case nil:
		return nil
	}
	return cfg.base()
}

func callTimeout(b *BaseServerConfig, fallback time.Duration) time.Duration {
	if b != nil && b.Timeout > 0 {
		return b.Timeout
	}
	return fallback
}

func initTimeout(b *BaseServerConfig, fallback time.Duration) time.Duration {
	if b != nil && b.InitTimeout > 0 {
		return b.InitTimeout
	}
	return fallback
}
