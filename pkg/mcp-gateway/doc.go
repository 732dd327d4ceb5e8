// Package mcpgateway exposes an HTTP-facing aggregation layer that mirrors the
// tools, prompts, and resources loaded by an mcpmgr.Orchestrator over a single
// Streamable MCP server. Calls are routed back through the orchestrator, so
// approval, argument validation and per-tool timeouts apply to downstream
// clients as well.
package mcpgateway
