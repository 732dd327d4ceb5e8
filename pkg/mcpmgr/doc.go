// Package mcpmgr connects one Go process to many Model Context Protocol (MCP)
// servers at once and unifies what they offer into a single tool set for an
// agent loop. It layers process lifecycle tracking, per-server policy and
// partial-failure reporting on top of the modelcontextprotocol/go-sdk client.
//
// # Core entry points
//
//   - ProcessRegistry tracks every child process spawned for a stdio server.
//     Construct one at process start, share it, and call CleanupAll from
//     shutdown paths and signal handlers.
//   - Orchestrator is the long-lived entry point. LoadAll connects to every
//     enabled ServerConfig concurrently, loads the capability categories each
//     server declared and returns an OrchestrationResult. A server that fails
//     contributes nothing but an entry in ServerErrors.
//   - ServerConfig (StdioServerConfig / SSEServerConfig) declares how a server
//     is launched or contacted, plus DisabledTools, AutoApprove and timeouts.
//
// Tools are exposed as WrappedTool values whose QualifiedName is the server
// name and the tool name joined by ".", so two servers may both offer a
// "search" tool. Orchestrator.CallTool routes a qualified name back to its
// server, asks the configured Approver first unless the tool is auto
// approved, and bounds the call by the tool's timeout. A timed-out call
// returns a *CallTimeoutError and leaves the session usable.
//
// Use the helper guards and narrowers (IsStdio/IsSSE, AsStdio/AsSSE) or
// TransportOf to branch on the concrete transport type of a ServerConfig.
package mcpmgr
