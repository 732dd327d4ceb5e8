// Command mcp-orchestrator loads a set of MCP servers from a configuration
// file and lists their tools, calls one of them, or serves them all through a
// single Streamable HTTP gateway.
package main

import (
	"context"
	"os"
	"syscall"

	"github.com/vikashloomba/mcp-orchestrator-go/pkg/mcpmgr"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newApp(mcpmgr.NewProcessRegistry(nil))
	defer func() {
		if r := recover(); r != nil {
			_ = a.registry.CleanupAll()
			panic(r)
		}
	}()
	a.registry.HandleSignals(ctx, func(os.Signal) { cancel() }, os.Interrupt, syscall.SIGTERM)

	if err := newRootCommand(a).ExecuteContext(ctx); err != nil {
		_ = a.registry.CleanupAll()
		os.Exit(1)
	}
	_ = a.registry.CleanupAll()
}
