package mcpmgr

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"
)

// ProcessHandle is a child process the registry can terminate. Terminate must
// be idempotent and safe to call concurrently.
type ProcessHandle interface {
	ServerName() string
	Pid() int
	Terminate(grace time.Duration) error
}

// RegistryOptions configures a ProcessRegistry.
type RegistryOptions struct {
	Logger *slog.Logger
	// Grace is how long a process gets to exit after SIGTERM before it is
	// killed. Defaults to DefaultTerminateGrace.
	Grace time.Duration
}

// ProcessRegistry tracks every child process spawned for any server so a
// single CleanupAll can terminate them on shutdown, fatal error or signal.
// It never starts a process itself. Construct one per host process and pass
// it to every Orchestrator.
type ProcessRegistry struct {
	logger *slog.Logger
	grace  time.Duration

	mu      sync.Mutex
	handles map[ProcessHandle]struct{}
}

// NewProcessRegistry constructs an empty registry.
func NewProcessRegistry(opts *RegistryOptions) *ProcessRegistry {
	r := &ProcessRegistry{
		logger:  slog.Default(),
		grace:   DefaultTerminateGrace,
		handles: make(map[ProcessHandle]struct{}),
	}
	if opts != nil {
		if opts.Logger != nil {
			r.logger = opts.Logger
		}
		if opts.Grace > 0 {
			r.grace = opts.Grace
		}
	}
	return r
}

// Register starts tracking h.
func (r *ProcessRegistry) Register(h ProcessHandle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	r.handles[h] = struct{}{}
	r.mu.Unlock()
	r.logger.Debug("registered MCP subprocess", "server", h.ServerName(), "pid", h.Pid())
}

// Unregister stops tracking h. Unknown handles are ignored.
func (r *ProcessRegistry) Unregister(h ProcessHandle) {
	if h == nil {
		return
	}
	r.mu.Lock()
	delete(r.handles, h)
	r.mu.Unlock()
}

// Len reports how many handles are currently registered.
func (r *ProcessRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Handles returns a snapshot of the registered handles.
func (r *ProcessRegistry) Handles() []ProcessHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProcessHandle, 0, len(r.handles))
	for h := range r.handles {
		out = append(out, h)
	}
	return out
}

// CleanupAll terminates every registered process and clears the registry.
// Processes are terminated concurrently; each gets the grace period after
// SIGTERM before being killed. Safe to call repeatedly and concurrently with
// Register/Unregister.
func (r *ProcessRegistry) CleanupAll() error {
	r.mu.Lock()
	handles := make([]ProcessHandle, 0, len(r.handles))
	for h := range r.handles {
		handles = append(handles, h)
	}
	clear(r.handles)
	r.mu.Unlock()

	if len(handles) == 0 {
		return nil
	}
	r.logger.Info("terminating MCP subprocesses", "count", len(handles))

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, h := range handles {
		wg.Add(1)
		go func(h ProcessHandle) {
			defer wg.Done()
			if err := h.Terminate(r.grace); err != nil {
				r.logger.Warn("terminate MCP subprocess", "server", h.ServerName(), "pid", h.Pid(), "error", err)
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(h)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// HandleSignals runs CleanupAll when one of sigs arrives (os.Interrupt when
// none are given) and then calls onSignal, if set. It returns when ctx is
// done or after the first signal has been handled.
func (r *ProcessRegistry) HandleSignals(ctx context.Context, onSignal func(os.Signal), sigs ...os.Signal) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		defer signal.Stop(ch)
		select {
		case <-ctx.Done():
		case sig := <-ch:
			r.logger.Info("signal received, cleaning up MCP subprocesses", "signal", sig.String())
			_ = r.CleanupAll()
			if onSignal != nil {
				onSignal(sig)
			}
		}
	}()
}
