package mcpmgr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrServerNotFound is returned when a server name is not part of the
	// current orchestration.
	ErrServerNotFound = errors.New("mcpmgr: server not found")
	// ErrToolNotFound is returned when a qualified tool name does not resolve
	// to a loaded tool.
	ErrToolNotFound = errors.New("mcpmgr: tool not found")
	// ErrPromptNotFound is returned when a qualified prompt name does not
	// resolve to a loaded prompt.
	ErrPromptNotFound = errors.New("mcpmgr: prompt not found")
	// ErrToolNotApproved is returned when the approver rejects a call, or no
	// approver is configured for a tool that requires one.
	ErrToolNotApproved = errors.New("mcpmgr: tool call not approved")
	// ErrSessionNotReady is returned by RPC methods on a session that is not
	// in the Ready state.
	ErrSessionNotReady = errors.New("mcpmgr: session not ready")
	// ErrOrchestratorClosed is returned after Shutdown.
	ErrOrchestratorClosed = errors.New("mcpmgr: orchestrator shut down")
	// ErrInvalidArguments is returned when tool arguments fail schema
	// validation.
	ErrInvalidArguments = errors.New("mcpmgr: invalid tool arguments")
)

// ConnectionError reports that the transport to a server could not be
// established: spawn failure, immediate process exit or connection refusal.
type ConnectionError struct {
	Server string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Server, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// HandshakeTimeoutError reports that initialize did not complete within the
// server's InitTimeout.
type HandshakeTimeoutError struct {
	Server  string
	Timeout time.Duration
	Err     error
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("initialize %s: no response within %s", e.Server, e.Timeout)
}

func (e *HandshakeTimeoutError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return context.DeadlineExceeded
}

// CapabilityLoadError reports that listing one capability category failed.
type CapabilityLoadError struct {
	Server   string
	Category Capability
	Err      error
}

func (e *CapabilityLoadError) Error() string {
	return fmt.Sprintf("%s: %v", e.Category.Label(), e.Err)
}

func (e *CapabilityLoadError) Unwrap() error { return e.Err }

// CallTimeoutError reports that one RPC exceeded its deadline. The session
// stays usable.
type CallTimeoutError struct {
	Server  string
	Method  string
	Target  string
	Timeout time.Duration
}

func (e *CallTimeoutError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s %s on %s timed out after %s", e.Method, e.Target, e.Server, e.Timeout)
	}
	return fmt.Sprintf("%s on %s timed out after %s", e.Method, e.Server, e.Timeout)
}

func (e *CallTimeoutError) Unwrap() error { return context.DeadlineExceeded }

// ToolExecutionError reports that the server answered a tool call with an
// error, either as a JSON-RPC error or as a result flagged IsError.
type ToolExecutionError struct {
	Server  string
	Tool    string
	Message string
	Err     error
}

func (e *ToolExecutionError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("tool %s on %s failed: %s", e.Tool, e.Server, msg)
}

func (e *ToolExecutionError) Unwrap() error { return e.Err }
