package mcpmgr

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessagesAndUnwrap(t *testing.T) {
	t.Parallel()

	conn := &ConnectionError{Server: "fs", Err: io.EOF}
	assert.Equal(t, "connect fs: EOF", conn.Error())
	assert.ErrorIs(t, conn, io.EOF)

	hs := &HandshakeTimeoutError{Server: "fs", Timeout: time.Second}
	assert.Equal(t, "initialize fs: no response within 1s", hs.Error())
	assert.ErrorIs(t, hs, context.DeadlineExceeded)

	capErr := &CapabilityLoadError{Server: "fs", Category: CapabilityResources, Err: errors.New("nope")}
	assert.Equal(t, "Resources: nope", capErr.Error())

	call := &CallTimeoutError{Server: "fs", Method: "tools/call", Target: "read", Timeout: 2 * time.Second}
	assert.Equal(t, "tools/call read on fs timed out after 2s", call.Error())
	assert.Equal(t, "prompts/list on fs timed out after 2s", (&CallTimeoutError{Server: "fs", Method: "prompts/list", Timeout: 2 * time.Second}).Error())

	exec := &ToolExecutionError{Server: "fs", Tool: "read", Err: io.ErrUnexpectedEOF}
	assert.Equal(t, "tool read on fs failed: unexpected EOF", exec.Error())
	assert.ErrorIs(t, exec, io.ErrUnexpectedEOF)
	assert.Equal(t, "tool read on fs failed: denied", (&ToolExecutionError{Server: "fs", Tool: "read", Message: "denied"}).Error())
}

func TestCallStatus(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "success", callStatus(nil))
	assert.Equal(t, "timeout", callStatus(&CallTimeoutError{}))
	assert.Equal(t, "error", callStatus(&ToolExecutionError{}))
	assert.Equal(t, "rejected", callStatus(ErrToolNotApproved))
	assert.Equal(t, "invalid", callStatus(ErrInvalidArguments))
	assert.Equal(t, "failed", callStatus(io.EOF))
}
