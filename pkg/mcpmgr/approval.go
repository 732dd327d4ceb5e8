package mcpmgr

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
)

// ApprovalRequest describes a pending tool call awaiting a decision.
type ApprovalRequest struct {
	// ID is unique per request, for correlating prompts and audit logs.
	ID            string
	Server        string
	Tool          string
	QualifiedName string
	Arguments     json.RawMessage
}

// Approver decides whether a tool call that requires approval may proceed.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

func (f ApproverFunc) Approve(ctx context.Context, req ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

// AutoApprover approves every call.
type AutoApprover struct{}

func (AutoApprover) Approve(context.Context, ApprovalRequest) (bool, error) { return true, nil }

func newApprovalRequest(tool WrappedTool, args any) ApprovalRequest {
	req := ApprovalRequest{
		ID:            uuid.NewString(),
		Server:        tool.ServerName,
		Tool:          tool.Name,
		QualifiedName: tool.QualifiedName,
	}
	if args != nil {
		if raw, err := json.Marshal(args); err == nil {
			req.Arguments = raw
		}
	}
	return req
}
