package interfaces

import (
	"context"
	"errors"
)

// ErrForbidden is returned by an Authorizer when the admin may not perform the action.
var ErrForbidden = errors.New("admin not authorized for action")

// PolicyGate decides how many approvals an operation needs. Zero means the
// operation is not gated at all and must not be submitted for approval.
type PolicyGate interface {
	RequiredApprovals(operation ApprovalType, caID, certProfileID int32) int
}

// Executor runs the gated operation once its request is approved.
type Executor interface {
	Execute(ctx context.Context, payload []byte) error
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, payload []byte) error

func (f ExecutorFunc) Execute(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

// Action names what an admin is trying to do with an approval request.
type Action string

const (
	ActionSubmit  Action = "submit"
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionExecute Action = "execute"
	ActionConsume Action = "consume"
	ActionQuery   Action = "query"
	ActionRemove  Action = "remove"
	// ActionUnseal covers custodian operations on the key escrow.
	ActionUnseal Action = "unseal"
)

// Authorizer decides whether an authenticated admin may perform an action on
// requests of a given approval type. It returns ErrForbidden when not allowed.
type Authorizer interface {
	Authorize(admin AdminIdentity, approvalType ApprovalType, action Action) error
}
