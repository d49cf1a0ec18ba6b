package approval

import (
	"errors"
	"fmt"

	"github.com/ruteri/ca-approval-backend/interfaces"
)

// Workflow errors. These are expected outcomes of a call and are never
// logged as faults.
var (
	ErrDuplicateRequest = errors.New("an active approval request with the same approval id already exists")
	ErrNotFound         = errors.New("approval request not found")
	ErrAlreadyTerminal  = errors.New("approval request is already resolved")
	ErrAlreadyDecided   = errors.New("admin has already decided on this approval request")
	// ErrSelfApproval matches ErrAlreadyDecided: the requester is considered
	// to have acted by submitting.
	ErrSelfApproval = fmt.Errorf("%w: requesting admin cannot decide on own request", ErrAlreadyDecided)

	// ErrExpiredJustNow is returned by the one call that first surfaces an
	// expiry. The caller owns the one-time notification.
	ErrExpiredJustNow = errors.New("approval request expired")
	// ErrExpired is returned by Approve and Reject on an already surfaced expiry.
	ErrExpired = errors.New("approval request has expired")

	ErrNotApproved         = errors.New("approval request is not approved")
	ErrStepConsumed        = errors.New("approval step already consumed")
	ErrInvalidStep         = errors.New("invalid approval step")
	ErrInvalidRequest      = errors.New("invalid approval request")
	ErrExecutionInProgress = errors.New("execution of approved request already in progress")
)

// Fault errors.
var (
	ErrExecutionFailed  = errors.New("approved operation failed to execute")
	ErrStoreUnavailable = interfaces.ErrStoreUnavailable
)

// ExecutionError reports a failed execution of an approved request. The
// approval itself stands; only the execution should be retried.
type ExecutionError struct {
	ApprovalID int64
	RecordID   string
	Attempt    int
	Err        error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: approval %d attempt %d: %v", ErrExecutionFailed, e.ApprovalID, e.Attempt, e.Err)
}

func (e *ExecutionError) Unwrap() []error {
	return []error{ErrExecutionFailed, e.Err}
}

// IsWorkflowError reports whether err is an expected workflow outcome rather
// than a fault.
func IsWorkflowError(err error) bool {
	for _, target := range []error{
		ErrDuplicateRequest, ErrNotFound, ErrAlreadyTerminal, ErrAlreadyDecided,
		ErrExpiredJustNow, ErrExpired, ErrNotApproved, ErrStepConsumed,
		ErrInvalidStep, ErrInvalidRequest, ErrExecutionInProgress,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func storeError(err error) error {
	if errors.Is(err, interfaces.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}
