package approval

import (
	"fmt"

	"github.com/ruteri/ca-approval-backend/interfaces"
)

type OutcomeKind int

const (
	OutcomePending OutcomeKind = iota + 1
	OutcomeApproved
	OutcomeRejected
	OutcomeExecuted
	OutcomeExpired
	OutcomeExpiredNotified
)

var outcomeNames = map[OutcomeKind]string{
	OutcomePending:         "pending",
	OutcomeApproved:        "approved",
	OutcomeRejected:        "rejected",
	OutcomeExecuted:        "executed",
	OutcomeExpired:         "expired",
	OutcomeExpiredNotified: "expired_notified",
}

func (k OutcomeKind) String() string {
	if name, ok := outcomeNames[k]; ok {
		return name
	}
	return "unknown"
}

func (k OutcomeKind) MarshalText() ([]byte, error) {
	if _, ok := outcomeNames[k]; !ok {
		return nil, fmt.Errorf("invalid outcome kind %d", int(k))
	}
	return []byte(k.String()), nil
}

func (k *OutcomeKind) UnmarshalText(text []byte) error {
	for kind, name := range outcomeNames {
		if name == string(text) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown outcome kind %q", text)
}

// Outcome is the result of a status query. Remaining is only meaningful for
// OutcomePending.
type Outcome struct {
	Kind      OutcomeKind `json:"kind"`
	Remaining int         `json:"remaining,omitempty"`
}

func Pending(remaining int) Outcome { return Outcome{Kind: OutcomePending, Remaining: remaining} }

func (o Outcome) String() string {
	if o.Kind == OutcomePending {
		return fmt.Sprintf("pending(%d)", o.Remaining)
	}
	return o.Kind.String()
}

// outcomeFor maps a record to the outcome seen for step. A consumed step
// reads as expired: it is a spent single-use gate.
func outcomeFor(rec *interfaces.ApprovalRecord, step int) Outcome {
	switch rec.Status {
	case interfaces.StatusWaiting:
		return Pending(rec.Remaining[step])
	case interfaces.StatusApproved:
		if rec.StepConsumed[step] {
			return Outcome{Kind: OutcomeExpired}
		}
		return Outcome{Kind: OutcomeApproved}
	case interfaces.StatusExecuted:
		if rec.StepConsumed[step] {
			return Outcome{Kind: OutcomeExpired}
		}
		return Outcome{Kind: OutcomeExecuted}
	case interfaces.StatusRejected:
		return Outcome{Kind: OutcomeRejected}
	case interfaces.StatusExpired:
		return Outcome{Kind: OutcomeExpired}
	default:
		return Outcome{Kind: OutcomeExpiredNotified}
	}
}
