// Package events carries approval lifecycle events from the engine to
// notification and observability sinks.
//
// The engine publishes an event after the store write that caused it has
// committed, so every event corresponds to exactly one persisted transition.
// In particular KindExpired is published once per record: by the write that
// first marks the record expired. Sinks use it as the one-time "tell the
// requester" hook.
//
// Publishing never fails the workflow. Sinks report their own errors through
// their logger.
package events

import (
	"context"
	"sync"
	"time"

	"github.com/ruteri/ca-approval-backend/interfaces"
)

// Kind names a lifecycle transition.
type Kind string

const (
	KindSubmitted       Kind = "submitted"
	KindVote            Kind = "approval_vote"
	KindApproved        Kind = "approved"
	KindRejected        Kind = "rejected"
	KindExecuted        Kind = "executed"
	KindExecutionFailed Kind = "execution_failed"
	KindExpired         Kind = "expired"
	KindStepConsumed    Kind = "step_consumed"
	KindRemoved         Kind = "removed"
)

// Event describes one committed transition of an approval record.
type Event struct {
	Kind            Kind                     `json:"kind"`
	ApprovalID      int64                    `json:"approval_id"`
	RecordID        string                   `json:"record_id"`
	ApprovalType    interfaces.ApprovalType  `json:"approval_type"`
	CAID            int32                    `json:"ca_id"`
	RequestingAdmin interfaces.AdminIdentity `json:"requesting_admin"`
	// Actor is the admin whose call caused the transition. Zero for expiry
	// discovered by a read.
	Actor     interfaces.AdminIdentity `json:"actor"`
	Status    interfaces.Status        `json:"status"`
	Step      int                      `json:"step,omitempty"`
	Remaining int                      `json:"remaining"`
	Error     string                   `json:"error,omitempty"`
	At        time.Time                `json:"at"`
}

// ForRecord fills the record-derived fields of an event.
func ForRecord(kind Kind, rec *interfaces.ApprovalRecord, actor interfaces.AdminIdentity, at time.Time) Event {
	return Event{
		Kind:            kind,
		ApprovalID:      rec.ApprovalID,
		RecordID:        rec.ID,
		ApprovalType:    rec.Spec.ApprovalType,
		CAID:            rec.Spec.CAID,
		RequestingAdmin: rec.Spec.RequestingAdmin,
		Actor:           actor,
		Status:          rec.Status,
		Remaining:       rec.RemainingTotal(),
		At:              at,
	}
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(ctx context.Context, evt Event)

func (f PublisherFunc) Publish(ctx context.Context, evt Event) { f(ctx, evt) }

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// Multi fans an event out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, evt)
		}
	}
}

// Recorder keeps every published event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
