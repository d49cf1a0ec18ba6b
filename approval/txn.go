package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/ca-approval-backend/events"
	"github.com/ruteri/ca-approval-backend/interfaces"
)

type pendingWrite struct {
	rec    *interfaces.ApprovalRecord
	events []events.Event
}

// txn is one read-check-write pass over an approval id group.
type txn struct {
	now    time.Time
	set    *interfaces.RecordSet
	writes []pendingWrite
}

// put queues rec to be written, with the events to publish once it commits.
func (t *txn) put(rec *interfaces.ApprovalRecord, evts ...events.Event) {
	for i, w := range t.writes {
		if w.rec.ID == rec.ID {
			t.writes[i].rec = rec
			t.writes[i].events = append(t.writes[i].events, evts...)
			return
		}
	}
	t.writes = append(t.writes, pendingWrite{rec: rec, events: evts})
}

// current returns the queued version of rec if this pass already changed it.
func (t *txn) current(rec *interfaces.ApprovalRecord) *interfaces.ApprovalRecord {
	for _, w := range t.writes {
		if w.rec.ID == rec.ID {
			return w.rec
		}
	}
	return rec
}

// update runs fn against the current group for approvalID and writes what it
// queued. Writes are committed even when fn returns a workflow error, so an
// expiry discovered on the way to a failure still persists. A version
// conflict re-runs the whole pass.
func (e *Engine) update(ctx context.Context, approvalID int64, fn func(tx *txn) error) error {
	unlock := e.locks.Lock(approvalID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		set, err := e.store.Get(ctx, approvalID)
		if err != nil {
			return storeError(err)
		}

		tx := &txn{now: e.now(), set: set}
		fnErr := fn(tx)

		conflict, err := e.commit(ctx, set.Version, tx.writes)
		if err != nil {
			return err
		}
		if !conflict {
			return fnErr
		}
		if attempt >= e.maxRetries {
			return fmt.Errorf("%w: approval %d still contended after %d attempts: %w",
				ErrStoreUnavailable, approvalID, attempt, interfaces.ErrVersionConflict)
		}
		e.log.Debug("approval group changed concurrently, retrying",
			slog.String("approvalID", interfaces.FormatApprovalID(approvalID)),
			slog.Int("attempt", attempt))
	}
}

func (e *Engine) commit(ctx context.Context, version uint64, writes []pendingWrite) (conflict bool, err error) {
	for _, w := range writes {
		if err := e.store.Put(ctx, w.rec, version); err != nil {
			if errors.Is(err, interfaces.ErrVersionConflict) {
				return true, nil
			}
			e.log.Error("failed to persist approval record", "err", err, slog.String("recordID", w.rec.ID))
			return false, storeError(err)
		}
		version++
		for _, evt := range w.events {
			e.publisher.Publish(ctx, evt)
		}
	}
	return false, nil
}
