// Package approval implements the multi-party approval engine that gates
// sensitive CA operations.
//
// A caller that wants to perform a gated operation builds an
// ApprovalRequestSpec and submits it. Other admins approve or reject the
// request under its deterministic approval id, and the requester polls
// Status until the request resolves. Executable requests run their executor
// on the final approval.
//
// Expiry is discovered lazily on access. The first status query or decision
// that finds an overdue request gets ErrExpiredJustNow; everything after that
// sees the quiet ExpiredNotified outcome.
//
// All mutations of one approval id are serialized by an in-process key lock
// and by the store's group version, so engines in several processes can share
// one store.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/ca-approval-backend/common"
	"github.com/ruteri/ca-approval-backend/events"
	"github.com/ruteri/ca-approval-backend/interfaces"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxRetries = 5
	DefaultTTL        = 24 * time.Hour

	// DefaultExecutionLease is how long another engine's execution claim
	// blocks RetryExecution.
	DefaultExecutionLease = 10 * time.Minute
)

// Archiver keeps a copy of a record before it is removed.
type Archiver interface {
	Archive(ctx context.Context, rec *interfaces.ApprovalRecord) (interfaces.ContentID, error)
}

type Option func(*Engine)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithExecutor registers the executor run for approved executable requests
// of the given type.
func WithExecutor(t interfaces.ApprovalType, ex interfaces.Executor) Option {
	return func(e *Engine) { e.executors[t] = ex }
}

// WithExecutors registers several executors at once.
func WithExecutors(executors map[interfaces.ApprovalType]interfaces.Executor) Option {
	return func(e *Engine) {
		for t, ex := range executors {
			e.executors[t] = ex
		}
	}
}

func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archiver = a }
}

// WithMaxRetries bounds how often a write is retried after a version conflict.
func WithMaxRetries(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRetries = n
		}
	}
}

// WithDefaultTTL sets the TTL used when Submit is called with ttl <= 0.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(e *Engine) {
		if ttl > 0 {
			e.defaultTTL = ttl
		}
	}
}

// WithExecutionLease sets how long an execution claimed by another engine
// instance is considered running.
func WithExecutionLease(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.executionLease = d
		}
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(e *Engine) { e.tracer = tp.Tracer(common.PackageName + "/approval") }
}

// Engine orchestrates the approval lifecycle on top of an ApprovalStore.
type Engine struct {
	store      interfaces.ApprovalStore
	executors  map[interfaces.ApprovalType]interfaces.Executor
	publisher  events.Publisher
	archiver   Archiver
	log        *slog.Logger
	now        func() time.Time
	maxRetries int
	defaultTTL time.Duration
	tracer     trace.Tracer
	locks      *keyLock

	instance       string
	executionLease time.Duration
	runningMu      sync.Mutex
	running        map[string]bool
}

func NewEngine(store interfaces.ApprovalStore, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		executors:  make(map[interfaces.ApprovalType]interfaces.Executor),
		publisher:  events.Nop{},
		log:        slog.Default(),
		now:        time.Now,
		maxRetries: DefaultMaxRetries,
		defaultTTL: DefaultTTL,
		tracer:     otel.Tracer(common.PackageName + "/approval"),
		locks:      newKeyLock(),

		instance:       uuid.NewString(),
		executionLease: DefaultExecutionLease,
		running:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Submit creates a new waiting request for spec. The admin submitting must be
// spec.RequestingAdmin.
func (e *Engine) Submit(ctx context.Context, admin interfaces.AdminIdentity, spec interfaces.ApprovalRequestSpec, ttl time.Duration) (recordID string, err error) {
	approvalID := ComputeApprovalID(spec)
	ctx, span := e.startSpan(ctx, "Submit", approvalID)
	defer func() { e.endSpan(span, err) }()

	if err := spec.Validate(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if !admin.Equal(spec.RequestingAdmin) {
		return "", fmt.Errorf("%w: submitting admin %s is not the requesting admin", ErrInvalidRequest, admin)
	}
	if spec.Executable {
		if _, ok := e.executors[spec.ApprovalType]; !ok {
			return "", fmt.Errorf("%w: no executor registered for %s", ErrInvalidRequest, spec.ApprovalType)
		}
	}
	if ttl <= 0 {
		ttl = e.defaultTTL
	}

	err = e.update(ctx, approvalID, func(tx *txn) error {
		for _, rec := range tx.set.Records {
			e.expire(tx, rec, false)
		}
		for _, rec := range tx.set.Records {
			if tx.current(rec).Active() {
				return fmt.Errorf("%w: approval %d record %s", ErrDuplicateRequest, approvalID, rec.ID)
			}
		}

		steps := spec.Steps()
		rec := &interfaces.ApprovalRecord{
			ID:           interfaces.NewRecordID(approvalID),
			ApprovalID:   approvalID,
			Spec:         spec,
			Remaining:    make(map[int]int, len(steps)),
			StepConsumed: make(map[int]bool),
			Status:       interfaces.StatusWaiting,
			CreatedAt:    tx.now,
			ExpiresAt:    tx.now.Add(ttl),
		}
		for i, n := range steps {
			rec.Remaining[i] = n
		}
		recordID = rec.ID
		tx.put(rec, events.ForRecord(events.KindSubmitted, rec, admin, tx.now))
		return nil
	})
	if err != nil {
		return "", err
	}

	e.log.Info("approval request submitted",
		slog.String("approvalID", interfaces.FormatApprovalID(approvalID)),
		slog.String("recordID", recordID),
		slog.String("approvalType", spec.ApprovalType.String()),
		slog.String("admin", admin.Key()))
	return recordID, nil
}

// Approve records an approving decision. The final approval resolves the
// request and, for executable requests, runs its executor.
func (e *Engine) Approve(ctx context.Context, admin interfaces.AdminIdentity, approvalID int64, decision interfaces.ApprovalDecision) (err error) {
	ctx, span := e.startSpan(ctx, "Approve", approvalID)
	defer func() { e.endSpan(span, err) }()

	var approved *interfaces.ApprovalRecord
	err = e.update(ctx, approvalID, func(tx *txn) error {
		if approved != nil {
			e.unmarkRunning(approved.ID)
			approved = nil
		}
		rec, err := e.decidable(tx, admin)
		if err != nil {
			return err
		}

		steps := rec.Spec.Steps()
		step, err := decisionStep(rec, decision)
		if err != nil {
			return err
		}
		if rec.Spec.StepScoped && rec.Remaining[step] == 0 {
			return fmt.Errorf("%w: step %d already has all approvals", ErrInvalidStep, step)
		}

		rec = rec.Clone()
		rec.Decisions = append(rec.Decisions, interfaces.ApprovalDecision{
			Admin:     admin,
			Comment:   decision.Comment,
			Step:      step,
			Timestamp: tx.now,
		})
		if rec.Spec.StepScoped {
			rec.Remaining[step]--
		} else {
			for i := range steps {
				if rec.Remaining[i] > 0 {
					rec.Remaining[i]--
				}
			}
		}

		evts := []events.Event{events.ForRecord(events.KindVote, rec, admin, tx.now)}
		if rec.RemainingTotal() == 0 {
			rec.Status = interfaces.StatusApproved
			if rec.Spec.Executable {
				e.claimExecution(tx, rec)
				approved = rec
			}
			evts = append(evts, events.ForRecord(events.KindApproved, rec, admin, tx.now))
		}
		tx.put(rec, evts...)
		return nil
	})
	if err != nil {
		if approved != nil {
			e.unmarkRunning(approved.ID)
		}
		return err
	}

	e.log.Info("approval decision recorded",
		slog.String("approvalID", interfaces.FormatApprovalID(approvalID)),
		slog.String("admin", admin.Key()))

	if approved != nil {
		return e.execute(ctx, admin, approved)
	}
	return nil
}

// Reject records a rejecting decision. A single rejection resolves the
// request as rejected regardless of approvals already given.
func (e *Engine) Reject(ctx context.Context, admin interfaces.AdminIdentity, approvalID int64, decision interfaces.ApprovalDecision) (err error) {
	ctx, span := e.startSpan(ctx, "Reject", approvalID)
	defer func() { e.endSpan(span, err) }()

	err = e.update(ctx, approvalID, func(tx *txn) error {
		rec, err := e.decidable(tx, admin)
		if err != nil {
			return err
		}
		step, err := decisionStep(rec, decision)
		if err != nil {
			return err
		}

		rec = rec.Clone()
		rec.Decisions = append(rec.Decisions, interfaces.ApprovalDecision{
			Admin:     admin,
			Comment:   decision.Comment,
			Reject:    true,
			Step:      step,
			Timestamp: tx.now,
		})
		for step := range rec.Remaining {
			rec.Remaining[step] = 0
		}
		rec.Status = interfaces.StatusRejected
		tx.put(rec, events.ForRecord(events.KindRejected, rec, admin, tx.now))
		return nil
	})
	if err != nil {
		return err
	}

	e.log.Info("approval request rejected",
		slog.String("approvalID", interfaces.FormatApprovalID(approvalID)),
		slog.String("admin", admin.Key()))
	return nil
}

// decidable returns the record a decision by admin applies to, or the
// workflow error explaining why admin cannot decide.
func (e *Engine) decidable(tx *txn, admin interfaces.AdminIdentity) (*interfaces.ApprovalRecord, error) {
	rec := tx.set.Latest()
	if rec == nil {
		return nil, ErrNotFound
	}
	if e.expire(tx, rec, true) {
		return nil, ErrExpiredJustNow
	}
	rec = tx.current(rec)

	switch rec.Status {
	case interfaces.StatusExpired, interfaces.StatusExpiredNotified:
		return nil, ErrExpired
	case interfaces.StatusApproved, interfaces.StatusRejected, interfaces.StatusExecuted:
		return nil, fmt.Errorf("%w: status %s", ErrAlreadyTerminal, rec.Status)
	}
	if admin.Equal(rec.Spec.RequestingAdmin) {
		return nil, ErrSelfApproval
	}
	if rec.HasDecisionBy(admin) {
		return nil, ErrAlreadyDecided
	}
	return rec, nil
}

// decisionStep returns the step a decision counts towards. Decisions on
// requests without per-step counting are recorded against step 0.
func decisionStep(rec *interfaces.ApprovalRecord, decision interfaces.ApprovalDecision) (int, error) {
	if !rec.Spec.StepScoped {
		return 0, nil
	}
	if n := len(rec.Spec.Steps()); decision.Step < 0 || decision.Step >= n {
		return 0, fmt.Errorf("%w: step %d of %d", ErrInvalidStep, decision.Step, n)
	}
	return decision.Step, nil
}

// RetryExecution runs the executor again for an approved executable request
// whose previous execution failed, or whose last claim was abandoned. The
// approval itself is not reopened.
func (e *Engine) RetryExecution(ctx context.Context, admin interfaces.AdminIdentity, approvalID int64) (err error) {
	ctx, span := e.startSpan(ctx, "RetryExecution", approvalID)
	defer func() { e.endSpan(span, err) }()

	var claimed *interfaces.ApprovalRecord
	err = e.update(ctx, approvalID, func(tx *txn) error {
		if claimed != nil {
			e.unmarkRunning(claimed.ID)
			claimed = nil
		}
		rec := tx.set.Latest()
		if rec == nil {
			return ErrNotFound
		}
		switch {
		case rec.Status == interfaces.StatusExecuted:
			return fmt.Errorf("%w: already executed", ErrAlreadyTerminal)
		case rec.Status != interfaces.StatusApproved || !rec.Spec.Executable:
			return fmt.Errorf("%w: status %s", ErrNotApproved, rec.Status)
		case e.claimActive(rec, tx.now):
			return ErrExecutionInProgress
		}

		if rec.ExecutionAttempts > 0 && rec.ExecutionError == "" {
			e.log.Warn("taking over abandoned execution",
				slog.String("approvalID", interfaces.FormatApprovalID(rec.ApprovalID)),
				slog.String("claimedBy", rec.ExecutionClaimedBy),
				slog.Time("claimedAt", rec.ExecutionClaimedAt))
		}
		rec = rec.Clone()
		e.claimExecution(tx, rec)
		claimed = rec
		tx.put(rec)
		return nil
	})
	if err != nil {
		if claimed != nil {
			e.unmarkRunning(claimed.ID)
		}
		return err
	}
	return e.execute(ctx, admin, claimed)
}

// claimExecution starts a new execution attempt of rec on this engine. It
// runs under the approval's key lock.
func (e *Engine) claimExecution(tx *txn, rec *interfaces.ApprovalRecord) {
	rec.ExecutionAttempts++
	rec.ExecutionError = ""
	rec.ExecutionClaimedBy = e.instance
	rec.ExecutionClaimedAt = tx.now
	e.runningMu.Lock()
	e.running[rec.ID] = true
	e.runningMu.Unlock()
}

func (e *Engine) unmarkRunning(recordID string) {
	e.runningMu.Lock()
	delete(e.running, recordID)
	e.runningMu.Unlock()
}

// claimActive reports whether an execution attempt of rec may still be
// running. Claims held by this engine are exact; claims held by other
// instances expire after the execution lease.
func (e *Engine) claimActive(rec *interfaces.ApprovalRecord, now time.Time) bool {
	if rec.ExecutionAttempts == 0 || rec.ExecutionError != "" {
		return false
	}
	if rec.ExecutionClaimedBy == e.instance {
		e.runningMu.Lock()
		defer e.runningMu.Unlock()
		return e.running[rec.ID]
	}
	return !rec.ExecutionClaimedAt.IsZero() && now.Sub(rec.ExecutionClaimedAt) < e.executionLease
}

// execute runs the executor for a record already claimed in the store and
// persists the result.
func (e *Engine) execute(ctx context.Context, admin interfaces.AdminIdentity, rec *interfaces.ApprovalRecord) error {
	ctx, span := e.tracer.Start(ctx, "approval.execute", trace.WithAttributes(
		attribute.String("approval.type", rec.Spec.ApprovalType.String()),
		attribute.Int("approval.execution_attempt", rec.ExecutionAttempts),
	))
	defer span.End()
	defer e.unmarkRunning(rec.ID)

	ex, ok := e.executors[rec.Spec.ApprovalType]
	var execErr error
	if !ok {
		execErr = fmt.Errorf("no executor registered for %s", rec.Spec.ApprovalType)
	} else {
		execErr = ex.Execute(ctx, rec.Spec.Payload)
	}

	persistErr := e.update(ctx, rec.ApprovalID, func(tx *txn) error {
		cur := tx.set.Find(rec.ID)
		if cur == nil {
			return ErrNotFound
		}
		if cur.Status != interfaces.StatusApproved || cur.ExecutionAttempts != rec.ExecutionAttempts {
			return nil
		}
		cur = cur.Clone()
		if execErr != nil {
			cur.ExecutionError = execErr.Error()
			evt := events.ForRecord(events.KindExecutionFailed, cur, admin, tx.now)
			evt.Error = cur.ExecutionError
			tx.put(cur, evt)
			return nil
		}
		cur.Status = interfaces.StatusExecuted
		cur.ExecutionError = ""
		tx.put(cur, events.ForRecord(events.KindExecuted, cur, admin, tx.now))
		return nil
	})

	if execErr != nil {
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "execution failed")
		e.log.Error("approved operation failed to execute",
			"err", execErr,
			slog.String("approvalID", interfaces.FormatApprovalID(rec.ApprovalID)),
			slog.String("approvalType", rec.Spec.ApprovalType.String()),
			slog.Int("attempt", rec.ExecutionAttempts))
		err := &ExecutionError{ApprovalID: rec.ApprovalID, RecordID: rec.ID, Attempt: rec.ExecutionAttempts, Err: execErr}
		if persistErr != nil {
			e.log.Error("failed to persist execution failure",
				"err", persistErr,
				slog.String("approvalID", interfaces.FormatApprovalID(rec.ApprovalID)))
			return errors.Join(err, persistErr)
		}
		return err
	}
	if persistErr != nil {
		e.log.Error("failed to persist execution result",
			"err", persistErr,
			slog.String("approvalID", interfaces.FormatApprovalID(rec.ApprovalID)))
		return persistErr
	}

	e.log.Info("approved operation executed",
		slog.String("approvalID", interfaces.FormatApprovalID(rec.ApprovalID)),
		slog.String("approvalType", rec.Spec.ApprovalType.String()))
	return nil
}

// Status reports the outcome of the latest request for approvalID, counted
// on step 0.
func (e *Engine) Status(ctx context.Context, approvalID int64) (out Outcome, err error) {
	ctx, span := e.startSpan(ctx, "Status", approvalID)
	defer func() { e.endSpan(span, err) }()
	return e.status(ctx, approvalID, 0, false)
}

// StatusForStep reports the outcome of one step. A consumed step reports
// OutcomeExpired while the other steps stay approved.
func (e *Engine) StatusForStep(ctx context.Context, approvalID int64, step int) (out Outcome, err error) {
	ctx, span := e.startSpan(ctx, "StatusForStep", approvalID)
	defer func() { e.endSpan(span, err) }()
	return e.status(ctx, approvalID, step, true)
}

func (e *Engine) status(ctx context.Context, approvalID int64, step int, checkStep bool) (Outcome, error) {
	var out Outcome
	err := e.update(ctx, approvalID, func(tx *txn) error {
		rec := tx.set.Latest()
		if rec == nil {
			return ErrNotFound
		}
		if checkStep && (step < 0 || step >= rec.StepCount()) {
			return fmt.Errorf("%w: step %d of %d", ErrInvalidStep, step, rec.StepCount())
		}
		if e.expire(tx, rec, true) {
			return ErrExpiredJustNow
		}
		out = outcomeFor(rec, step)
		return nil
	})
	return out, err
}

// MarkStepDone consumes one step of an approved request.
func (e *Engine) MarkStepDone(ctx context.Context, admin interfaces.AdminIdentity, approvalID int64, step int) (err error) {
	ctx, span := e.startSpan(ctx, "MarkStepDone", approvalID)
	defer func() { e.endSpan(span, err) }()

	return e.update(ctx, approvalID, func(tx *txn) error {
		rec := tx.set.Latest()
		if rec == nil {
			return ErrNotFound
		}
		if rec.Overdue(tx.now) {
			e.expire(tx, rec, false)
			return ErrExpired
		}
		if rec.Status != interfaces.StatusApproved && rec.Status != interfaces.StatusExecuted {
			return fmt.Errorf("%w: status %s", ErrNotApproved, rec.Status)
		}
		if step < 0 || step >= rec.StepCount() {
			return fmt.Errorf("%w: step %d of %d", ErrInvalidStep, step, rec.StepCount())
		}
		if rec.StepConsumed[step] {
			return fmt.Errorf("%w: step %d", ErrStepConsumed, step)
		}

		rec = rec.Clone()
		rec.StepConsumed[step] = true
		evt := events.ForRecord(events.KindStepConsumed, rec, admin, tx.now)
		evt.Step = step
		tx.put(rec, evt)
		return nil
	})
}

// FindNonExpired returns the active record for approvalID.
func (e *Engine) FindNonExpired(ctx context.Context, approvalID int64) (rec *interfaces.ApprovalRecord, err error) {
	ctx, span := e.startSpan(ctx, "FindNonExpired", approvalID)
	defer func() { e.endSpan(span, err) }()

	err = e.update(ctx, approvalID, func(tx *txn) error {
		for _, r := range tx.set.Records {
			e.expire(tx, r, false)
		}
		for _, r := range tx.set.Records {
			if cur := tx.current(r); cur.Active() {
				rec = cur.Clone()
				return nil
			}
		}
		return ErrNotFound
	})
	return rec, err
}

// FindAll returns every record ever created for approvalID, newest first.
func (e *Engine) FindAll(ctx context.Context, approvalID int64) (records []*interfaces.ApprovalRecord, err error) {
	ctx, span := e.startSpan(ctx, "FindAll", approvalID)
	defer func() { e.endSpan(span, err) }()

	err = e.update(ctx, approvalID, func(tx *txn) error {
		records = make([]*interfaces.ApprovalRecord, 0, len(tx.set.Records))
		for _, r := range tx.set.Records {
			e.expire(tx, r, false)
			records = append(records, tx.current(r).Clone())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	interfaces.SortNewestFirst(records)
	return records, nil
}

// Query returns records matching filter, newest first. The filter is
// evaluated on persisted state; overdue records in the page are marked
// expired before they are returned.
func (e *Engine) Query(ctx context.Context, filter interfaces.Filter, offset, limit int) (records []*interfaces.ApprovalRecord, err error) {
	ctx, span := e.tracer.Start(ctx, "approval.Query")
	defer func() { e.endSpan(span, err) }()

	if err := filter.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if offset < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: negative offset or limit", ErrInvalidRequest)
	}

	records, err = e.store.Scan(ctx, filter, offset, limit)
	if err != nil {
		return nil, storeError(err)
	}

	now := e.now()
	for i, r := range records {
		if !r.Overdue(now) {
			continue
		}
		recordID := r.ID
		err := e.update(ctx, r.ApprovalID, func(tx *txn) error {
			cur := tx.set.Find(recordID)
			if cur == nil {
				return nil
			}
			e.expire(tx, cur, false)
			records[i] = tx.current(cur).Clone()
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Remove deletes a record unconditionally, archiving it first when an
// archiver is configured.
func (e *Engine) Remove(ctx context.Context, admin interfaces.AdminIdentity, recordID string) (err error) {
	approvalID, err := interfaces.ApprovalIDFromRecordID(recordID)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}
	ctx, span := e.startSpan(ctx, "Remove", approvalID)
	defer func() { e.endSpan(span, err) }()

	unlock := e.locks.Lock(approvalID)
	defer unlock()

	set, err := e.store.Get(ctx, approvalID)
	if err != nil {
		return storeError(err)
	}
	rec := set.Find(recordID)
	if rec == nil {
		return ErrNotFound
	}

	if e.archiver != nil {
		contentID, err := e.archiver.Archive(ctx, rec)
		if err != nil {
			return fmt.Errorf("archiving record %s before removal: %w", recordID, err)
		}
		e.log.Info("approval record archived",
			slog.String("recordID", recordID),
			slog.String("contentID", contentID.String()))
	}

	if err := e.store.Delete(ctx, recordID); err != nil {
		if errors.Is(err, interfaces.ErrRecordNotFound) {
			return ErrNotFound
		}
		return storeError(err)
	}
	e.publisher.Publish(ctx, events.ForRecord(events.KindRemoved, rec, admin, e.now()))
	e.log.Info("approval record removed",
		slog.String("recordID", recordID),
		slog.String("admin", admin.Key()))
	return nil
}

// expire applies lazy expiry to rec inside tx. A surfacing call turns an
// unsurfaced expiry into ExpiredNotified and returns true: the caller must
// report ErrExpiredJustNow. A quiet call only marks overdue records Expired.
func (e *Engine) expire(tx *txn, rec *interfaces.ApprovalRecord, surface bool) (loud bool) {
	rec = tx.current(rec)
	overdue := rec.Overdue(tx.now)
	unsurfaced := rec.Status == interfaces.StatusExpired && !rec.Notified
	if !overdue && !(surface && unsurfaced) {
		return false
	}

	updated := rec.Clone()
	var evts []events.Event
	if surface {
		updated.Status = interfaces.StatusExpiredNotified
		updated.Notified = true
	} else {
		updated.Status = interfaces.StatusExpired
		updated.Notified = false
	}
	if overdue {
		evts = append(evts, events.ForRecord(events.KindExpired, updated, interfaces.AdminIdentity{}, tx.now))
	}
	tx.put(updated, evts...)
	return surface
}

func (e *Engine) startSpan(ctx context.Context, op string, approvalID int64) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "approval."+op, trace.WithAttributes(
		attribute.Int64("approval.id", approvalID),
	))
}

// endSpan marks faults on the span. Workflow errors are normal outcomes.
func (e *Engine) endSpan(span trace.Span, err error) {
	if err != nil {
		if IsWorkflowError(err) {
			span.SetAttributes(attribute.String("approval.outcome", err.Error()))
		} else {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	span.End()
}
