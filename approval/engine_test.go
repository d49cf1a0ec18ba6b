package approval

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/ca-approval-backend/events"
	"github.com/ruteri/ca-approval-backend/interfaces"
	"github.com/ruteri/ca-approval-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

var (
	requester = interfaces.AdminIdentity{IssuerDN: "CN=Admin CA,O=Example", SerialNumber: "0a"}
	alice     = interfaces.AdminIdentity{IssuerDN: "CN=Admin CA,O=Example", SerialNumber: "0b"}
	bob       = interfaces.AdminIdentity{IssuerDN: "CN=Admin CA,O=Example", SerialNumber: "0c"}
	carol     = interfaces.AdminIdentity{IssuerDN: "CN=Admin CA,O=Example", SerialNumber: "0d"}
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine   *Engine
	store    *storage.MemoryStore
	clock    *testClock
	recorder *events.Recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:    storage.NewMemoryStore(),
		clock:    newTestClock(),
		recorder: &events.Recorder{},
	}
	base := []Option{
		WithClock(f.clock.Now),
		WithPublisher(f.recorder),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	f.engine = NewEngine(f.store, append(base, opts...)...)
	return f
}

func revocationSpec(required int) interfaces.ApprovalRequestSpec {
	return interfaces.ApprovalRequestSpec{
		ApprovalType:       interfaces.Revocation,
		RequestingAdmin:    requester,
		CAID:               7,
		EndEntityProfileID: 3,
		RequiredApprovals:  required,
		Payload:            []byte(`{"serial":"01ab"}`),
	}
}

func (f *fixture) submit(t *testing.T, spec interfaces.ApprovalRequestSpec) int64 {
	t.Helper()
	_, err := f.engine.Submit(context.Background(), spec.RequestingAdmin, spec, time.Hour)
	require.NoError(t, err)
	return ComputeApprovalID(spec)
}

func (f *fixture) status(t *testing.T, id int64) Outcome {
	t.Helper()
	out, err := f.engine.Status(context.Background(), id)
	require.NoError(t, err)
	return out
}

func TestQuorumApproval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submit(t, revocationSpec(2))

	assert.Equal(t, Pending(2), f.status(t, id))

	require.NoError(t, f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{Comment: "ok"}))
	assert.Equal(t, Pending(1), f.status(t, id))

	require.NoError(t, f.engine.Approve(ctx, bob, id, interfaces.ApprovalDecision{}))
	assert.Equal(t, OutcomeApproved, f.status(t, id).Kind)

	rec, err := f.engine.FindNonExpired(ctx, id)
	require.NoError(t, err)
	require.Len(t, rec.Decisions, 2)
	assert.Equal(t, "ok", rec.Decisions[0].Comment)
	assert.Equal(t, f.clock.Now(), rec.Decisions[0].Timestamp)

	assert.Equal(t, 1, f.recorder.Count(events.KindSubmitted))
	assert.Equal(t, 2, f.recorder.Count(events.KindVote))
	assert.Equal(t, 1, f.recorder.Count(events.KindApproved))
	assert.Zero(t, f.recorder.Count(events.KindExecuted))
}

func TestExecutableRequestRunsOnFinalApproval(t *testing.T) {
	var payloads [][]byte
	executor := interfaces.ExecutorFunc(func(_ context.Context, payload []byte) error {
		payloads = append(payloads, payload)
		return nil
	})
	f := newFixture(t, WithExecutor(interfaces.Revocation, executor))
	ctx := context.Background()

	spec := revocationSpec(2)
	spec.Executable = true
	id := f.submit(t, spec)

	require.NoError(t, f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{}))
	assert.Empty(t, payloads)
	require.NoError(t, f.engine.Approve(ctx, bob, id, interfaces.ApprovalDecision{}))

	require.Len(t, payloads, 1)
	assert.Equal(t, spec.Payload, payloads[0])
	assert.Equal(t, OutcomeExecuted, f.status(t, id).Kind)
	assert.Equal(t, 1, f.recorder.Count(events.KindExecuted))

	err := f.engine.Approve(ctx, carol, id, interfaces.ApprovalDecision{})
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
	assert.Len(t, payloads, 1)
}

func TestDecisionGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submit(t, revocationSpec(2))

	err := f.engine.Approve(ctx, requester, id, interfaces.ApprovalDecision{})
	assert.ErrorIs(t, err, ErrSelfApproval)
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	err = f.engine.Reject(ctx, requester, id, interfaces.ApprovalDecision{})
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	require.NoError(t, f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{}))
	assert.ErrorIs(t, f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{}), ErrAlreadyDecided)
	assert.ErrorIs(t, f.engine.Reject(ctx, alice, id, interfaces.ApprovalDecision{}), ErrAlreadyDecided)

	// The same certificate with a differently formatted serial and DN.
	sameAlice := interfaces.AdminIdentity{IssuerDN: "cn=admin ca, o=example", SerialNumber: "0x0B"}
	assert.ErrorIs(t, f.engine.Approve(ctx, sameAlice, id, interfaces.ApprovalDecision{}), ErrAlreadyDecided)

	assert.Equal(t, Pending(1), f.status(t, id))
	assert.ErrorIs(t, f.engine.Approve(ctx, alice, 12345, interfaces.ApprovalDecision{}), ErrNotFound)
}

func TestRejectIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submit(t, revocationSpec(2))

	require.NoError(t, f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{}))
	require.NoError(t, f.engine.Reject(ctx, bob, id, interfaces.ApprovalDecision{Comment: "wrong serial"}))
	assert.Equal(t, OutcomeRejected, f.status(t, id).Kind)

	assert.ErrorIs(t, f.engine.Approve(ctx, carol, id, interfaces.ApprovalDecision{}), ErrAlreadyTerminal)
	assert.ErrorIs(t, f.engine.Reject(ctx, carol, id, interfaces.ApprovalDecision{}), ErrAlreadyTerminal)
	assert.Equal(t, 1, f.recorder.Count(events.KindRejected))

	// A rejected request no longer blocks resubmission.
	_, err := f.engine.Submit(ctx, requester, revocationSpec(2), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, Pending(2), f.status(t, id))
}

func TestExpiryIsSurfacedOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submit(t, revocationSpec(2))

	f.clock.Advance(2 * time.Hour)

	_, err := f.engine.Status(ctx, id)
	assert.ErrorIs(t, err, ErrExpiredJustNow)
	assert.Equal(t, OutcomeExpiredNotified, f.status(t, id).Kind)
	assert.Equal(t, OutcomeExpiredNotified, f.status(t, id).Kind)

	assert.ErrorIs(t, f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{}), ErrExpired)
	assert.ErrorIs(t, f.engine.Reject(ctx, alice, id, interfaces.ApprovalDecision{}), ErrExpired)
	assert.Equal(t, 1, f.recorder.Count(events.KindExpired))

	records, err := f.engine.FindAll(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, interfaces.StatusExpiredNotified, records[0].Status)
	assert.True(t, records[0].Notified)
}

func TestQuietExpiryIsSurfacedByNextStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submit(t, revocationSpec(1))

	f.clock.Advance(2 * time.Hour)

	records, err := f.engine.FindAll(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, interfaces.StatusExpired, records[0].Status)
	assert.False(t, records[0].Notified)

	_, err = f.engine.FindNonExpired(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.Status(ctx, id)
	assert.ErrorIs(t, err, ErrExpiredJustNow)
	assert.Equal(t, OutcomeExpiredNotified, f.status(t, id).Kind)

	// Only the write that first marked the record expired publishes.
	assert.Equal(t, 1, f.recorder.Count(events.KindExpired))
}

func TestDecisionOnOverdueRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submit(t, revocationSpec(1))

	f.clock.Advance(time.Hour + time.Second)

	assert.ErrorIs(t, f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{}), ErrExpiredJustNow)
	assert.ErrorIs(t, f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{}), ErrExpired)
	assert.Equal(t, OutcomeExpiredNotified, f.status(t, id).Kind)

	records, err := f.engine.FindAll(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, records[0].Decisions)
}

func TestExpiryBoundary(t *testing.T) {
	f := newFixture(t)
	id := f.submit(t, revocationSpec(1))

	f.clock.Advance(time.Hour)
	assert.Equal(t, Pending(1), f.status(t, id))

	f.clock.Advance(time.Nanosecond)
	_, err := f.engine.Status(context.Background(), id)
	assert.ErrorIs(t, err, ErrExpiredJustNow)
}

func TestDuplicateSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	spec := revocationSpec(1)
	id := f.submit(t, spec)

	_, err := f.engine.Submit(ctx, requester, spec, time.Hour)
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	// Description is not part of the request identity.
	described := spec
	described.Description = "please"
	_, err = f.engine.Submit(ctx, requester, described, time.Hour)
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	// An approved request still gates its approval id until consumed.
	require.NoError(t, f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{}))
	_, err = f.engine.Submit(ctx, requester, spec, time.Hour)
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	require.NoError(t, f.engine.MarkStepDone(ctx, requester, id, 0))
	f.clock.Advance(time.Minute)
	newID, err := f.engine.Submit(ctx, requester, spec, time.Hour)
	require.NoError(t, err)

	records, err := f.engine.FindAll(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, newID, records[0].ID)
	assert.Equal(t, Pending(1), f.status(t, id))
}

func TestResubmitAfterExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	spec := revocationSpec(1)
	id := f.submit(t, spec)

	f.clock.Advance(2 * time.Hour)
	_, err := f.engine.Submit(ctx, requester, spec, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, f.recorder.Count(events.KindExpired))

	records, err := f.engine.FindAll(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, interfaces.StatusWaiting, records[0].Status)
	assert.Equal(t, interfaces.StatusExpired, records[1].Status)

	active, err := f.engine.FindNonExpired(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, records[0].ID, active.ID)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Submit(ctx, alice, revocationSpec(1), time.Hour)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.engine.Submit(ctx, requester, revocationSpec(0), time.Hour)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	executable := revocationSpec(1)
	executable.Executable = true
	_, err = f.engine.Submit(ctx, requester, executable, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	scoped := revocationSpec(1)
	scoped.StepScoped = true
	_, err = f.engine.Submit(ctx, requester, scoped, time.Hour)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Zero(t, f.recorder.Count(events.KindSubmitted))
}

func TestDefaultTTL(t *testing.T) {
	f := newFixture(t, WithDefaultTTL(10*time.Minute))
	ctx := context.Background()
	spec := revocationSpec(1)

	_, err := f.engine.Submit(ctx, requester, spec, 0)
	require.NoError(t, err)
	rec, err := f.engine.FindNonExpired(ctx, ComputeApprovalID(spec))
	require.NoError(t, err)
	assert.Equal(t, rec.CreatedAt.Add(10*time.Minute), rec.ExpiresAt)
}

func TestMultiStepRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	spec := revocationSpec(0)
	spec.StepRequirements = []int{1, 2}
	id := f.submit(t, spec)

	require.NoError(t, f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{}))
	out, err := f.engine.StatusForStep(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, Pending(1), out)

	assert.ErrorIs(t, f.engine.MarkStepDone(ctx, requester, id, 0), ErrNotApproved)

	require.NoError(t, f.engine.Approve(ctx, bob, id, interfaces.ApprovalDecision{}))
	for step := 0; step < 2; step++ {
		out, err := f.engine.StatusForStep(ctx, id, step)
		require.NoError(t, err)
		assert.Equal(t, OutcomeApproved, out.Kind, "step %d", step)
	}

	require.NoError(t, f.engine.MarkStepDone(ctx, requester, id, 0))
	out, err = f.engine.StatusForStep(ctx, id, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, out.Kind)
	out, err = f.engine.StatusForStep(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApproved, out.Kind)

	assert.ErrorIs(t, f.engine.MarkStepDone(ctx, requester, id, 0), ErrStepConsumed)
	assert.ErrorIs(t, f.engine.MarkStepDone(ctx, requester, id, 2), ErrInvalidStep)
	_, err = f.engine.StatusForStep(ctx, id, -1)
	assert.ErrorIs(t, err, ErrInvalidStep)
	assert.Equal(t, 1, f.recorder.Count(events.KindStepConsumed))

	_, err = f.engine.Submit(ctx, requester, spec, time.Hour)
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	require.NoError(t, f.engine.MarkStepDone(ctx, requester, id, 1))
	_, err = f.engine.FindNonExpired(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStepScopedApprovals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	spec := revocationSpec(0)
	spec.StepRequirements = []int{1, 1}
	spec.StepScoped = true
	id := f.submit(t, spec)

	require.NoError(t, f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{Step: 0}))
	out, err := f.engine.StatusForStep(ctx, id, 1)
	require.NoError(t, err)
	assert.Equal(t, Pending(1), out)

	assert.ErrorIs(t, f.engine.Approve(ctx, bob, id, interfaces.ApprovalDecision{Step: 0}), ErrInvalidStep)
	assert.ErrorIs(t, f.engine.Approve(ctx, bob, id, interfaces.ApprovalDecision{Step: 5}), ErrInvalidStep)

	require.NoError(t, f.engine.Approve(ctx, bob, id, interfaces.ApprovalDecision{Step: 1}))
	assert.Equal(t, OutcomeApproved, f.status(t, id).Kind)
}

func TestDecisionStepRecorded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Without per-step counting every decision lands on step 0.
	id := f.submit(t, revocationSpec(3))
	require.NoError(t, f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{Step: 42}))
	require.NoError(t, f.engine.Reject(ctx, bob, id, interfaces.ApprovalDecision{Step: -3}))
	records, err := f.engine.FindAll(ctx, id)
	require.NoError(t, err)
	rec := records[0]
	require.Len(t, rec.Decisions, 2)
	assert.Zero(t, rec.Decisions[0].Step)
	assert.Zero(t, rec.Decisions[1].Step)

	scoped := revocationSpec(0)
	scoped.StepRequirements = []int{1, 1}
	scoped.StepScoped = true
	scoped.Discriminator = "scoped"
	scopedID := f.submit(t, scoped)
	assert.ErrorIs(t, f.engine.Reject(ctx, alice, scopedID, interfaces.ApprovalDecision{Step: 2}), ErrInvalidStep)
	require.NoError(t, f.engine.Reject(ctx, alice, scopedID, interfaces.ApprovalDecision{Step: 1}))
	records, err = f.engine.FindAll(ctx, scopedID)
	require.NoError(t, err)
	rec = records[0]
	require.Len(t, rec.Decisions, 1)
	assert.Equal(t, 1, rec.Decisions[0].Step)
}

func TestMarkStepDoneOnOverdueRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.submit(t, revocationSpec(1))

	f.clock.Advance(2 * time.Hour)
	assert.ErrorIs(t, f.engine.MarkStepDone(ctx, requester, id, 0), ErrExpired)

	// The quiet expiry is still surfaced to the next status query.
	_, err := f.engine.Status(ctx, id)
	assert.ErrorIs(t, err, ErrExpiredJustNow)
}

func TestConcurrentApprovalsExecuteOnce(t *testing.T) {
	calls := atomic.NewInt32(0)
	executor := interfaces.ExecutorFunc(func(context.Context, []byte) error {
		calls.Inc()
		return nil
	})

	store := storage.NewMemoryStore()
	clock := newTestClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	// Two engines over one store serialize through the group version only.
	engines := []*Engine{
		NewEngine(store, WithClock(clock.Now), WithLogger(logger), WithMaxRetries(100), WithExecutor(interfaces.Revocation, executor)),
		NewEngine(store, WithClock(clock.Now), WithLogger(logger), WithMaxRetries(100), WithExecutor(interfaces.Revocation, executor)),
	}

	spec := revocationSpec(3)
	spec.Executable = true
	ctx := context.Background()
	_, err := engines[0].Submit(ctx, requester, spec, time.Hour)
	require.NoError(t, err)
	id := ComputeApprovalID(spec)

	const approvers = 8
	var wg sync.WaitGroup
	succeeded := atomic.NewInt32(0)
	errs := make(chan error, approvers)
	for i := 0; i < approvers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			admin := interfaces.AdminIdentity{IssuerDN: "CN=Admin CA", SerialNumber: string(rune('a' + i))}
			err := engines[i%2].Approve(ctx, admin, id, interfaces.ApprovalDecision{})
			if err == nil {
				succeeded.Inc()
				return
			}
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.ErrorIs(t, err, ErrAlreadyTerminal)
	}
	assert.Equal(t, int32(3), succeeded.Load())
	assert.Equal(t, int32(1), calls.Load())

	out, err := engines[1].Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, out.Kind)
}

func TestExecutionFailureAndRetry(t *testing.T) {
	fail := atomic.NewBool(true)
	executor := interfaces.ExecutorFunc(func(context.Context, []byte) error {
		if fail.Load() {
			return errors.New("hsm offline")
		}
		return nil
	})
	f := newFixture(t, WithExecutor(interfaces.Revocation, executor))
	ctx := context.Background()

	spec := revocationSpec(1)
	spec.Executable = true
	id := f.submit(t, spec)

	err := f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{})
	require.Error(t, err)
	var execErr *ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.Equal(t, 1, execErr.Attempt)
	assert.False(t, IsWorkflowError(err))

	// The approval stands.
	assert.Equal(t, OutcomeApproved, f.status(t, id).Kind)
	rec, err := f.engine.FindNonExpired(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hsm offline", rec.ExecutionError)
	assert.Equal(t, 1, f.recorder.Count(events.KindExecutionFailed))

	err = f.engine.RetryExecution(ctx, alice, id)
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, 2, execErr.Attempt)

	fail.Store(false)
	require.NoError(t, f.engine.RetryExecution(ctx, alice, id))
	assert.Equal(t, OutcomeExecuted, f.status(t, id).Kind)
	assert.Equal(t, 1, f.recorder.Count(events.KindExecuted))

	assert.ErrorIs(t, f.engine.RetryExecution(ctx, alice, id), ErrAlreadyTerminal)
}

func TestRetryExecutionGuards(t *testing.T) {
	var f *fixture
	var inFlight error
	executor := interfaces.ExecutorFunc(func(ctx context.Context, _ []byte) error {
		inFlight = f.engine.RetryExecution(ctx, alice, ComputeApprovalID(executableSpec()))
		return nil
	})
	f = newFixture(t, WithExecutor(interfaces.Revocation, executor))
	ctx := context.Background()

	assert.ErrorIs(t, f.engine.RetryExecution(ctx, alice, 99), ErrNotFound)

	plain := f.submit(t, revocationSpec(1))
	assert.ErrorIs(t, f.engine.RetryExecution(ctx, alice, plain), ErrNotApproved)
	require.NoError(t, f.engine.Approve(ctx, alice, plain, interfaces.ApprovalDecision{}))
	assert.ErrorIs(t, f.engine.RetryExecution(ctx, alice, plain), ErrNotApproved)

	id := f.submit(t, executableSpec())
	require.NoError(t, f.engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{}))
	assert.ErrorIs(t, inFlight, ErrExecutionInProgress)
}

func executableSpec() interfaces.ApprovalRequestSpec {
	spec := revocationSpec(1)
	spec.Executable = true
	spec.Discriminator = "executable"
	return spec
}

func TestQuery(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	revocation := revocationSpec(1)
	recovery := interfaces.ApprovalRequestSpec{
		ApprovalType:      interfaces.KeyRecovery,
		RequestingAdmin:   requester,
		CAID:              9,
		RequiredApprovals: 1,
		Discriminator:     "user1",
	}
	activation := interfaces.ApprovalRequestSpec{
		ApprovalType:      interfaces.ActivateCAToken,
		RequestingAdmin:   alice,
		CAID:              7,
		RequiredApprovals: 2,
	}
	f.submit(t, revocation)
	f.clock.Advance(time.Minute)
	f.submit(t, recovery)
	f.clock.Advance(time.Minute)
	_, err := f.engine.Submit(ctx, alice, activation, 3*time.Hour)
	require.NoError(t, err)

	all, err := f.engine.Query(ctx, interfaces.Filter{}, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, interfaces.ActivateCAToken, all[0].Spec.ApprovalType)
	assert.Equal(t, interfaces.Revocation, all[2].Spec.ApprovalType)

	byCA, err := f.engine.Query(ctx, interfaces.Eq(interfaces.FieldCAID, "7"), 0, 0)
	require.NoError(t, err)
	assert.Len(t, byCA, 2)

	mine, err := f.engine.Query(ctx, interfaces.And(
		interfaces.Eq(interfaces.FieldRequestingAdmin, requester.Key()),
		interfaces.Or(
			interfaces.Eq(interfaces.FieldApprovalType, "key_recovery"),
			interfaces.Eq(interfaces.FieldApprovalType, "revocation"),
		),
	), 1, 1)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, interfaces.Revocation, mine[0].Spec.ApprovalType)

	// Two of the three are overdue now and come back marked expired.
	f.clock.Advance(2 * time.Hour)
	waiting, err := f.engine.Query(ctx, interfaces.Eq(interfaces.FieldStatus, "waiting"), 0, 0)
	require.NoError(t, err)
	require.Len(t, waiting, 3)
	assert.Equal(t, interfaces.StatusWaiting, waiting[0].Status)
	assert.Equal(t, interfaces.StatusExpired, waiting[1].Status)
	assert.Equal(t, interfaces.StatusExpired, waiting[2].Status)
	assert.Equal(t, 2, f.recorder.Count(events.KindExpired))

	waiting, err = f.engine.Query(ctx, interfaces.Eq(interfaces.FieldStatus, "waiting"), 0, 0)
	require.NoError(t, err)
	assert.Len(t, waiting, 1)

	_, err = f.engine.Query(ctx, interfaces.Eq("colour", "red"), 0, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = f.engine.Query(ctx, interfaces.Filter{}, -1, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

type recordingArchiver struct {
	archived []*interfaces.ApprovalRecord
	err      error
}

func (a *recordingArchiver) Archive(_ context.Context, rec *interfaces.ApprovalRecord) (interfaces.ContentID, error) {
	if a.err != nil {
		return interfaces.ContentID{}, a.err
	}
	a.archived = append(a.archived, rec)
	return interfaces.ComputeID([]byte(rec.ID)), nil
}

func TestRemove(t *testing.T) {
	archiver := &recordingArchiver{}
	f := newFixture(t, WithArchiver(archiver))
	ctx := context.Background()
	spec := revocationSpec(1)

	recordID, err := f.engine.Submit(ctx, requester, spec, time.Hour)
	require.NoError(t, err)
	id := ComputeApprovalID(spec)

	archiver.err = errors.New("bucket gone")
	require.Error(t, f.engine.Remove(ctx, alice, recordID))
	records, err := f.engine.FindAll(ctx, id)
	require.NoError(t, err)
	assert.Len(t, records, 1)

	archiver.err = nil
	require.NoError(t, f.engine.Remove(ctx, alice, recordID))
	require.Len(t, archiver.archived, 1)
	assert.Equal(t, recordID, archiver.archived[0].ID)
	assert.Equal(t, 1, f.recorder.Count(events.KindRemoved))

	records, err = f.engine.FindAll(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, records)
	_, err = f.engine.Status(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, f.engine.Remove(ctx, alice, recordID), ErrNotFound)
	assert.ErrorIs(t, f.engine.Remove(ctx, alice, "not-a-record-id"), ErrNotFound)

	// A removed request can be submitted again.
	_, err = f.engine.Submit(ctx, requester, spec, time.Hour)
	require.NoError(t, err)
}

type faultyStore struct {
	*storage.MemoryStore
	getErr    error
	alwaysCAS bool
	failPut   atomic.Bool
}

func (s *faultyStore) Get(ctx context.Context, approvalID int64) (*interfaces.RecordSet, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.MemoryStore.Get(ctx, approvalID)
}

func (s *faultyStore) Put(ctx context.Context, rec *interfaces.ApprovalRecord, expected uint64) error {
	if s.alwaysCAS {
		return interfaces.ErrVersionConflict
	}
	if s.failPut.Load() {
		return errors.New("disk full")
	}
	return s.MemoryStore.Put(ctx, rec, expected)
}

func TestExecutionFailureNotPersisted(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{MemoryStore: storage.NewMemoryStore()}
	fail := atomic.NewBool(true)
	executor := interfaces.ExecutorFunc(func(context.Context, []byte) error {
		if fail.Load() {
			store.failPut.Store(true)
			return errors.New("hsm offline")
		}
		return nil
	})
	engine := NewEngine(store,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithExecutor(interfaces.Revocation, executor))

	spec := executableSpec()
	_, err := engine.Submit(ctx, requester, spec, time.Hour)
	require.NoError(t, err)
	id := ComputeApprovalID(spec)

	err = engine.Approve(ctx, alice, id, interfaces.ApprovalDecision{})
	assert.ErrorIs(t, err, ErrExecutionFailed)
	assert.ErrorIs(t, err, ErrStoreUnavailable)

	// The failure never reached the store, so the record still looks claimed.
	store.failPut.Store(false)
	rec, err := engine.FindNonExpired(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StatusApproved, rec.Status)
	assert.Equal(t, 1, rec.ExecutionAttempts)
	assert.Empty(t, rec.ExecutionError)

	fail.Store(false)
	require.NoError(t, engine.RetryExecution(ctx, alice, id))
	out, err := engine.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, out.Kind)
	records, err := engine.FindAll(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, records[0].ExecutionAttempts)
}

func TestExecutionClaimLease(t *testing.T) {
	ctx := context.Background()
	store := &faultyStore{MemoryStore: storage.NewMemoryStore()}
	clock := newTestClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// The first engine loses its result on the way to the store, as if the
	// process died mid-execution.
	crashed := NewEngine(store, WithClock(clock.Now), WithLogger(logger), WithExecutionLease(time.Minute),
		WithExecutor(interfaces.Revocation, interfaces.ExecutorFunc(func(context.Context, []byte) error {
			store.failPut.Store(true)
			return errors.New("killed")
		})))
	calls := atomic.NewInt32(0)
	survivor := NewEngine(store, WithClock(clock.Now), WithLogger(logger), WithExecutionLease(time.Minute),
		WithExecutor(interfaces.Revocation, interfaces.ExecutorFunc(func(context.Context, []byte) error {
			calls.Inc()
			return nil
		})))

	spec := executableSpec()
	_, err := crashed.Submit(ctx, requester, spec, time.Hour)
	require.NoError(t, err)
	id := ComputeApprovalID(spec)
	require.Error(t, crashed.Approve(ctx, alice, id, interfaces.ApprovalDecision{}))
	store.failPut.Store(false)

	assert.ErrorIs(t, survivor.RetryExecution(ctx, bob, id), ErrExecutionInProgress)
	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, survivor.RetryExecution(ctx, bob, id), ErrExecutionInProgress)

	clock.Advance(30 * time.Second)
	require.NoError(t, survivor.RetryExecution(ctx, bob, id))
	assert.Equal(t, int32(1), calls.Load())

	out, err := crashed.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExecuted, out.Kind)
}

func TestStoreFaults(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	down := &faultyStore{MemoryStore: storage.NewMemoryStore(), getErr: errors.New("connection refused")}
	_, err := NewEngine(down, WithLogger(logger)).Status(ctx, 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, IsWorkflowError(err))

	contended := &faultyStore{MemoryStore: storage.NewMemoryStore(), alwaysCAS: true}
	_, err = NewEngine(contended, WithLogger(logger), WithMaxRetries(3)).Submit(ctx, requester, revocationSpec(1), time.Hour)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, interfaces.ErrVersionConflict)
}

func TestComputeApprovalID(t *testing.T) {
	spec := revocationSpec(2)
	id := ComputeApprovalID(spec)
	assert.Equal(t, id, ComputeApprovalID(spec))
	assert.GreaterOrEqual(t, id, int64(0))

	same := spec
	same.Description = "different text"
	same.RequiredApprovals = 5
	same.RequestingAdmin = interfaces.AdminIdentity{IssuerDN: "cn=admin ca,o=example", SerialNumber: "0x0A"}
	assert.Equal(t, id, ComputeApprovalID(same))

	for name, mutate := range map[string]func(*interfaces.ApprovalRequestSpec){
		"type":    func(s *interfaces.ApprovalRequestSpec) { s.ApprovalType = interfaces.KeyRecovery },
		"admin":   func(s *interfaces.ApprovalRequestSpec) { s.RequestingAdmin = alice },
		"ca":      func(s *interfaces.ApprovalRequestSpec) { s.CAID = 8 },
		"profile": func(s *interfaces.ApprovalRequestSpec) { s.EndEntityProfileID = 4 },
		"payload": func(s *interfaces.ApprovalRequestSpec) { s.Payload = []byte(`{"serial":"02"}`) },
	} {
		other := spec
		mutate(&other)
		assert.NotEqual(t, id, ComputeApprovalID(other), name)
	}
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "pending(2)", Pending(2).String())
	assert.Equal(t, "expired_notified", Outcome{Kind: OutcomeExpiredNotified}.String())

	var k OutcomeKind
	require.NoError(t, k.UnmarshalText([]byte("executed")))
	assert.Equal(t, OutcomeExecuted, k)
	assert.Error(t, k.UnmarshalText([]byte("maybe")))
}

func TestKeyLockReleasesEntries(t *testing.T) {
	locks := newKeyLock()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock(1)
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Zero(t, locks.size())
}
