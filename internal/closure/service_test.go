// SPDX-License-Identifier: Apache-2.0

package closure

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adiadia/brokerage-agent/internal/auth"
	"github.com/adiadia/brokerage-agent/internal/brokerage"
	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeExecutor struct {
	mu       sync.Mutex
	failures map[domain.StepID][]error
	calls    []domain.StepID
	requests []brokerage.StepRequest
	onCall   func(req brokerage.StepRequest)
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{failures: map[domain.StepID][]error{}}
}

// failNext queues errors returned by the next calls for step.
func (f *fakeExecutor) failNext(step domain.StepID, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[step] = append(f.failures[step], errs...)
}

func (f *fakeExecutor) Execute(_ context.Context, req brokerage.StepRequest) (brokerage.StepResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req.Step)
	f.requests = append(f.requests, req)
	var err error
	if queued := f.failures[req.Step]; len(queued) > 0 {
		err = queued[0]
		f.failures[req.Step] = queued[1:]
	}
	hook := f.onCall
	f.mu.Unlock()

	if hook != nil {
		hook(req)
	}
	if err != nil {
		return brokerage.StepResult{}, err
	}
	return brokerage.StepResult{Step: req.Step, CompletedAt: time.Now()}, nil
}

func (f *fakeExecutor) stepCalls() []domain.StepID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.StepID(nil), f.calls...)
}

type recordingNotifier struct {
	mu   sync.Mutex
	runs []domain.WorkflowRun
}

func (n *recordingNotifier) Notify(_ context.Context, run domain.WorkflowRun) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, run)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.runs)
}

func statuses(run domain.WorkflowRun) []domain.StepStatus {
	out := make([]domain.StepStatus, 0, len(run.Steps))
	for _, st := range run.Steps {
		out = append(out, st.Status)
	}
	return out
}

func newTestService(t *testing.T, exec brokerage.Executor, opts Options) (*Service, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	svc := NewService(store, exec, discardLogger(), opts)
	t.Cleanup(svc.AutoRetry().Stop)
	return svc, store
}

func TestInitiateRunsPreSettlementSteps(t *testing.T) {
	exec := newFakeExecutor()
	svc, _ := newTestService(t, exec, Options{})

	view, err := svc.Initiate(context.Background(), "acct-1", "ach-1")
	require.NoError(t, err)

	run := view.Workflow
	assert.NotEmpty(t, run.ID)
	assert.Equal(t, []domain.StepStatus{
		domain.StepCompleted, domain.StepCompleted, domain.StepCompleted,
		domain.StepPending, domain.StepPending, domain.StepPending,
	}, statuses(run))
	assert.Equal(t, 3, run.CurrentStep)
	assert.True(t, run.CanCancel)
	assert.False(t, run.IsProcessing)
	assert.False(t, run.IsComplete)
	assert.False(t, view.HasFailed)
	assert.Equal(t, []domain.StepID{
		domain.StepCheckReadiness, domain.StepCancelOrders, domain.StepLiquidatePositions,
	}, exec.stepCalls())
}

func TestInitiateNotReadyStopsBeforeMutatingSteps(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepCheckReadiness, &brokerage.StepError{
		Step:    domain.StepCheckReadiness,
		Message: "Account has a pending deposit",
	})
	notifier := &recordingNotifier{}
	svc, _ := newTestService(t, exec, Options{Notifier: notifier})

	view, err := svc.Initiate(context.Background(), "acct-1", "ach-1")
	require.NoError(t, err)

	run := view.Workflow
	assert.Equal(t, domain.StepFailed, run.Steps[0].Status)
	assert.Equal(t, "Account has a pending deposit", run.Steps[0].Error)
	assert.Equal(t, 0, run.CurrentStep)
	assert.True(t, run.CanCancel)
	assert.False(t, run.IsProcessing)
	assert.True(t, view.HasFailed)
	assert.Equal(t, []domain.StepID{domain.StepCheckReadiness}, exec.stepCalls())
	require.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestInitiateFailureKeepsEarlierSteps(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepLiquidatePositions, &brokerage.Error{Status: 422, Detail: "Market is closed"})
	svc, _ := newTestService(t, exec, Options{})

	view, err := svc.Initiate(context.Background(), "acct-1", "ach-1")
	require.NoError(t, err)

	assert.Equal(t, []domain.StepStatus{
		domain.StepCompleted, domain.StepCompleted, domain.StepFailed,
		domain.StepPending, domain.StepPending, domain.StepPending,
	}, statuses(view.Workflow))
	assert.Equal(t, "Market is closed", view.Workflow.Steps[2].Error)
	assert.Equal(t, 2, view.Workflow.CurrentStep)
}

func TestInitiateHidesInternalErrors(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepCancelOrders, errors.New(`Post "http://brokerage.internal/x": dial tcp 10.1.2.3:80: refused`))
	svc, _ := newTestService(t, exec, Options{})

	view, err := svc.Initiate(context.Background(), "acct-1", "ach-1")
	require.NoError(t, err)
	assert.NotContains(t, view.Workflow.Steps[1].Error, "internal")
	assert.NotEmpty(t, view.Workflow.Steps[1].Error)
}

func TestFinalConfirmCompletesWorkflow(t *testing.T) {
	exec := newFakeExecutor()
	notifier := &recordingNotifier{}
	now := time.Date(2026, 3, 6, 15, 0, 0, 0, time.UTC) // Friday
	svc, _ := newTestService(t, exec, Options{Notifier: notifier, Now: func() time.Time { return now }})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)

	view, err := svc.FinalConfirm(ctx, "acct-1")
	require.NoError(t, err)

	run := view.Workflow
	assert.True(t, run.IsComplete)
	assert.False(t, run.CanCancel)
	assert.False(t, run.IsProcessing)
	for _, st := range run.Steps {
		assert.Equal(t, domain.StepCompleted, st.Status)
	}
	assert.True(t, strings.HasPrefix(run.ConfirmationNumber, "CLS-"))
	assert.Equal(t, strings.ToUpper(run.ConfirmationNumber), run.ConfirmationNumber)
	require.NotNil(t, run.CompletionTimestamp)
	require.NotNil(t, run.EstimatedCompletion)
	assert.Equal(t, time.Date(2026, 3, 13, 15, 0, 0, 0, time.UTC), *run.EstimatedCompletion)
	require.Eventually(t, func() bool { return notifier.count() == 1 }, time.Second, 5*time.Millisecond)

	for _, req := range exec.requests {
		assert.Equal(t, run.ID, req.WorkflowID)
		assert.Equal(t, "ach-1", req.ACHRelationshipID)
	}
}

func TestFinalConfirmRequiresCompletedPreSettlement(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepCancelOrders, &brokerage.Error{Status: 409, Detail: "Order locked"})
	svc, _ := newTestService(t, exec, Options{})
	ctx := context.Background()

	_, err := svc.FinalConfirm(ctx, "acct-1")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)

	_, err = svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)

	_, err = svc.FinalConfirm(ctx, "acct-1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestFinalConfirmOnlyOnce(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepWithdrawFunds, &brokerage.Error{Status: 422, Detail: "Insufficient settled cash"})
	svc, _ := newTestService(t, exec, Options{})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)

	view, err := svc.FinalConfirm(ctx, "acct-1")
	require.NoError(t, err)
	assert.False(t, view.Workflow.CanCancel)
	assert.Equal(t, domain.StepFailed, view.Workflow.Steps[4].Status)
	assert.Equal(t, "Insufficient settled cash", view.Workflow.Steps[4].Error)
	assert.Equal(t, domain.StepPending, view.Workflow.Steps[5].Status)

	_, err = svc.FinalConfirm(ctx, "acct-1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = svc.Cancel(ctx, "acct-1")
	assert.ErrorIs(t, err, domain.ErrCannotCancel)
}

func TestCancelResetsToTemplate(t *testing.T) {
	exec := newFakeExecutor()
	svc, store := newTestService(t, exec, Options{})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)

	active, err := svc.Active(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"acct-1"}, active)

	view, err := svc.Cancel(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, view.Workflow.ID)
	for _, st := range view.Workflow.Steps {
		assert.Equal(t, domain.StepPending, st.Status)
	}
	assert.True(t, view.Workflow.CanCancel)

	members, err := store.SMembers(ctx, activeSetKey)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestRetryResumesAtFailedStep(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepLiquidatePositions, &brokerage.Error{Status: 503, Detail: "Try later"})
	svc, _ := newTestService(t, exec, Options{})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)

	view, err := svc.Retry(ctx, "acct-1")
	require.NoError(t, err)

	assert.Equal(t, []domain.StepStatus{
		domain.StepCompleted, domain.StepCompleted, domain.StepCompleted,
		domain.StepPending, domain.StepPending, domain.StepPending,
	}, statuses(view.Workflow))
	assert.True(t, view.Workflow.CanCancel)
	assert.Equal(t, []domain.StepID{
		domain.StepCheckReadiness, domain.StepCancelOrders, domain.StepLiquidatePositions,
		domain.StepLiquidatePositions,
	}, exec.stepCalls())

	_, err = svc.Retry(ctx, "acct-1")
	assert.ErrorIs(t, err, domain.ErrNothingToRetry)
}

func TestRetryAfterConfirmationRunsToCompletion(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepSettlement, &brokerage.StepError{Step: domain.StepSettlement, Message: "Trades have not settled yet"})
	svc, _ := newTestService(t, exec, Options{})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)
	view, err := svc.FinalConfirm(ctx, "acct-1")
	require.NoError(t, err)
	require.True(t, view.HasFailed)

	view, err = svc.Retry(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, view.Workflow.IsComplete)
	assert.NotEmpty(t, view.Workflow.ConfirmationNumber)
	assert.False(t, view.Workflow.CanCancel)
}

func TestConcurrentMutationIsRejected(t *testing.T) {
	exec := newFakeExecutor()
	svc, _ := newTestService(t, exec, Options{})
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	exec.onCall = func(req brokerage.StepRequest) {
		if req.Step == domain.StepCancelOrders {
			once.Do(func() { close(entered) })
			<-release
		}
	}

	done := make(chan error, 1)
	go func() {
		_, err := svc.Initiate(ctx, "acct-1", "ach-1")
		done <- err
	}()

	<-entered
	view, err := svc.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, view.Workflow.IsProcessing)
	assert.Equal(t, domain.StepInProgress, view.Workflow.Steps[1].Status)

	_, err = svc.Initiate(ctx, "acct-1", "ach-1")
	assert.ErrorIs(t, err, domain.ErrWorkflowBusy)
	_, err = svc.Cancel(ctx, "acct-1")
	assert.ErrorIs(t, err, domain.ErrWorkflowBusy)
	_, err = svc.RunStep(ctx, "acct-1", domain.StepLiquidatePositions, "")
	assert.ErrorIs(t, err, domain.ErrWorkflowBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestInterruptedWorkflowBecomesRetryable(t *testing.T) {
	exec := newFakeExecutor()
	svc, store := newTestService(t, exec, Options{})
	ctx := context.Background()

	stale := domain.NewWorkflowRun("acct-1")
	stale.ID = "wf-stale"
	stale.IsProcessing = true
	stale.Steps[0].Status = domain.StepCompleted
	stale.Steps[1].Status = domain.StepInProgress
	stale.CurrentStep = 1
	require.NoError(t, NewStore(store).Save(ctx, stale))

	view, err := svc.Retry(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, view.Workflow.Steps[1].Status)
	assert.Equal(t, domain.StepCompleted, view.Workflow.Steps[2].Status)
	assert.False(t, view.Workflow.IsProcessing)
}

func TestGetWithoutWorkflowReturnsTemplate(t *testing.T) {
	svc, _ := newTestService(t, newFakeExecutor(), Options{})

	view, err := svc.Get(context.Background(), "acct-9")
	require.NoError(t, err)
	assert.Equal(t, "acct-9", view.Workflow.AccountID)
	assert.Len(t, view.Workflow.Steps, 6)
	assert.False(t, view.AutoRetryEnabled)
	assert.Nil(t, view.NextRetryIn)
}

func countCalls(calls []domain.StepID, step domain.StepID) int {
	n := 0
	for _, c := range calls {
		if c == step {
			n++
		}
	}
	return n
}

func TestRunStepReadinessNeedsNoWorkflow(t *testing.T) {
	exec := newFakeExecutor()
	svc, _ := newTestService(t, exec, Options{})

	res, err := svc.RunStep(context.Background(), "acct-1", domain.StepCheckReadiness, "")
	require.NoError(t, err)
	assert.Equal(t, domain.StepCheckReadiness, res.Step)
	assert.Equal(t, []domain.StepID{domain.StepCheckReadiness}, exec.stepCalls())
}

func TestRunStepRequiresStartedWorkflow(t *testing.T) {
	exec := newFakeExecutor()
	svc, _ := newTestService(t, exec, Options{})
	ctx := context.Background()

	_, err := svc.RunStep(ctx, "acct-1", domain.StepCancelOrders, "ach-1")
	assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)

	_, err = svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, "acct-1")
	require.NoError(t, err)

	_, err = svc.RunStep(ctx, "acct-1", domain.StepCancelOrders, "ach-1")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Equal(t, 1, countCalls(exec.stepCalls(), domain.StepCancelOrders))
}

func TestRunStepWithdrawalWaitsForConfirmation(t *testing.T) {
	exec := newFakeExecutor()
	svc, _ := newTestService(t, exec, Options{})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "acct-1", "ach-7")
	require.NoError(t, err)

	for _, step := range []domain.StepID{domain.StepSettlement, domain.StepWithdrawFunds, domain.StepCloseAccount} {
		_, err = svc.RunStep(ctx, "acct-1", step, "")
		assert.ErrorIs(t, err, domain.ErrInvalidTransition, string(step))
	}
	assert.Zero(t, countCalls(exec.stepCalls(), domain.StepWithdrawFunds))

	view, err := svc.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, view.Workflow.CanCancel)
	assert.Equal(t, domain.StepPending, view.Workflow.Steps[4].Status)

	view, err = svc.Cancel(ctx, "acct-1")
	require.NoError(t, err)
	assert.Empty(t, view.Workflow.ID)
}

func TestRunStepRecordsOutcomeOnWorkflow(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepLiquidatePositions, &brokerage.Error{Status: 503, Detail: "Try later"})
	svc, _ := newTestService(t, exec, Options{})
	ctx := context.Background()

	view, err := svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)
	require.True(t, view.HasFailed)

	res, err := svc.RunStep(ctx, "acct-1", domain.StepLiquidatePositions, "")
	require.NoError(t, err)
	assert.False(t, res.Replayed)

	view, err = svc.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, view.Workflow.Steps[2].Status)
	assert.Equal(t, 3, view.Workflow.CurrentStep)
	assert.True(t, view.Workflow.CanCancel)
	assert.False(t, view.Workflow.IsProcessing)
	assert.False(t, view.HasFailed)
}

func TestRunStepDrivesConfirmedWorkflowToCompletion(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepSettlement, &brokerage.StepError{Step: domain.StepSettlement, Message: "Trades have not settled yet"})
	notifier := &recordingNotifier{}
	svc, _ := newTestService(t, exec, Options{Notifier: notifier})
	ctx := context.Background()

	initiated, err := svc.Initiate(ctx, "acct-1", "ach-7")
	require.NoError(t, err)
	_, err = svc.FinalConfirm(ctx, "acct-1")
	require.NoError(t, err)

	_, err = svc.RunStep(ctx, "acct-1", domain.StepWithdrawFunds, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	_, err = svc.RunStep(ctx, "acct-1", domain.StepSettlement, "")
	require.NoError(t, err)
	_, err = svc.RunStep(ctx, "acct-1", domain.StepWithdrawFunds, "ach-other")
	require.NoError(t, err)

	last := exec.requests[len(exec.requests)-1]
	assert.Equal(t, initiated.Workflow.ID, last.WorkflowID)
	assert.Equal(t, "ach-7", last.ACHRelationshipID)

	_, err = svc.RunStep(ctx, "acct-1", domain.StepCloseAccount, "")
	require.NoError(t, err)

	view, err := svc.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, view.Workflow.IsComplete)
	assert.NotEmpty(t, view.Workflow.ConfirmationNumber)
	require.Eventually(t, func() bool { return notifier.count() >= 1 }, time.Second, 5*time.Millisecond)

	again, err := svc.RunStep(ctx, "acct-1", domain.StepWithdrawFunds, "")
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, 1, countCalls(exec.stepCalls(), domain.StepWithdrawFunds))
}

func TestRunStepFailureMarksStep(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepSettlement, &brokerage.StepError{Step: domain.StepSettlement, Message: "Trades have not settled yet"})
	exec.failNext(domain.StepWithdrawFunds, &brokerage.Error{Status: 422, Detail: "Insufficient settled cash"})
	svc, _ := newTestService(t, exec, Options{})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)
	_, err = svc.FinalConfirm(ctx, "acct-1")
	require.NoError(t, err)
	_, err = svc.RunStep(ctx, "acct-1", domain.StepSettlement, "")
	require.NoError(t, err)

	_, err = svc.RunStep(ctx, "acct-1", domain.StepWithdrawFunds, "")
	var apiErr *brokerage.Error
	require.ErrorAs(t, err, &apiErr)

	view, err := svc.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, view.Workflow.Steps[4].Status)
	assert.Equal(t, "Insufficient settled cash", view.Workflow.Steps[4].Error)
	assert.Equal(t, 4, view.Workflow.CurrentStep)
	assert.False(t, view.Workflow.IsProcessing)
	assert.True(t, view.HasFailed)
}

func TestRetryAfterCrashDoesNotRepeatWithdrawal(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepCloseAccount, &brokerage.Error{Status: 503, Detail: "Try later"})
	store := kv.NewMemoryStore()
	svc := NewService(store, brokerage.NewIdempotentExecutor(exec, store, 0, discardLogger()), discardLogger(), Options{})
	t.Cleanup(svc.AutoRetry().Stop)

	confirmCtx := auth.WithIdempotencyKey(context.Background(), "key-confirm")
	_, err := svc.Initiate(confirmCtx, "acct-1", "ach-1")
	require.NoError(t, err)
	_, err = svc.FinalConfirm(confirmCtx, "acct-1")
	require.NoError(t, err)
	require.Equal(t, 1, countCalls(exec.stepCalls(), domain.StepWithdrawFunds))

	// The holder died after the withdrawal went through but before the
	// completed mark was saved.
	crashed, err := NewStore(store).Load(context.Background(), "acct-1")
	require.NoError(t, err)
	crashed.Steps[4].Status = domain.StepInProgress
	crashed.Steps[5].Status = domain.StepPending
	crashed.Steps[5].Error = ""
	crashed.CurrentStep = 4
	crashed.IsProcessing = true
	require.NoError(t, NewStore(store).Save(context.Background(), crashed))

	view, err := svc.Retry(auth.WithIdempotencyKey(context.Background(), "key-retry"), "acct-1")
	require.NoError(t, err)
	assert.True(t, view.Workflow.IsComplete)
	assert.Equal(t, 1, countCalls(exec.stepCalls(), domain.StepWithdrawFunds))
	assert.Equal(t, 2, countCalls(exec.stepCalls(), domain.StepCloseAccount))
}

type fakeStatus struct {
	status brokerage.ClosureStatus
}

func (f fakeStatus) ClosureStatus(context.Context, string) (brokerage.ClosureStatus, error) {
	return f.status, nil
}

func TestReconcileAccountAppliesServerState(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepSettlement, &brokerage.StepError{Step: domain.StepSettlement, Message: "Trades have not settled yet"})

	remote := fakeStatus{status: brokerage.ClosureStatus{
		Steps: []domain.WorkflowStep{
			{ID: domain.StepSettlement, Status: domain.StepCompleted},
		},
	}}
	svc, _ := newTestService(t, exec, Options{Status: remote})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)
	_, err = svc.FinalConfirm(ctx, "acct-1")
	require.NoError(t, err)

	require.NoError(t, svc.ReconcileAccount(ctx, "acct-1"))

	view, err := svc.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StepCompleted, view.Workflow.Steps[3].Status)
	assert.Empty(t, view.Workflow.Steps[3].Error)
	assert.Equal(t, 4, view.Workflow.CurrentStep)
	assert.False(t, view.HasFailed)
}
