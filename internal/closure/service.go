// SPDX-License-Identifier: Apache-2.0

package closure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/adiadia/brokerage-agent/internal/brokerage"
	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/errmap"
	"github.com/adiadia/brokerage-agent/internal/kv"
	"github.com/adiadia/brokerage-agent/internal/metrics"
	"github.com/adiadia/brokerage-agent/internal/tracing"
	"github.com/google/uuid"
)

const (
	defaultLockTTL   = 5 * time.Minute
	interruptedError = "The step was interrupted before it finished. Please retry."
)

// StatusSource is the brokerage's authoritative closure view.
type StatusSource interface {
	ClosureStatus(ctx context.Context, accountID string) (brokerage.ClosureStatus, error)
}

// View is a workflow together with its retry state.
type View struct {
	Workflow         domain.WorkflowRun `json:"workflow"`
	HasFailed        bool               `json:"hasFailed"`
	AutoRetryEnabled bool               `json:"autoRetryEnabled"`
	NextRetryIn      *int               `json:"nextRetryIn"`
}

type Options struct {
	LockTTL   time.Duration
	AutoRetry AutoRetryConfig
	Notifier  Notifier
	Status    StatusSource
	Now       func() time.Time
}

// Service drives account closure workflows. Every mutation holds the
// account's lock in the shared store, so two requests (or two instances)
// never advance the same workflow at once.
type Service struct {
	store    *Store
	kv       kv.Store
	exec     brokerage.Executor
	notifier Notifier
	status   StatusSource
	auto     *AutoRetry
	logger   *slog.Logger
	now      func() time.Time
	lockTTL  time.Duration
}

func NewService(store kv.Store, exec brokerage.Executor, logger *slog.Logger, opts Options) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = defaultLockTTL
	}

	s := &Service{
		store:    NewStore(store),
		kv:       store,
		exec:     exec,
		notifier: opts.Notifier,
		status:   opts.Status,
		logger:   logger,
		now:      opts.Now,
		lockTTL:  opts.LockTTL,
	}
	s.auto = NewAutoRetry(store, opts.AutoRetry, s.resume, logger)
	return s
}

// AutoRetry exposes the controller so callers can stop it on shutdown.
func (s *Service) AutoRetry() *AutoRetry {
	return s.auto
}

func (s *Service) withLock(ctx context.Context, accountID string, fn func(ctx context.Context) error) error {
	token := []byte(uuid.NewString())
	ok, err := s.kv.SetNX(ctx, lockKey(accountID), token, s.lockTTL)
	if err != nil {
		return fmt.Errorf("acquire closure lock: %w", err)
	}
	if !ok {
		return domain.ErrWorkflowBusy
	}
	defer func() {
		if _, err := s.kv.DeleteIfEqual(context.WithoutCancel(ctx), lockKey(accountID), token); err != nil {
			s.logger.Error("release closure lock failed",
				"account_id", accountID,
				"error", err,
			)
		}
	}()
	return fn(ctx)
}

// loadLocked reads the workflow while holding its lock. A workflow still
// marked as processing was left behind by a crashed holder, so its running
// step is failed and becomes retryable.
func (s *Service) loadLocked(ctx context.Context, accountID string) (domain.WorkflowRun, error) {
	run, err := s.store.Load(ctx, accountID)
	if err != nil {
		return domain.WorkflowRun{}, err
	}
	if !run.IsProcessing {
		return run, nil
	}

	for i := range run.Steps {
		if run.Steps[i].Status == domain.StepInProgress {
			run.Steps[i].Status = domain.StepFailed
			run.Steps[i].Error = interruptedError
			run.CurrentStep = i
		}
	}
	run.IsProcessing = false
	s.logger.Warn("recovered interrupted closure workflow",
		"account_id", accountID,
		"workflow_id", run.ID,
	)
	return run, nil
}

func (s *Service) save(ctx context.Context, run *domain.WorkflowRun) error {
	run.UpdatedAt = s.now().UTC()
	return s.store.Save(ctx, *run)
}

func (s *Service) view(ctx context.Context, run domain.WorkflowRun) (View, error) {
	enabled, next, err := s.auto.Snapshot(ctx, run.AccountID)
	if err != nil {
		return View{}, err
	}
	return View{
		Workflow:         run,
		HasFailed:        run.HasFailed(),
		AutoRetryEnabled: enabled,
		NextRetryIn:      next,
	}, nil
}

// Get returns the workflow and its retry state. An account that never
// started a closure reports the pending template.
func (s *Service) Get(ctx context.Context, accountID string) (View, error) {
	run, err := s.store.Load(ctx, accountID)
	if errors.Is(err, domain.ErrWorkflowNotFound) {
		run = domain.NewWorkflowRun(accountID)
	} else if err != nil {
		return View{}, err
	}
	return s.view(ctx, run)
}

// Initiate starts a fresh workflow and runs the steps before settlement.
// The workflow stays cancellable whatever the outcome.
func (s *Service) Initiate(ctx context.Context, accountID, achRelationshipID string) (View, error) {
	var out domain.WorkflowRun
	err := s.withLock(ctx, accountID, func(ctx context.Context) error {
		prev, err := s.loadLocked(ctx, accountID)
		switch {
		case errors.Is(err, domain.ErrWorkflowNotFound):
		case err != nil:
			return err
		case prev.IsComplete || (prev.ID != "" && !prev.CanCancel):
			return domain.ErrInvalidTransition
		}

		s.auto.Disable(ctx, accountID)

		run := domain.NewWorkflowRun(accountID)
		run.ID = uuid.NewString()
		run.ACHRelationshipID = achRelationshipID
		run.IsProcessing = true
		if err := s.save(ctx, &run); err != nil {
			return err
		}

		s.logger.Info("closure initiated",
			"account_id", accountID,
			"workflow_id", run.ID,
		)

		ok := s.runSteps(ctx, &run, 0, domain.PreSettlementSteps)
		run.IsProcessing = false
		run.CanCancel = true
		if err := s.save(ctx, &run); err != nil {
			return err
		}
		if !ok {
			s.paused(ctx, run)
		}
		out = run
		return nil
	})
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, out)
}

// FinalConfirm gives up cancellation and runs settlement, withdrawal and
// account closure.
func (s *Service) FinalConfirm(ctx context.Context, accountID string) (View, error) {
	var out domain.WorkflowRun
	err := s.withLock(ctx, accountID, func(ctx context.Context) error {
		run, err := s.loadLocked(ctx, accountID)
		if err != nil {
			return err
		}
		if run.ID == "" || run.IsComplete || !run.CanCancel ||
			!allCompleted(run.Steps, 0, domain.PreSettlementSteps) {
			return domain.ErrInvalidTransition
		}

		run.CanCancel = false
		run.IsProcessing = true
		if err := s.save(ctx, &run); err != nil {
			return err
		}

		s.logger.Info("closure confirmed",
			"account_id", accountID,
			"workflow_id", run.ID,
		)

		ok := s.runSteps(ctx, &run, domain.PreSettlementSteps, len(run.Steps))
		run.IsProcessing = false
		if ok {
			s.finalize(&run)
		}
		if err := s.save(ctx, &run); err != nil {
			return err
		}
		if ok {
			s.completed(ctx, run)
		} else {
			s.paused(ctx, run)
		}
		out = run
		return nil
	})
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, out)
}

// Cancel resets the account to the pending template. It is only allowed
// before final confirmation.
func (s *Service) Cancel(ctx context.Context, accountID string) (View, error) {
	var out domain.WorkflowRun
	err := s.withLock(ctx, accountID, func(ctx context.Context) error {
		run, err := s.loadLocked(ctx, accountID)
		if err != nil {
			return err
		}
		if !run.CanCancel || run.IsComplete {
			return domain.ErrCannotCancel
		}

		s.auto.Disable(ctx, accountID)

		reset := domain.NewWorkflowRun(accountID)
		if err := s.save(ctx, &reset); err != nil {
			return err
		}
		s.logger.Info("closure cancelled",
			"account_id", accountID,
			"workflow_id", run.ID,
		)
		out = reset
		return nil
	})
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, out)
}

// Retry resumes a paused workflow at its failed step. It is rejected while
// automatic retry owns the workflow.
func (s *Service) Retry(ctx context.Context, accountID string) (View, error) {
	if err := s.manualAllowed(ctx, accountID); err != nil {
		return View{}, err
	}
	run, err := s.resume(ctx, accountID)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, run)
}

// manualAllowed rejects manual step execution while automatic retry owns
// the workflow.
func (s *Service) manualAllowed(ctx context.Context, accountID string) error {
	enabled, err := s.auto.Enabled(ctx, accountID)
	if err != nil {
		return err
	}
	if enabled {
		return domain.ErrAutoRetryActive
	}
	return nil
}

// SetAutoRetry turns automatic retry on or off. Turning it on for a paused
// workflow starts the countdown.
func (s *Service) SetAutoRetry(ctx context.Context, accountID string, enabled bool) (View, error) {
	if !enabled {
		s.auto.Disable(ctx, accountID)
		return s.Get(ctx, accountID)
	}

	run, err := s.store.Load(ctx, accountID)
	if err != nil {
		return View{}, err
	}
	if err := s.auto.Enable(ctx, accountID, run.HasFailed() && !run.IsProcessing); err != nil {
		return View{}, err
	}
	return s.view(ctx, run)
}

// resume is shared by manual and automatic retry. A failure before
// settlement only replays up to the confirmation point; later failures run
// through to the end.
func (s *Service) resume(ctx context.Context, accountID string) (domain.WorkflowRun, error) {
	var out domain.WorkflowRun
	err := s.withLock(ctx, accountID, func(ctx context.Context) error {
		run, err := s.loadLocked(ctx, accountID)
		if err != nil {
			return err
		}
		idx := run.FailedStep()
		if idx < 0 {
			return domain.ErrNothingToRetry
		}

		end := len(run.Steps)
		if idx < domain.PreSettlementSteps {
			end = domain.PreSettlementSteps
		}

		run.Steps[idx].Status = domain.StepPending
		run.Steps[idx].Error = ""
		run.CurrentStep = idx
		run.IsProcessing = true
		if err := s.save(ctx, &run); err != nil {
			return err
		}

		s.logger.Info("closure retry",
			"account_id", accountID,
			"workflow_id", run.ID,
			"step", run.Steps[idx].ID,
		)

		ok := s.runSteps(ctx, &run, idx, end)
		run.IsProcessing = false
		if end == domain.PreSettlementSteps {
			run.CanCancel = true
		}
		done := ok && end == len(run.Steps)
		if done {
			s.finalize(&run)
		}
		if err := s.save(ctx, &run); err != nil {
			return err
		}
		switch {
		case done:
			s.completed(ctx, run)
		case !ok:
			s.paused(ctx, run)
		}
		out = run
		return nil
	})
	return out, err
}

// RunStep executes a single step on behalf of a client that drives the
// closure itself. Steps run in template order against the stored workflow:
// the steps after settlement need the final confirmation first, and a step
// that already completed answers from the workflow instead of running again.
// The readiness check is read-only and runs without a workflow.
func (s *Service) RunStep(ctx context.Context, accountID string, step domain.StepID, achRelationshipID string) (brokerage.StepResult, error) {
	if step == domain.StepCheckReadiness {
		return s.execute(ctx, brokerage.StepRequest{AccountID: accountID, Step: step})
	}
	if err := s.manualAllowed(ctx, accountID); err != nil {
		return brokerage.StepResult{}, err
	}

	var out brokerage.StepResult
	err := s.withLock(ctx, accountID, func(ctx context.Context) error {
		ctx = context.WithoutCancel(ctx)

		run, err := s.loadLocked(ctx, accountID)
		if err != nil {
			return err
		}
		idx := run.StepIndex(step)
		if idx < 0 {
			return fmt.Errorf("unknown closure step %q: %w", step, domain.ErrInvalidInput)
		}
		if run.ID == "" || !allCompleted(run.Steps, 0, idx) {
			return domain.ErrInvalidTransition
		}
		if run.Steps[idx].Status == domain.StepCompleted {
			out = brokerage.StepResult{Step: step, CompletedAt: run.UpdatedAt, Replayed: true}
			return nil
		}
		if confirmed := !run.CanCancel; confirmed != (idx >= domain.PreSettlementSteps) {
			return domain.ErrInvalidTransition
		}

		if run.ACHRelationshipID == "" {
			run.ACHRelationshipID = achRelationshipID
		}
		run.IsProcessing = true
		res, stepErr := s.runStep(ctx, &run, idx)
		run.IsProcessing = false
		done := stepErr == nil && idx == len(run.Steps)-1
		if done {
			s.finalize(&run)
		}
		if err := s.save(ctx, &run); err != nil {
			return err
		}
		switch {
		case done:
			s.completed(ctx, run)
		case stepErr != nil:
			s.paused(ctx, run)
			return stepErr
		}
		out = res
		return nil
	})
	return out, err
}

// ReconcileAccount pulls the brokerage status for one account and merges it
// into the stored workflow. Busy workflows are skipped.
func (s *Service) ReconcileAccount(ctx context.Context, accountID string) error {
	if s.status == nil {
		return nil
	}
	remote, err := s.status.ClosureStatus(ctx, accountID)
	if err != nil {
		return fmt.Errorf("fetch closure status: %w", err)
	}

	return s.withLock(ctx, accountID, func(ctx context.Context) error {
		run, err := s.store.Load(ctx, accountID)
		if err != nil {
			return err
		}
		merged := Reconcile(run, remote.Steps)
		if remote.IsComplete && allCompleted(merged.Steps, 0, len(merged.Steps)) && !merged.IsComplete {
			s.finalize(&merged)
			if remote.ConfirmationNumber != "" {
				merged.ConfirmationNumber = remote.ConfirmationNumber
			}
		}
		return s.save(ctx, &merged)
	})
}

// Active lists accounts with an unfinished workflow.
func (s *Service) Active(ctx context.Context) ([]string, error) {
	return s.store.Active(ctx)
}

// ReconcileSummary reports one pass over the active workflows.
type ReconcileSummary struct {
	Accounts   int      `json:"accounts"`
	Reconciled int      `json:"reconciled"`
	Skipped    int      `json:"skipped"`
	Failed     []string `json:"failed"`
	DurationMS int64    `json:"duration_ms"`
}

// ReconcileActive reconciles every unfinished workflow and arms countdowns
// persisted by other instances. Workflows that are busy are skipped until
// the next pass; failures do not stop the pass.
func (s *Service) ReconcileActive(ctx context.Context) (ReconcileSummary, error) {
	start := s.now()
	defer func() { metrics.ObserveReconcileDuration(s.now().Sub(start)) }()

	accounts, err := s.Active(ctx)
	if err != nil {
		return ReconcileSummary{}, fmt.Errorf("list active closures: %w", err)
	}

	sum := ReconcileSummary{Accounts: len(accounts), Failed: []string{}}
	for _, accountID := range accounts {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if err := s.auto.Restore(ctx, accountID); err != nil {
			s.logger.Warn("restore automatic retry failed",
				"account_id", accountID,
				"error", err,
			)
		}
		err := s.ReconcileAccount(ctx, accountID)
		switch {
		case err == nil:
			sum.Reconciled++
		case errors.Is(err, domain.ErrWorkflowBusy):
			sum.Skipped++
		default:
			s.logger.Warn("closure reconcile failed",
				"account_id", accountID,
				"error", err,
			)
			sum.Failed = append(sum.Failed, accountID)
		}
	}
	sum.DurationMS = s.now().Sub(start).Milliseconds()

	s.logger.Info("closure reconcile pass",
		"accounts", sum.Accounts,
		"reconciled", sum.Reconciled,
		"skipped", sum.Skipped,
		"failed", len(sum.Failed),
	)
	return sum, nil
}

// runSteps executes steps [from, to) in order and stops at the first
// failure. Each transition is saved so concurrent readers see progress.
func (s *Service) runSteps(ctx context.Context, run *domain.WorkflowRun, from, to int) bool {
	// The workflow must reach a resting state even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	for i := from; i < to && i < len(run.Steps); i++ {
		if run.Steps[i].Status == domain.StepCompleted {
			continue
		}
		if _, err := s.runStep(ctx, run, i); err != nil {
			return false
		}
		if i+1 < to {
			if err := s.save(ctx, run); err != nil {
				s.logger.Error("save closure progress failed",
					"account_id", run.AccountID,
					"step", run.Steps[i].ID,
					"error", err,
				)
			}
		}
	}
	return true
}

// runStep executes step i and records the outcome on run. The in-progress
// mark is saved before the brokerage call.
func (s *Service) runStep(ctx context.Context, run *domain.WorkflowRun, i int) (brokerage.StepResult, error) {
	step := &run.Steps[i]
	step.Status = domain.StepInProgress
	step.Error = ""
	run.CurrentStep = i
	if err := s.save(ctx, run); err != nil {
		s.logger.Error("save closure progress failed",
			"account_id", run.AccountID,
			"step", step.ID,
			"error", err,
		)
	}
	metrics.IncClosureStep(step.ID, domain.StepInProgress)

	res, err := s.execute(ctx, brokerage.StepRequest{
		WorkflowID:        run.ID,
		AccountID:         run.AccountID,
		ACHRelationshipID: run.ACHRelationshipID,
		Step:              step.ID,
	})
	if err != nil {
		step.Status = domain.StepFailed
		step.Error = stepErrorMessage(err)
		metrics.IncClosureStep(step.ID, domain.StepFailed)
		s.logger.Warn("closure step failed",
			"account_id", run.AccountID,
			"workflow_id", run.ID,
			"step", step.ID,
			"error", err,
		)
		return brokerage.StepResult{}, err
	}

	step.Status = domain.StepCompleted
	metrics.IncClosureStep(step.ID, domain.StepCompleted)
	if i+1 < len(run.Steps) {
		run.CurrentStep = i + 1
	}
	return res, nil
}

func (s *Service) execute(ctx context.Context, req brokerage.StepRequest) (brokerage.StepResult, error) {
	ctx, span := tracing.StartStepSpan(ctx, req.AccountID, req.WorkflowID, string(req.Step))
	started := s.now()
	res, err := s.exec.Execute(ctx, req)
	metrics.ObserveClosureStepDuration(req.Step, s.now().Sub(started))
	tracing.End(span, err)
	return res, err
}

func (s *Service) finalize(run *domain.WorkflowRun) {
	now := s.now().UTC()
	estimated := AddBusinessDays(now, estimatedBusinessDays)
	run.IsComplete = true
	run.CanCancel = false
	run.ConfirmationNumber = NewConfirmationNumber(now)
	run.CompletionTimestamp = &now
	run.EstimatedCompletion = &estimated
	run.CurrentStep = len(run.Steps) - 1
}

func (s *Service) completed(ctx context.Context, run domain.WorkflowRun) {
	ctx = context.WithoutCancel(ctx)
	s.auto.Disable(ctx, run.AccountID)
	s.logger.Info("closure completed",
		"account_id", run.AccountID,
		"workflow_id", run.ID,
		"confirmation_number", run.ConfirmationNumber,
	)
	s.notify(ctx, run)
}

func (s *Service) paused(ctx context.Context, run domain.WorkflowRun) {
	ctx = context.WithoutCancel(ctx)
	s.auto.Failed(ctx, run.AccountID)
	s.notify(ctx, run)
}

func (s *Service) notify(ctx context.Context, run domain.WorkflowRun) {
	if s.notifier == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	run = run.Clone()
	go s.notifier.Notify(ctx, run)
}

// stepErrorMessage keeps brokerage messages verbatim and hides everything
// else behind a generic message.
func stepErrorMessage(err error) string {
	var apiErr *brokerage.Error
	var stepErr *brokerage.StepError
	if errors.As(err, &apiErr) || errors.As(err, &stepErr) {
		return err.Error()
	}
	return errmap.Public(http.StatusBadGateway, err)
}
