// SPDX-License-Identifier: Apache-2.0

package closure

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/kv"
	"github.com/adiadia/brokerage-agent/internal/metrics"
	"github.com/google/uuid"
)

const (
	defaultAutoRetryDelay    = 30 * time.Second
	defaultAutoRetryMaxDelay = 10 * time.Minute
	autoRetryClaimTTL        = 10 * time.Minute
)

type AutoRetryConfig struct {
	Delay    time.Duration
	MaxDelay time.Duration
	// MaxAttempts stops automatic retry after that many consecutive failed
	// attempts. Zero means no limit.
	MaxAttempts int
}

type resumeFunc func(ctx context.Context, accountID string) (domain.WorkflowRun, error)

// autoRetryState is stored per account while automatic retry is on. A nil
// Deadline means no countdown is running.
type autoRetryState struct {
	Attempts int        `json:"attempts"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

func autoRetryKey(accountID string) string {
	return "closure:autoretry:" + accountID
}

func autoRetryClaimKey(accountID string, deadline time.Time) string {
	return "closure:autoretry:claim:" + accountID + ":" + strconv.FormatInt(deadline.UnixNano(), 10)
}

type countdown struct {
	timer    *time.Timer
	deadline time.Time
}

// AutoRetry owns one countdown per account. The enabled flag, the attempt
// count and the deadline live in the shared store so every instance reports
// the same state; each instance arms a local timer for deadlines it knows
// about, and a claim in the store lets exactly one of them fire it.
type AutoRetry struct {
	mu         sync.Mutex
	cfg        AutoRetryConfig
	kv         kv.Store
	countdowns map[string]countdown
	resume     resumeFunc
	logger     *slog.Logger
	now        func() time.Time
	wg         sync.WaitGroup
	stopped    bool
}

func NewAutoRetry(store kv.Store, cfg AutoRetryConfig, resume resumeFunc, logger *slog.Logger) *AutoRetry {
	if cfg.Delay <= 0 {
		cfg.Delay = defaultAutoRetryDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultAutoRetryMaxDelay
	}
	if cfg.MaxDelay < cfg.Delay {
		cfg.MaxDelay = cfg.Delay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoRetry{
		cfg:        cfg,
		kv:         store,
		countdowns: make(map[string]countdown),
		resume:     resume,
		logger:     logger,
		now:        time.Now,
	}
}

func (a *AutoRetry) load(ctx context.Context, accountID string) (autoRetryState, bool, error) {
	var st autoRetryState
	err := kv.GetJSON(ctx, a.kv, autoRetryKey(accountID), &st)
	if errors.Is(err, kv.ErrNotFound) {
		return autoRetryState{}, false, nil
	}
	if err != nil {
		return autoRetryState{}, false, fmt.Errorf("load auto retry state: %w", err)
	}
	return st, true, nil
}

func (a *AutoRetry) save(ctx context.Context, accountID string, st autoRetryState) error {
	if err := kv.SetJSON(ctx, a.kv, autoRetryKey(accountID), st, 0); err != nil {
		return fmt.Errorf("save auto retry state: %w", err)
	}
	return nil
}

// Enable turns automatic retry on. armNow starts the countdown immediately,
// used when the workflow is already paused.
func (a *AutoRetry) Enable(ctx context.Context, accountID string, armNow bool) error {
	st, _, err := a.load(ctx, accountID)
	if err != nil {
		return err
	}
	if armNow && st.Deadline == nil {
		deadline := a.now().Add(a.delay(st.Attempts))
		st.Deadline = &deadline
	}
	if err := a.save(ctx, accountID, st); err != nil {
		return err
	}
	if st.Deadline != nil {
		a.schedule(accountID, *st.Deadline)
	}
	return nil
}

// Disable turns automatic retry off and clears any pending countdown.
func (a *AutoRetry) Disable(ctx context.Context, accountID string) {
	a.cancel(accountID)
	if err := a.kv.Del(ctx, autoRetryKey(accountID)); err != nil {
		a.logger.Error("disable automatic retry failed",
			"account_id", accountID,
			"error", err,
		)
	}
}

// Failed is called when a workflow pauses on a failed step.
func (a *AutoRetry) Failed(ctx context.Context, accountID string) {
	st, ok, err := a.load(ctx, accountID)
	if err != nil {
		a.logger.Error("automatic retry state unreadable",
			"account_id", accountID,
			"error", err,
		)
		return
	}
	if !ok {
		return
	}
	if st.Deadline != nil {
		a.schedule(accountID, *st.Deadline)
		return
	}
	if a.cfg.MaxAttempts > 0 && st.Attempts >= a.cfg.MaxAttempts {
		a.Disable(ctx, accountID)
		metrics.IncAutoRetry("exhausted")
		a.logger.Warn("automatic retry exhausted",
			"account_id", accountID,
			"attempts", st.Attempts,
		)
		return
	}
	a.arm(ctx, accountID, st)
}

// Enabled reads the shared flag.
func (a *AutoRetry) Enabled(ctx context.Context, accountID string) (bool, error) {
	_, ok, err := a.load(ctx, accountID)
	return ok, err
}

// Snapshot returns the flag and the whole seconds until the next attempt,
// nil when no countdown is running.
func (a *AutoRetry) Snapshot(ctx context.Context, accountID string) (bool, *int, error) {
	st, ok, err := a.load(ctx, accountID)
	if err != nil || !ok || st.Deadline == nil {
		return ok, nil, err
	}
	secs := int(math.Ceil(st.Deadline.Sub(a.now()).Seconds()))
	if secs < 0 {
		secs = 0
	}
	return true, &secs, nil
}

// Restore arms a local timer for a countdown persisted by any instance. A
// deadline already passed fires right away.
func (a *AutoRetry) Restore(ctx context.Context, accountID string) error {
	st, ok, err := a.load(ctx, accountID)
	if err != nil {
		return err
	}
	if ok && st.Deadline != nil {
		a.schedule(accountID, *st.Deadline)
	}
	return nil
}

// Stop cancels local countdowns and waits for attempts in flight. The
// persisted state is kept for other instances.
func (a *AutoRetry) Stop() {
	a.mu.Lock()
	a.stopped = true
	for id, cd := range a.countdowns {
		cd.timer.Stop()
		delete(a.countdowns, id)
	}
	a.mu.Unlock()

	a.wg.Wait()
}

func (a *AutoRetry) delay(attempts int) time.Duration {
	d := a.cfg.Delay
	for i := 0; i < attempts && d < a.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > a.cfg.MaxDelay {
		d = a.cfg.MaxDelay
	}
	return d
}

// arm persists a new deadline and starts the local timer.
func (a *AutoRetry) arm(ctx context.Context, accountID string, st autoRetryState) {
	deadline := a.now().Add(a.delay(st.Attempts))
	st.Deadline = &deadline
	if err := a.save(ctx, accountID, st); err != nil {
		a.logger.Error("arm automatic retry failed",
			"account_id", accountID,
			"error", err,
		)
		return
	}
	a.schedule(accountID, deadline)
}

func (a *AutoRetry) schedule(accountID string, deadline time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	if cd, ok := a.countdowns[accountID]; ok {
		if cd.deadline.Equal(deadline) {
			return
		}
		cd.timer.Stop()
	}
	d := deadline.Sub(a.now())
	if d < 0 {
		d = 0
	}
	a.countdowns[accountID] = countdown{
		timer:    time.AfterFunc(d, func() { a.fire(accountID, deadline) }),
		deadline: deadline,
	}
}

func (a *AutoRetry) cancel(accountID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cd, ok := a.countdowns[accountID]; ok {
		cd.timer.Stop()
		delete(a.countdowns, accountID)
	}
}

func (a *AutoRetry) fire(accountID string, deadline time.Time) {
	a.mu.Lock()
	cd, ok := a.countdowns[accountID]
	if a.stopped || !ok || !cd.deadline.Equal(deadline) {
		a.mu.Unlock()
		return
	}
	delete(a.countdowns, accountID)
	a.wg.Add(1)
	a.mu.Unlock()
	defer a.wg.Done()

	ctx := context.Background()

	claimed, err := a.kv.SetNX(ctx, autoRetryClaimKey(accountID, deadline), []byte(uuid.NewString()), autoRetryClaimTTL)
	if err != nil || !claimed {
		if err != nil {
			a.logger.Error("claim automatic retry failed",
				"account_id", accountID,
				"error", err,
			)
		}
		return
	}

	st, ok, err := a.load(ctx, accountID)
	if err != nil {
		a.logger.Error("automatic retry state unreadable",
			"account_id", accountID,
			"error", err,
		)
		return
	}
	// Disabled or re-armed elsewhere since this timer was set.
	if !ok || st.Deadline == nil || !st.Deadline.Equal(deadline) {
		return
	}
	st.Attempts++
	st.Deadline = nil
	if err := a.save(ctx, accountID, st); err != nil {
		a.logger.Error("automatic retry state write failed",
			"account_id", accountID,
			"error", err,
		)
		return
	}
	attempt := st.Attempts

	a.logger.Info("automatic retry",
		"account_id", accountID,
		"attempt", attempt,
	)

	run, err := a.resume(ctx, accountID)
	switch {
	case errors.Is(err, domain.ErrWorkflowBusy):
		metrics.IncAutoRetry("busy")
		if cur, ok, _ := a.load(ctx, accountID); ok && cur.Deadline == nil {
			cur.Attempts--
			a.arm(ctx, accountID, cur)
		}
	case errors.Is(err, domain.ErrNothingToRetry), errors.Is(err, domain.ErrWorkflowNotFound):
		metrics.IncAutoRetry("noop")
		a.Disable(ctx, accountID)
	case err != nil:
		metrics.IncAutoRetry("error")
		a.logger.Error("automatic retry failed",
			"account_id", accountID,
			"attempt", attempt,
			"error", err,
		)
		a.Failed(ctx, accountID)
	case run.HasFailed():
		// resume already re-armed through Failed.
		metrics.IncAutoRetry("failed")
	default:
		metrics.IncAutoRetry("succeeded")
		if cur, ok, _ := a.load(ctx, accountID); ok {
			cur.Attempts = 0
			if err := a.save(ctx, accountID, cur); err != nil {
				a.logger.Error("automatic retry state write failed",
					"account_id", accountID,
					"error", err,
				)
			}
		}
	}
}
