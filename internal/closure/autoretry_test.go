// SPDX-License-Identifier: Apache-2.0

package closure

import (
	"context"
	"testing"
	"time"

	"github.com/adiadia/brokerage-agent/internal/brokerage"
	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settlementPending() error {
	return &brokerage.StepError{Step: domain.StepSettlement, Message: "Trades have not settled yet"}
}

func TestAutoRetryCountdownResumesWorkflow(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepSettlement, settlementPending())
	svc, _ := newTestService(t, exec, Options{
		AutoRetry: AutoRetryConfig{Delay: 100 * time.Millisecond},
	})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)
	_, err = svc.FinalConfirm(ctx, "acct-1")
	require.NoError(t, err)

	view, err := svc.SetAutoRetry(ctx, "acct-1", true)
	require.NoError(t, err)
	assert.True(t, view.AutoRetryEnabled)
	require.NotNil(t, view.NextRetryIn)
	assert.GreaterOrEqual(t, *view.NextRetryIn, 0)

	_, err = svc.Retry(ctx, "acct-1")
	assert.ErrorIs(t, err, domain.ErrAutoRetryActive)
	_, err = svc.RunStep(ctx, "acct-1", domain.StepSettlement, "")
	assert.ErrorIs(t, err, domain.ErrAutoRetryActive)

	require.Eventually(t, func() bool {
		v, err := svc.Get(ctx, "acct-1")
		return err == nil && v.Workflow.IsComplete
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		enabled, err := svc.AutoRetry().Enabled(ctx, "acct-1")
		return err == nil && !enabled
	}, time.Second, 5*time.Millisecond)
}

func TestAutoRetryRearmsAfterFailedAttempt(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepSettlement, settlementPending(), settlementPending(), settlementPending())
	svc, _ := newTestService(t, exec, Options{
		AutoRetry: AutoRetryConfig{Delay: 10 * time.Millisecond, MaxDelay: 20 * time.Millisecond},
	})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)
	_, err = svc.FinalConfirm(ctx, "acct-1")
	require.NoError(t, err)
	_, err = svc.SetAutoRetry(ctx, "acct-1", true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, err := svc.Get(ctx, "acct-1")
		return err == nil && v.Workflow.IsComplete
	}, 2*time.Second, 10*time.Millisecond)

	settlementCalls := 0
	for _, step := range exec.stepCalls() {
		if step == domain.StepSettlement {
			settlementCalls++
		}
	}
	assert.Equal(t, 4, settlementCalls)
}

func TestAutoRetryStopsAtMaxAttempts(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepSettlement, settlementPending(), settlementPending(), settlementPending(), settlementPending())
	svc, _ := newTestService(t, exec, Options{
		AutoRetry: AutoRetryConfig{Delay: 5 * time.Millisecond, MaxAttempts: 2},
	})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)
	_, err = svc.FinalConfirm(ctx, "acct-1")
	require.NoError(t, err)
	_, err = svc.SetAutoRetry(ctx, "acct-1", true)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		enabled, err := svc.AutoRetry().Enabled(ctx, "acct-1")
		return err == nil && !enabled
	}, 2*time.Second, 5*time.Millisecond)

	view, err := svc.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, view.HasFailed)
	assert.Nil(t, view.NextRetryIn)

	// Manual retry is available again once automatic retry gave up. The last
	// attempt may still be releasing the workflow lock.
	require.Eventually(t, func() bool {
		_, err := svc.Retry(ctx, "acct-1")
		return err == nil
	}, time.Second, 5*time.Millisecond)
}

func TestAutoRetryDisableClearsCountdown(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepSettlement, settlementPending())
	svc, _ := newTestService(t, exec, Options{
		AutoRetry: AutoRetryConfig{Delay: time.Hour},
	})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)
	_, err = svc.FinalConfirm(ctx, "acct-1")
	require.NoError(t, err)

	view, err := svc.SetAutoRetry(ctx, "acct-1", true)
	require.NoError(t, err)
	require.NotNil(t, view.NextRetryIn)
	assert.InDelta(t, 3600, *view.NextRetryIn, 2)

	view, err = svc.SetAutoRetry(ctx, "acct-1", false)
	require.NoError(t, err)
	assert.False(t, view.AutoRetryEnabled)
	assert.Nil(t, view.NextRetryIn)
}

func TestAutoRetryEnabledWithoutFailureWaits(t *testing.T) {
	exec := newFakeExecutor()
	svc, _ := newTestService(t, exec, Options{
		AutoRetry: AutoRetryConfig{Delay: 10 * time.Millisecond},
	})
	ctx := context.Background()

	_, err := svc.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)

	view, err := svc.SetAutoRetry(ctx, "acct-1", true)
	require.NoError(t, err)
	assert.True(t, view.AutoRetryEnabled)
	assert.Nil(t, view.NextRetryIn)

	// A later failure arms the countdown.
	exec.failNext(domain.StepSettlement, settlementPending())
	view, err = svc.FinalConfirm(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, view.HasFailed)

	require.Eventually(t, func() bool {
		v, err := svc.Get(ctx, "acct-1")
		return err == nil && v.Workflow.IsComplete
	}, 2*time.Second, 10*time.Millisecond)
}

func TestAutoRetryDelayGrowsToMax(t *testing.T) {
	a := NewAutoRetry(kv.NewMemoryStore(), AutoRetryConfig{Delay: time.Second, MaxDelay: 5 * time.Second}, nil, discardLogger())

	assert.Equal(t, time.Second, a.delay(0))
	assert.Equal(t, 2*time.Second, a.delay(1))
	assert.Equal(t, 4*time.Second, a.delay(2))
	assert.Equal(t, 5*time.Second, a.delay(3))
	assert.Equal(t, 5*time.Second, a.delay(30))
}

func TestAutoRetryStateIsSharedAcrossInstances(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepSettlement, settlementPending())
	opts := Options{AutoRetry: AutoRetryConfig{Delay: 300 * time.Millisecond}}
	first, store := newTestService(t, exec, opts)
	second := NewService(store, exec, discardLogger(), opts)
	t.Cleanup(second.AutoRetry().Stop)
	ctx := context.Background()

	_, err := first.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)
	_, err = first.FinalConfirm(ctx, "acct-1")
	require.NoError(t, err)
	_, err = first.SetAutoRetry(ctx, "acct-1", true)
	require.NoError(t, err)

	view, err := second.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, view.AutoRetryEnabled)
	require.NotNil(t, view.NextRetryIn)

	_, err = second.Retry(ctx, "acct-1")
	assert.ErrorIs(t, err, domain.ErrAutoRetryActive)

	// The instance that armed the countdown goes away; the other one picks
	// it up from the store and runs it.
	first.AutoRetry().Stop()
	require.NoError(t, second.AutoRetry().Restore(ctx, "acct-1"))

	require.Eventually(t, func() bool {
		v, err := second.Get(ctx, "acct-1")
		return err == nil && v.Workflow.IsComplete
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, countCalls(exec.stepCalls(), domain.StepSettlement))
}

func TestAutoRetryDeadlineFiresOnce(t *testing.T) {
	exec := newFakeExecutor()
	exec.failNext(domain.StepSettlement, settlementPending())
	opts := Options{AutoRetry: AutoRetryConfig{Delay: 50 * time.Millisecond}}
	first, store := newTestService(t, exec, opts)
	second := NewService(store, exec, discardLogger(), opts)
	t.Cleanup(second.AutoRetry().Stop)
	ctx := context.Background()

	_, err := first.Initiate(ctx, "acct-1", "ach-1")
	require.NoError(t, err)
	_, err = first.FinalConfirm(ctx, "acct-1")
	require.NoError(t, err)
	_, err = first.SetAutoRetry(ctx, "acct-1", true)
	require.NoError(t, err)
	require.NoError(t, second.AutoRetry().Restore(ctx, "acct-1"))

	require.Eventually(t, func() bool {
		v, err := first.Get(ctx, "acct-1")
		return err == nil && v.Workflow.IsComplete
	}, 2*time.Second, 10*time.Millisecond)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, countCalls(exec.stepCalls(), domain.StepSettlement))
}
