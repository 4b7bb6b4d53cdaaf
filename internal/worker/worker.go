// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adiadia/brokerage-agent/internal/closure"
	"github.com/robfig/cron/v3"
)

// ClosureReconciler is the part of the closure service the worker drives.
type ClosureReconciler interface {
	ReconcileActive(ctx context.Context) (closure.ReconcileSummary, error)
}

type Deps struct {
	Closure  ClosureReconciler
	Logger   *slog.Logger
	Interval time.Duration
	// Timeout bounds a single pass. Defaults to the interval.
	Timeout time.Duration
}

// Worker periodically pulls brokerage closure status for every unfinished
// workflow. A pass still running when the next one is due is skipped.
type Worker struct {
	closure  ClosureReconciler
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration

	mu      sync.Mutex
	cron    *cron.Cron
	initial sync.WaitGroup
}

var ErrAlreadyStarted = errors.New("worker already started")

func New(deps Deps) *Worker {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	interval := deps.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}

	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = interval
	}

	return &Worker{
		closure:  deps.Closure,
		logger:   l,
		interval: interval,
		timeout:  timeout,
	}
}

// ProcessOnce runs one reconciliation pass.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	if w.closure == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	sum, err := w.closure.ReconcileActive(ctx)
	if err != nil {
		w.logger.Error("reconcile pass failed", "error", err)
		return err
	}

	if len(sum.Failed) > 0 {
		w.logger.Warn("reconcile pass finished with failures",
			"accounts", sum.Accounts,
			"failed_accounts", sum.Failed,
			"duration_ms", sum.DurationMS,
		)
	}
	return nil
}

// Start schedules passes every interval and runs the first one right away.
// Passes use ctx; cancelling it aborts the pass in flight but does not stop
// the schedule.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cron != nil {
		return ErrAlreadyStarted
	}

	cl := cronLogger{w.logger}
	c := cron.New(
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	spec := fmt.Sprintf("@every %s", w.interval)
	id, err := c.AddFunc(spec, func() {
		_ = w.ProcessOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule reconcile: %w", err)
	}

	c.Start()
	w.cron = c

	// The wrapped job shares the skip guard with scheduled runs.
	job := c.Entry(id).WrappedJob
	w.initial.Add(1)
	go func() {
		defer w.initial.Done()
		job.Run()
	}()

	w.logger.Info("reconcile worker started", "interval", w.interval)
	return nil
}

// Stop halts the schedule and waits for a running pass to return or for ctx
// to expire.
func (w *Worker) Stop(ctx context.Context) error {
	w.mu.Lock()
	c := w.cron
	w.cron = nil
	w.mu.Unlock()

	if c == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		w.initial.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("reconcile worker stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cronLogger routes the scheduler's own logs through slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
