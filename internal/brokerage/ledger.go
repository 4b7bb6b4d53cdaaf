// SPDX-License-Identifier: Apache-2.0

package brokerage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/brokerage-agent/internal/auth"
	"github.com/adiadia/brokerage-agent/internal/kv"
)

const defaultLedgerTTL = 7 * 24 * time.Hour

var _ Executor = (*IdempotentExecutor)(nil)

// IdempotentExecutor records completed mutating steps and answers repeats
// from the record so a retried request never cancels, sells, withdraws or
// closes twice. Records are scoped by the workflow id, so a retry sent under
// a fresh idempotency key still finds the earlier execution. Requests outside
// a workflow fall back to the idempotency key.
type IdempotentExecutor struct {
	next   Executor
	store  kv.Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewIdempotentExecutor(next Executor, store kv.Store, ttl time.Duration, logger *slog.Logger) *IdempotentExecutor {
	if ttl <= 0 {
		ttl = defaultLedgerTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &IdempotentExecutor{next: next, store: store, ttl: ttl, logger: logger}
}

func ledgerKey(accountID, scope string, req StepRequest) string {
	return "closure:ledger:" + accountID + ":" + scope + ":" + string(req.Step)
}

func ledgerScope(ctx context.Context, req StepRequest) string {
	if req.WorkflowID != "" {
		return req.WorkflowID
	}
	if key, ok := auth.IdempotencyKeyFromContext(ctx); ok {
		return "idem:" + key
	}
	return ""
}

func (e *IdempotentExecutor) Execute(ctx context.Context, req StepRequest) (StepResult, error) {
	if !req.Step.Mutating() {
		return e.next.Execute(ctx, req)
	}

	scope := ledgerScope(ctx, req)
	if scope == "" {
		return e.next.Execute(ctx, req)
	}
	key := ledgerKey(req.AccountID, scope, req)

	var recorded StepResult
	err := kv.GetJSON(ctx, e.store, key, &recorded)
	switch {
	case err == nil:
		recorded.Replayed = true
		e.logger.Info("closure step replayed from ledger",
			"account_id", req.AccountID,
			"step", req.Step,
		)
		return recorded, nil
	case !errors.Is(err, kv.ErrNotFound):
		// An unreadable ledger must not hide a step that already ran.
		return StepResult{}, err
	}

	result, err := e.next.Execute(ctx, req)
	if err != nil {
		return StepResult{}, err
	}

	if err := kv.SetJSON(ctx, e.store, key, result, e.ttl); err != nil {
		e.logger.Error("closure step ledger write failed",
			"account_id", req.AccountID,
			"step", req.Step,
			"error", err,
		)
	}
	return result, nil
}
