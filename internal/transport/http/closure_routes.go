// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"net/http"

	"github.com/adiadia/brokerage-agent/internal/closure"
	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/validation"
	"github.com/go-chi/chi/v5"
)

const (
	stepCancelOrders       = domain.StepCancelOrders
	stepLiquidatePositions = domain.StepLiquidatePositions
	stepSettlement         = domain.StepSettlement
	stepWithdrawFunds      = domain.StepWithdrawFunds
	stepCloseAccount       = domain.StepCloseAccount
)

type initiateRequest struct {
	ACHRelationshipID string `json:"ach_relationship_id"`
}

type stepRequest struct {
	ACHRelationshipID string `json:"ach_relationship_id"`
}

type autoRetryRequest struct {
	Enabled bool `json:"enabled"`
}

func (a *api) getClosure(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	view, err := a.deps.Closure.Get(r.Context(), accountID)
	if err != nil {
		writeError(w, a.logger, "get closure", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) checkReadiness(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")
	res, err := a.deps.Closure.RunStep(r.Context(), accountID, domain.StepCheckReadiness, "")
	if err != nil {
		writeError(w, a.logger, "check readiness", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) initiateClosure(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var body initiateRequest
	if err := a.deps.Validator.Decode(r.Body, validation.Initiate, &body); err != nil {
		writeError(w, a.logger, "initiate closure", err)
		return
	}

	view, err := a.deps.Closure.Initiate(r.Context(), accountID, body.ACHRelationshipID)
	if err != nil {
		writeError(w, a.logger, "initiate closure", err)
		return
	}

	a.logger.Info("closure initiated via API",
		"account_id", accountID,
		"workflow_id", view.Workflow.ID,
		"has_failed", view.HasFailed,
	)
	writeJSON(w, http.StatusOK, view)
}

// runStep serves the per-step routes for clients that drive the closure one
// step at a time. Repeating a completed mutating step replays its result.
func (a *api) runStep(step domain.StepID) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		accountID := chi.URLParam(r, "accountID")

		var body stepRequest
		if err := a.deps.Validator.Decode(r.Body, validation.StepCall, &body); err != nil {
			writeError(w, a.logger, string(step), err)
			return
		}

		res, err := a.deps.Closure.RunStep(r.Context(), accountID, step, body.ACHRelationshipID)
		if err != nil {
			writeError(w, a.logger, string(step), err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	}
}

func (a *api) confirmClosure(w http.ResponseWriter, r *http.Request) {
	a.closureAction(w, r, "confirm closure", a.deps.Closure.FinalConfirm)
}

func (a *api) cancelClosure(w http.ResponseWriter, r *http.Request) {
	a.closureAction(w, r, "cancel closure", a.deps.Closure.Cancel)
}

func (a *api) retryClosure(w http.ResponseWriter, r *http.Request) {
	a.closureAction(w, r, "retry closure", a.deps.Closure.Retry)
}

func (a *api) closureAction(
	w http.ResponseWriter,
	r *http.Request,
	op string,
	fn func(ctx context.Context, accountID string) (closure.View, error),
) {
	accountID := chi.URLParam(r, "accountID")
	view, err := fn(r.Context(), accountID)
	if err != nil {
		writeError(w, a.logger, op, err)
		return
	}
	a.logger.Info(op+" via API", "account_id", accountID)
	writeJSON(w, http.StatusOK, view)
}

func (a *api) setAutoRetry(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "accountID")

	var body autoRetryRequest
	if err := a.deps.Validator.Decode(r.Body, validation.AutoRetry, &body); err != nil {
		writeError(w, a.logger, "set auto retry", err)
		return
	}

	view, err := a.deps.Closure.SetAutoRetry(r.Context(), accountID, body.Enabled)
	if err != nil {
		writeError(w, a.logger, "set auto retry", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *api) reconcileClosures(w http.ResponseWriter, r *http.Request) {
	sum, err := a.deps.Reconciler.ReconcileActive(r.Context())
	if err != nil {
		writeError(w, a.logger, "reconcile closures", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
