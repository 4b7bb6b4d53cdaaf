// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/adiadia/brokerage-agent/internal/agentclient"
	"github.com/adiadia/brokerage-agent/internal/bridge"
	"github.com/adiadia/brokerage-agent/internal/brokerage"
	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/errmap"
)

// writeError answers with the status for err. Domain conflicts and input
// errors carry their own message; upstream details are sanitized; anything
// else gets the generic message for its status.
func writeError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	var (
		brokerErr *brokerage.Error
		agentErr  *agentclient.Error
		stepErr   *brokerage.StepError
	)

	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrUnauthenticated):
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, errmap.Message(http.StatusUnauthorized), http.StatusUnauthorized)
	case errors.Is(err, domain.ErrAccountForbidden):
		http.Error(w, errmap.Message(http.StatusForbidden), http.StatusForbidden)
	case errors.Is(err, domain.ErrWorkflowNotFound), errors.Is(err, bridge.ErrRunNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrWorkflowBusy),
		errors.Is(err, domain.ErrCannotCancel),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrNothingToRetry),
		errors.Is(err, domain.ErrAutoRetryActive),
		errors.Is(err, domain.ErrResumeInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.As(err, &stepErr):
		http.Error(w, stepErr.Message, http.StatusUnprocessableEntity)
	case errors.As(err, &brokerErr):
		logger.Warn(op+" rejected by brokerage", "response_status", brokerErr.Status, "error", err)
		http.Error(w, errmap.Sanitize(http.StatusBadGateway, brokerErr.Detail), http.StatusBadGateway)
	case errors.As(err, &agentErr):
		logger.Warn(op+" rejected by agent backend", "response_status", agentErr.Status, "error", err)
		http.Error(w, errmap.Message(http.StatusBadGateway), http.StatusBadGateway)
	default:
		logger.Error(op+" failed", "error", err)
		http.Error(w, errmap.Message(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}
