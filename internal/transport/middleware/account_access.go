// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/adiadia/brokerage-agent/internal/auth"
	"github.com/go-chi/chi/v5"
)

type AccountOwnership interface {
	OwnsAccount(ctx context.Context, userID, accountID string) (bool, error)
}

// AccountAccess allows the request only when the authenticated user owns
// the account named by the {accountID} route parameter. Denials are audit
// logged with both ids.
func AccountAccess(ownership AccountOwnership, logger *slog.Logger) func(http.Handler) http.Handler {
	if ownership == nil {
		panic("middleware.AccountAccess requires an ownership checker")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := auth.IdentityFromContext(r.Context())
			if !ok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "missing or invalid access token", http.StatusUnauthorized)
				return
			}

			accountID := chi.URLParam(r, "accountID")
			if accountID == "" {
				http.Error(w, "account id is required", http.StatusBadRequest)
				return
			}

			owned, err := ownership.OwnsAccount(r.Context(), id.UserID, accountID)
			if err != nil {
				logger.Error("account ownership check failed",
					"user_id", id.UserID,
					"account_id", accountID,
					"error", err,
				)
				http.Error(w, "authorization lookup failed", http.StatusInternalServerError)
				return
			}
			if !owned {
				logger.Warn("account access denied",
					"audit", true,
					"user_id", id.UserID,
					"account_id", accountID,
					"method", r.Method,
					"path", r.URL.Path,
					"remote_addr", r.RemoteAddr,
				)
				http.Error(w, "you do not have access to this account", http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
