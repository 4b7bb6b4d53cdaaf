// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/brokerage-agent/internal/metrics"
	"github.com/adiadia/brokerage-agent/internal/transport/middleware"
	"github.com/adiadia/brokerage-agent/internal/validation"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const defaultStreamTimeout = 5 * time.Minute

type Deps struct {
	Closure    ClosureService
	Reconciler ClosureReconciler
	Agent      AgentBackend
	Relay      StreamRelay
	Runs       RunTracker
	Resume     ResumeCoordinator
	ChatRetry  ChatRetryStore
	Validator  *validation.Validator
	Health     HealthChecker

	IdentityResolver middleware.IdentityResolver
	Ownership        middleware.AccountOwnership
	RateLimitPerMin  int
	StreamTimeout    time.Duration

	Logger     *slog.Logger
	AdminToken string
	Version    string
	Commit     string
	BuildDate  string
}

type api struct {
	deps   Deps
	logger *slog.Logger
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Validator == nil {
		deps.Validator = validation.MustNew()
	}
	if deps.StreamTimeout <= 0 {
		deps.StreamTimeout = defaultStreamTimeout
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	a := &api{deps: deps, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))
	if deps.IdentityResolver != nil {
		r.Use(middleware.SessionAuth(deps.IdentityResolver, deps.RateLimitPerMin, logger))
	}

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		if deps.Health != nil {
			if err := deps.Health.Check(r.Context()); err != nil {
				logger.Error("health check failed", "error", err)
				http.Error(w, "unhealthy", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- ADMIN ----------------

	if deps.Reconciler != nil {
		r.Route("/admin", func(admin chi.Router) {
			admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))
			admin.Post("/closures/reconcile", a.reconcileClosures)
		})
	}

	// ---------------- CLOSURE (SESSION + ACCOUNT OWNERSHIP) ----------------

	if deps.Closure != nil {
		r.Route("/accounts/{accountID}/closure", func(cr chi.Router) {
			if deps.Ownership != nil {
				cr.Use(middleware.AccountAccess(deps.Ownership, logger))
			}
			cr.Use(middleware.IdempotencyKey)

			cr.Get("/", a.getClosure)
			cr.Get("/check-readiness", a.checkReadiness)
			cr.Post("/initiate", a.initiateClosure)
			cr.Post("/cancel-orders", a.runStep(stepCancelOrders))
			cr.Post("/liquidate-positions", a.runStep(stepLiquidatePositions))
			cr.Post("/check-settlement", a.runStep(stepSettlement))
			cr.Post("/withdraw-funds", a.runStep(stepWithdrawFunds))
			cr.Post("/close-account", a.runStep(stepCloseAccount))
			cr.Post("/confirm", a.confirmClosure)
			cr.Post("/cancel", a.cancelClosure)
			cr.Post("/retry", a.retryClosure)
			cr.Post("/auto-retry", a.setAutoRetry)
		})
	}

	// ---------------- AGENT ----------------

	r.Route("/agent", func(ar chi.Router) {
		if deps.Agent != nil && deps.Relay != nil {
			ar.Post("/threads/{threadID}/runs/stream", a.streamRun)
		}
		if deps.Agent != nil {
			ar.Post("/threads/{threadID}/runs", a.createRun)
		}
		if deps.Runs != nil {
			ar.Get("/threads/{threadID}/tool-activities", a.toolActivities)
		}
		if deps.Resume != nil {
			ar.Get("/runs/resume/stream", a.resumeStream)
			ar.Post("/runs/resume/stream", a.resumeStream)
			ar.Get("/runs/resume", a.resumeOnce)
			ar.Post("/runs/resume", a.resumeOnce)
		}
		if deps.ChatRetry != nil {
			ar.Get("/sessions/{sessionID}/retry", a.chatRetryState)
			ar.Post("/sessions/{sessionID}/retry/dismiss", a.dismissChatRetry)
		}
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
