// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"net/http"

	"github.com/adiadia/brokerage-agent/internal/agentclient"
	"github.com/adiadia/brokerage-agent/internal/agentstream"
	"github.com/adiadia/brokerage-agent/internal/brokerage"
	"github.com/adiadia/brokerage-agent/internal/chatretry"
	"github.com/adiadia/brokerage-agent/internal/closure"
	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/interrupt"
)

type ClosureService interface {
	Get(ctx context.Context, accountID string) (closure.View, error)
	Initiate(ctx context.Context, accountID, achRelationshipID string) (closure.View, error)
	FinalConfirm(ctx context.Context, accountID string) (closure.View, error)
	Cancel(ctx context.Context, accountID string) (closure.View, error)
	Retry(ctx context.Context, accountID string) (closure.View, error)
	SetAutoRetry(ctx context.Context, accountID string, enabled bool) (closure.View, error)
	RunStep(ctx context.Context, accountID string, step domain.StepID, achRelationshipID string) (brokerage.StepResult, error)
}

type ClosureReconciler interface {
	ReconcileActive(ctx context.Context) (closure.ReconcileSummary, error)
}

type AgentBackend interface {
	OpenStream(ctx context.Context, threadID string, req agentclient.RunRequest) (agentstream.EventSource, error)
	CreateRun(ctx context.Context, threadID string, req agentclient.RunRequest) (map[string]any, error)
}

type StreamRelay interface {
	Pipe(ctx context.Context, w http.ResponseWriter, src agentstream.EventSource, run agentstream.RunInfo, prelude ...domain.StreamEvent) (domain.RunStatus, error)
}

type RunTracker interface {
	ResolveRunID(ctx context.Context, requested, userID, threadID string) string
	FetchAndHydrateToolActivities(ctx context.Context, threadID, userID, accountID string, existing []domain.ToolActivity) ([]domain.ToolActivity, error)
	StartRun(run domain.RunRecord) bool
	FinalizeRun(runID, userID string, status domain.RunStatus) bool
}

type ResumeCoordinator interface {
	ResumeStream(ctx context.Context, w http.ResponseWriter, req interrupt.Request) error
	ResumeOnce(ctx context.Context, req interrupt.Request) (map[string]any, error)
}

type ChatRetryStore interface {
	Load(ctx context.Context, userID, sessionID string) (chatretry.State, error)
	Update(ctx context.Context, userID, sessionID string, fn func(*chatretry.State)) (chatretry.State, error)
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
