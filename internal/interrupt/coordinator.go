// SPDX-License-Identifier: Apache-2.0

// Package interrupt resumes agent runs paused on a human-in-the-loop
// interrupt.
package interrupt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/brokerage-agent/internal/agentclient"
	"github.com/adiadia/brokerage-agent/internal/agentstream"
	"github.com/adiadia/brokerage-agent/internal/auth"
	"github.com/adiadia/brokerage-agent/internal/bridge"
	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/metrics"
	"github.com/adiadia/brokerage-agent/internal/tracing"
)

const defaultStreamTimeout = 5 * time.Minute

// Agent is the subset of the agent backend used to resume runs.
type Agent interface {
	OpenStream(ctx context.Context, threadID string, req agentclient.RunRequest) (agentstream.EventSource, error)
	CreateRun(ctx context.Context, threadID string, req agentclient.RunRequest) (map[string]any, error)
}

// OwnershipChecker reports whether userID may act on accountID.
type OwnershipChecker interface {
	OwnsAccount(ctx context.Context, userID, accountID string) (bool, error)
}

// RunOwners reports who started a run. Unknown runs return
// bridge.ErrRunNotFound.
type RunOwners interface {
	RunOwner(ctx context.Context, runID string) (domain.RunRecord, error)
}

// Request is a client's answer to an interrupt. Config is whatever the
// client sent under "config"; it must be empty.
type Request struct {
	ThreadID  string         `json:"thread_id"`
	RunID     string         `json:"run_id"`
	AccountID string         `json:"account_id,omitempty"`
	Response  any            `json:"response"`
	Config    map[string]any `json:"config,omitempty"`
}

type Options struct {
	StreamTimeout time.Duration
	Ownership     OwnershipChecker
	Runs          RunOwners
}

type Coordinator struct {
	agent         Agent
	guard         *Guard
	relay         *agentstream.Relay
	ownership     OwnershipChecker
	runs          RunOwners
	streamTimeout time.Duration
	logger        *slog.Logger
}

func NewCoordinator(agent Agent, guard *Guard, relay *agentstream.Relay, logger *slog.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StreamTimeout <= 0 {
		opts.StreamTimeout = defaultStreamTimeout
	}
	return &Coordinator{
		agent:         agent,
		guard:         guard,
		relay:         relay,
		ownership:     opts.Ownership,
		runs:          opts.Runs,
		streamTimeout: opts.StreamTimeout,
		logger:        logger,
	}
}

// TrustedConfig is the run configuration sent upstream. Identity fields come
// only from the verified caller.
func TrustedConfig(userID, accountID, threadID string) map[string]any {
	configurable := map[string]any{
		"user_id":   userID,
		"thread_id": threadID,
	}
	if accountID != "" {
		configurable["account_id"] = accountID
	}
	return map[string]any{"configurable": configurable}
}

func (c *Coordinator) authorize(ctx context.Context, req Request) (auth.Identity, error) {
	id, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return auth.Identity{}, domain.ErrUnauthenticated
	}
	if strings.TrimSpace(req.ThreadID) == "" || strings.TrimSpace(req.RunID) == "" {
		return id, fmt.Errorf("%w: thread_id and run_id are required", domain.ErrInvalidInput)
	}
	// The HTTP resume schema rejects config before decoding; this covers
	// callers that build a Request directly.
	if len(req.Config) > 0 {
		return id, fmt.Errorf("%w: config is not accepted from clients", domain.ErrInvalidInput)
	}
	if err := c.authorizeRun(ctx, id, req); err != nil {
		return id, err
	}
	if req.AccountID == "" || c.ownership == nil {
		return id, nil
	}

	owned, err := c.ownership.OwnsAccount(ctx, id.UserID, req.AccountID)
	if err != nil {
		return id, fmt.Errorf("check account ownership: %w", err)
	}
	if !owned {
		c.logger.Warn("resume denied for account",
			"user_id", id.UserID,
			"account_id", req.AccountID,
			"thread_id", req.ThreadID,
		)
		return id, domain.ErrAccountForbidden
	}
	return id, nil
}

// authorizeRun allows a resume only by the user who started the run and only
// on the thread it ran on.
func (c *Coordinator) authorizeRun(ctx context.Context, id auth.Identity, req Request) error {
	if c.runs == nil {
		return nil
	}
	owner, err := c.runs.RunOwner(ctx, req.RunID)
	if errors.Is(err, bridge.ErrRunNotFound) {
		return err
	}
	if err != nil {
		return fmt.Errorf("look up run owner: %w", err)
	}
	if owner.UserID != id.UserID || owner.ThreadID != req.ThreadID {
		c.logger.Warn("resume denied for run",
			"user_id", id.UserID,
			"run_id", req.RunID,
			"thread_id", req.ThreadID,
		)
		return domain.ErrAccountForbidden
	}
	return nil
}

func (c *Coordinator) runRequest(id auth.Identity, req Request) agentclient.RunRequest {
	return agentclient.RunRequest{
		Command: &agentclient.Command{Resume: req.Response},
		Config:  TrustedConfig(id.UserID, req.AccountID, req.ThreadID),
		Metadata: map[string]any{
			"user_id":        id.UserID,
			"resumed_run_id": req.RunID,
		},
	}
}

// ResumeStream resumes the run and relays its continuation to w. Errors
// returned before anything was written leave w untouched so the caller can
// answer with a plain HTTP error.
func (c *Coordinator) ResumeStream(ctx context.Context, w http.ResponseWriter, req Request) (err error) {
	id, err := c.authorize(ctx, req)
	if err != nil {
		metrics.IncResume(outcomeFor(err))
		return err
	}

	ctx, span := tracing.StartResumeSpan(ctx, req.ThreadID, req.RunID)
	defer func() { tracing.End(span, err) }()

	release, err := c.guard.Acquire(ctx, req.ThreadID, req.RunID)
	if err != nil {
		metrics.IncResume(outcomeFor(err))
		return err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	src, err := c.agent.OpenStream(ctx, req.ThreadID, c.runRequest(id, req))
	if err != nil {
		metrics.IncResume("upstream_error")
		c.logger.Error("resume stream failed to start",
			"thread_id", req.ThreadID,
			"run_id", req.RunID,
			"user_id", id.UserID,
			"error", err,
		)
		return err
	}

	c.logger.Info("resuming interrupted run",
		"thread_id", req.ThreadID,
		"run_id", req.RunID,
		"user_id", id.UserID,
	)

	resumed := domain.StreamEvent{
		Type: domain.EventMetadata,
		Data: map[string]any{
			"status":    "resumed",
			"run_id":    req.RunID,
			"thread_id": req.ThreadID,
		},
	}
	status, err := c.relay.Pipe(ctx, w, src, agentstream.RunInfo{
		RunID:     req.RunID,
		ThreadID:  req.ThreadID,
		UserID:    id.UserID,
		AccountID: req.AccountID,
	}, resumed)
	switch {
	case err != nil:
		metrics.IncResume("stream_error")
		return err
	case status == domain.RunError:
		metrics.IncResume("run_failed")
	default:
		metrics.IncResume("streamed")
	}
	return nil
}

// ResumeOnce resumes the run and waits for its final state.
func (c *Coordinator) ResumeOnce(ctx context.Context, req Request) (out map[string]any, err error) {
	id, err := c.authorize(ctx, req)
	if err != nil {
		metrics.IncResume(outcomeFor(err))
		return nil, err
	}

	ctx, span := tracing.StartResumeSpan(ctx, req.ThreadID, req.RunID)
	defer func() { tracing.End(span, err) }()

	release, err := c.guard.Acquire(ctx, req.ThreadID, req.RunID)
	if err != nil {
		metrics.IncResume(outcomeFor(err))
		return nil, err
	}
	defer release()

	out, err = c.agent.CreateRun(ctx, req.ThreadID, c.runRequest(id, req))
	if err != nil {
		metrics.IncResume("upstream_error")
		return nil, err
	}
	metrics.IncResume("completed")
	return out, nil
}

func outcomeFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrResumeInProgress):
		return "duplicate"
	case errors.Is(err, domain.ErrAccountForbidden), errors.Is(err, domain.ErrUnauthenticated):
		return "denied"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid"
	case errors.Is(err, bridge.ErrRunNotFound):
		return "unknown_run"
	default:
		return "error"
	}
}
