// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/brokerage-agent/internal/bridge"
	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var _ bridge.Store = (*RunRepository)(nil)

// RunRepository is the tool persistence store: agent runs and the tool
// calls made during them.
type RunRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRunRepository(pool *pgxpool.Pool, logger *slog.Logger) *RunRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunRepository{
		pool:   pool,
		logger: logger,
	}
}

func parseRunID(runID string) (uuid.UUID, error) {
	id, err := uuid.Parse(runID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: run id %q", domain.ErrInvalidInput, runID)
	}
	return id, nil
}

// StartRun inserts the run, or marks a resumed run as running again.
func (r *RunRepository) StartRun(ctx context.Context, run domain.RunRecord) error {
	id, err := parseRunID(run.RunID)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO agent_runs (run_id, thread_id, user_id, account_id, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id) DO UPDATE
		SET status = EXCLUDED.status,
		    ended_at = NULL
		WHERE agent_runs.user_id = EXCLUDED.user_id
	`,
		id, run.ThreadID, run.UserID, run.AccountID, domain.RunRunning, run.StartedAt,
	)
	if err != nil {
		r.logger.Error("insert agent run failed", "run_id", run.RunID, "error", err)
		return err
	}
	return nil
}

// UpsertToolStart records an open tool call. Runs of other users are left
// alone and reported as ErrRunNotFound.
func (r *RunRepository) UpsertToolStart(ctx context.Context, runID, userID string, call domain.ToolCall) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}

	cmd, err := r.pool.Exec(ctx, `
		INSERT INTO agent_tool_calls (run_id, tool_key, tool_label, agent, status, started_at)
		SELECT r.run_id, $2::text, $3::text, $4::text, $5::text, $6::timestamptz
		FROM agent_runs r
		WHERE r.run_id = $1
		  AND r.user_id = $7
	`,
		id, call.ToolKey, call.ToolLabel, call.Agent, domain.ToolRunning, call.StartedAt, userID,
	)
	if err != nil {
		r.logger.Error("insert tool call failed",
			"run_id", runID,
			"tool", call.ToolKey,
			"error", err,
		)
		return err
	}
	if cmd.RowsAffected() == 0 {
		return bridge.ErrRunNotFound
	}
	return nil
}

// ownedRun locks the run row for the transaction when userID owns it.
func ownedRun(ctx context.Context, tx pgx.Tx, id uuid.UUID, userID string) error {
	var one int
	err := tx.QueryRow(ctx, `
		SELECT 1 FROM agent_runs
		WHERE run_id = $1
		  AND user_id = $2
		FOR UPDATE
	`, id, userID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return bridge.ErrRunNotFound
	}
	return err
}

// UpsertToolComplete closes the oldest open call of the same tool in the
// run. A completion without a recorded start is stored as its own row.
func (r *RunRepository) UpsertToolComplete(ctx context.Context, runID, userID string, call domain.ToolCall) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}
	completedAt := time.Now().UTC()
	if call.CompletedAt != nil {
		completedAt = *call.CompletedAt
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return err
	}
	defer tx.Rollback(ctx)

	if err := ownedRun(ctx, tx, id, userID); err != nil {
		if !errors.Is(err, bridge.ErrRunNotFound) {
			r.logger.Error("lock run failed", "run_id", runID, "error", err)
		}
		return err
	}

	cmd, err := tx.Exec(ctx, `
		UPDATE agent_tool_calls
		SET status = $3,
		    completed_at = $4
		WHERE id = (
			SELECT id FROM agent_tool_calls
			WHERE run_id = $1
			  AND tool_key = $2
			  AND completed_at IS NULL
			ORDER BY started_at, id
			LIMIT 1
			FOR UPDATE
		)
	`, id, call.ToolKey, call.Status, completedAt)
	if err != nil {
		r.logger.Error("complete tool call failed",
			"run_id", runID,
			"tool", call.ToolKey,
			"error", err,
		)
		return err
	}

	if cmd.RowsAffected() == 0 {
		startedAt := call.StartedAt
		if startedAt.IsZero() {
			startedAt = completedAt
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO agent_tool_calls (run_id, tool_key, tool_label, agent, status, started_at, completed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			id, call.ToolKey, call.ToolLabel, call.Agent, call.Status, startedAt, completedAt,
		); err != nil {
			r.logger.Error("insert completed tool call failed",
				"run_id", runID,
				"tool", call.ToolKey,
				"error", err,
			)
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit tool call failed", "run_id", runID, "error", err)
		return err
	}
	return nil
}

// FinalizeRun sets the terminal status of a run owned by userID. Tool calls
// still open are closed with the run's outcome.
func (r *RunRepository) FinalizeRun(ctx context.Context, runID, userID string, status domain.RunStatus, endedAt time.Time) error {
	id, err := parseRunID(runID)
	if err != nil {
		return err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return err
	}
	defer tx.Rollback(ctx)

	cmd, err := tx.Exec(ctx,
		`UPDATE agent_runs SET status=$2, ended_at=$3 WHERE run_id=$1 AND user_id=$4`,
		id, status, endedAt, userID,
	)
	if err != nil {
		r.logger.Error("finalize run failed", "run_id", runID, "error", err)
		return err
	}
	if cmd.RowsAffected() == 0 {
		return bridge.ErrRunNotFound
	}

	toolStatus := domain.ToolComplete
	if status == domain.RunError {
		toolStatus = domain.ToolError
	}
	if _, err := tx.Exec(ctx, `
		UPDATE agent_tool_calls
		SET status=$2, completed_at=$3
		WHERE run_id=$1 AND completed_at IS NULL
	`, id, toolStatus, endedAt); err != nil {
		r.logger.Error("close open tool calls failed", "run_id", runID, "error", err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		r.logger.Error("commit finalize failed", "run_id", runID, "error", err)
		return err
	}
	return nil
}

func (r *RunRepository) RunOwner(ctx context.Context, runID string) (domain.RunRecord, error) {
	id, err := parseRunID(runID)
	if err != nil {
		return domain.RunRecord{}, bridge.ErrRunNotFound
	}

	run := domain.RunRecord{RunID: runID}
	err = r.pool.QueryRow(ctx, `
		SELECT thread_id, user_id, account_id, status, started_at, ended_at
		FROM agent_runs
		WHERE run_id=$1
	`, id).Scan(&run.ThreadID, &run.UserID, &run.AccountID, &run.Status, &run.StartedAt, &run.EndedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.RunRecord{}, bridge.ErrRunNotFound
		}
		r.logger.Error("get run owner failed", "run_id", runID, "error", err)
		return domain.RunRecord{}, err
	}
	return run, nil
}

// ListRunsByThread returns the user's runs on a thread, oldest first, each
// with its tool calls. An empty accountID matches every account.
func (r *RunRepository) ListRunsByThread(ctx context.Context, threadID, userID, accountID string) ([]domain.RunRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT r.run_id, r.thread_id, r.user_id, r.account_id, r.status, r.started_at, r.ended_at,
		       t.tool_key, t.tool_label, t.agent, t.status, t.started_at, t.completed_at
		FROM agent_runs r
		LEFT JOIN agent_tool_calls t ON t.run_id = r.run_id
		WHERE r.thread_id=$1
		  AND r.user_id=$2
		  AND ($3 = '' OR r.account_id=$3)
		ORDER BY r.started_at, r.run_id, t.started_at, t.id
	`, threadID, userID, accountID)
	if err != nil {
		r.logger.Error("list thread runs failed", "thread_id", threadID, "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []domain.RunRecord
	for rows.Next() {
		var (
			runID     uuid.UUID
			run       domain.RunRecord
			toolKey   *string
			toolLabel *string
			agent     *string
			status    *string
			started   *time.Time
			completed *time.Time
		)
		if err := rows.Scan(
			&runID, &run.ThreadID, &run.UserID, &run.AccountID, &run.Status, &run.StartedAt, &run.EndedAt,
			&toolKey, &toolLabel, &agent, &status, &started, &completed,
		); err != nil {
			r.logger.Error("scan thread run failed", "thread_id", threadID, "error", err)
			return nil, err
		}
		run.RunID = runID.String()

		if len(out) == 0 || out[len(out)-1].RunID != run.RunID {
			run.ToolCalls = []domain.ToolCall{}
			out = append(out, run)
		}
		if toolKey == nil {
			continue
		}
		last := &out[len(out)-1]
		last.ToolCalls = append(last.ToolCalls, domain.ToolCall{
			ToolKey:     *toolKey,
			ToolLabel:   deref(toolLabel),
			Agent:       deref(agent),
			Status:      domain.ToolCallStatus(deref(status)),
			StartedAt:   *started,
			CompletedAt: completed,
		})
	}
	if err := rows.Err(); err != nil {
		r.logger.Error("iterate thread runs failed", "thread_id", threadID, "error", err)
		return nil, err
	}
	return out, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
