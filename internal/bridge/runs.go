// SPDX-License-Identifier: Apache-2.0

package bridge

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/google/uuid"
)

// RunOwner reads who started a run. Unknown ids return ErrRunNotFound.
func (b *Bridge) RunOwner(ctx context.Context, runID string) (domain.RunRecord, error) {
	return b.store.RunOwner(ctx, runID)
}

// ResolveRunID keeps a client-proposed run id only when it is a UUID that is
// unknown or already belongs to the same user and thread. Anything else gets
// a fresh id so one user can never write into another user's run.
func (b *Bridge) ResolveRunID(ctx context.Context, requested, userID, threadID string) string {
	if _, err := uuid.Parse(requested); err != nil {
		return uuid.NewString()
	}

	owner, err := b.store.RunOwner(ctx, requested)
	switch {
	case errors.Is(err, ErrRunNotFound):
		return requested
	case err != nil:
		b.logger.Warn("run owner lookup failed",
			"run_id", requested,
			"error", err,
		)
		return uuid.NewString()
	case owner.UserID != userID || owner.ThreadID != threadID:
		b.logger.Warn("run id reuse rejected",
			"run_id", requested,
			"user_id", userID,
			"thread_id", threadID,
		)
		return uuid.NewString()
	default:
		return requested
	}
}

// FetchAndHydrateToolActivities loads the persisted tool calls of a thread
// and merges them into what the client already holds.
func (b *Bridge) FetchAndHydrateToolActivities(
	ctx context.Context,
	threadID string,
	userID string,
	accountID string,
	existing []domain.ToolActivity,
) ([]domain.ToolActivity, error) {
	runs, err := b.store.ListRunsByThread(ctx, threadID, userID, accountID)
	if err != nil {
		return nil, fmt.Errorf("list thread runs: %w", err)
	}

	var fetched []domain.ToolActivity
	for _, run := range runs {
		for _, call := range run.ToolCalls {
			fetched = append(fetched, domain.ToolActivity{
				RunID:       run.RunID,
				ToolName:    call.ToolKey,
				Label:       call.ToolLabel,
				Agent:       call.Agent,
				Status:      call.Status,
				StartedAt:   call.StartedAt,
				CompletedAt: call.CompletedAt,
			})
		}
	}
	return MergeToolActivities(existing, fetched), nil
}

// MergeToolActivities de-duplicates by DedupeKey. A fetched entry replaces
// an existing one with the same key. The result is ordered by start time.
func MergeToolActivities(existing, fetched []domain.ToolActivity) []domain.ToolActivity {
	index := make(map[string]int, len(existing)+len(fetched))
	out := make([]domain.ToolActivity, 0, len(existing)+len(fetched))

	add := func(a domain.ToolActivity, replace bool) {
		key := a.DedupeKey()
		if i, ok := index[key]; ok {
			if replace {
				out[i] = a
			}
			return
		}
		index[key] = len(out)
		out = append(out, a)
	}
	for _, a := range existing {
		add(a, false)
	}
	for _, a := range fetched {
		add(a, true)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}
