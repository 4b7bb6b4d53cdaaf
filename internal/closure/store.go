// SPDX-License-Identifier: Apache-2.0

package closure

import (
	"context"
	"errors"
	"fmt"

	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/kv"
)

const activeSetKey = "closure:active"

func workflowKey(accountID string) string {
	return "closure:workflow:" + accountID
}

func lockKey(accountID string) string {
	return "closure:lock:" + accountID
}

// Store keeps one workflow per account and the set of accounts whose
// workflow has started but not finished.
type Store struct {
	kv kv.Store
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

func (s *Store) Load(ctx context.Context, accountID string) (domain.WorkflowRun, error) {
	var run domain.WorkflowRun
	if err := kv.GetJSON(ctx, s.kv, workflowKey(accountID), &run); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return domain.WorkflowRun{}, domain.ErrWorkflowNotFound
		}
		return domain.WorkflowRun{}, fmt.Errorf("load closure workflow: %w", err)
	}
	return run, nil
}

func (s *Store) Save(ctx context.Context, run domain.WorkflowRun) error {
	if err := kv.SetJSON(ctx, s.kv, workflowKey(run.AccountID), run, 0); err != nil {
		return fmt.Errorf("save closure workflow: %w", err)
	}

	var err error
	if run.ID != "" && !run.IsComplete {
		err = s.kv.SAdd(ctx, activeSetKey, run.AccountID)
	} else {
		err = s.kv.SRem(ctx, activeSetKey, run.AccountID)
	}
	if err != nil {
		return fmt.Errorf("track active closure: %w", err)
	}
	return nil
}

// Active lists accounts with a started, unfinished workflow.
func (s *Store) Active(ctx context.Context) ([]string, error) {
	ids, err := s.kv.SMembers(ctx, activeSetKey)
	if err != nil {
		return nil, fmt.Errorf("list active closures: %w", err)
	}
	return ids, nil
}
