// SPDX-License-Identifier: Apache-2.0

package interrupt

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/kv"
	"github.com/google/uuid"
)

const defaultGuardTTL = 2 * time.Minute

// Guard allows at most one active resume per thread and run.
type Guard struct {
	store  kv.Store
	ttl    time.Duration
	logger *slog.Logger
}

func NewGuard(store kv.Store, ttl time.Duration, logger *slog.Logger) *Guard {
	if ttl <= 0 {
		ttl = defaultGuardTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{store: store, ttl: ttl, logger: logger}
}

func guardKey(threadID, runID string) string {
	return "interrupt:resume:" + threadID + ":" + runID
}

// Acquire claims the resume slot. The returned release is safe to call once
// the resume ends; it only removes the key if this caller still holds it.
func (g *Guard) Acquire(ctx context.Context, threadID, runID string) (func(), error) {
	key := guardKey(threadID, runID)
	token := []byte(uuid.NewString())

	ok, err := g.store.SetNX(ctx, key, token, g.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire resume guard: %w", err)
	}
	if !ok {
		return nil, domain.ErrResumeInProgress
	}

	return func() {
		// The resume context may already be cancelled here.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := g.store.DeleteIfEqual(ctx, key, token); err != nil {
			g.logger.Warn("release resume guard failed",
				"thread_id", threadID,
				"run_id", runID,
				"error", err,
			)
		}
	}, nil
}
