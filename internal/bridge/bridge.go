// SPDX-License-Identifier: Apache-2.0

// Package bridge records agent runs and tool calls without ever blocking or
// failing the stream that produced them.
package bridge

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/metrics"
)

const (
	defaultWorkers      = 4
	defaultQueueSize    = 256
	defaultWriteTimeout = 5 * time.Second

	opStartRun     = "start_run"
	opToolStart    = "tool_start"
	opToolComplete = "tool_complete"
	opFinalizeRun  = "finalize_run"
)

var ErrRunNotFound = errors.New("run not found")

// Store is the tool persistence store.
type Store interface {
	StartRun(ctx context.Context, run domain.RunRecord) error
	// Writes after StartRun only touch runs owned by userID.
	UpsertToolStart(ctx context.Context, runID, userID string, call domain.ToolCall) error
	UpsertToolComplete(ctx context.Context, runID, userID string, call domain.ToolCall) error
	FinalizeRun(ctx context.Context, runID, userID string, status domain.RunStatus, endedAt time.Time) error
	// RunOwner returns ErrRunNotFound for unknown ids.
	RunOwner(ctx context.Context, runID string) (domain.RunRecord, error)
	ListRunsByThread(ctx context.Context, threadID, userID, accountID string) ([]domain.RunRecord, error)
}

type Config struct {
	Workers      int
	QueueSize    int
	WriteTimeout time.Duration
}

type job struct {
	op    string
	runID string
	fn    func(ctx context.Context) error
}

// Bridge dispatches writes onto worker shards chosen by run id, so writes of
// one run stay in order while different runs proceed in parallel.
type Bridge struct {
	store        Store
	logger       *slog.Logger
	now          func() time.Time
	writeTimeout time.Duration

	mu     sync.RWMutex
	closed bool
	shards []chan job
	wg     sync.WaitGroup
}

func New(store Store, cfg Config, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	b := &Bridge{
		store:        store,
		logger:       logger,
		now:          time.Now,
		writeTimeout: cfg.WriteTimeout,
		shards:       make([]chan job, cfg.Workers),
	}
	for i := range b.shards {
		ch := make(chan job, cfg.QueueSize)
		b.shards[i] = ch
		b.wg.Add(1)
		go b.work(ch)
	}
	return b
}

// Close stops accepting writes and waits for queued ones to finish.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, ch := range b.shards {
		close(ch)
	}
	b.mu.Unlock()

	b.wg.Wait()
}

func (b *Bridge) work(ch <-chan job) {
	defer b.wg.Done()
	for j := range ch {
		ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
		err := j.fn(ctx)
		cancel()
		if err != nil {
			metrics.IncPersistFailure(j.op)
			b.logger.Error("run persistence failed",
				"op", j.op,
				"run_id", j.runID,
				"error", err,
			)
		}
	}
}

func shardFor(runID string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(runID))
	return int(h.Sum32() % uint32(n))
}

func (b *Bridge) enqueue(j job) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}

	select {
	case b.shards[shardFor(j.runID, len(b.shards))] <- j:
		return true
	default:
		metrics.IncPersistDropped()
		b.logger.Warn("run persistence queue full",
			"op", j.op,
			"run_id", j.runID,
		)
		return false
	}
}

// StartRun records a run as running. It reports whether the write was
// queued.
func (b *Bridge) StartRun(run domain.RunRecord) bool {
	if run.StartedAt.IsZero() {
		run.StartedAt = b.now().UTC()
	}
	run.Status = domain.RunRunning
	return b.enqueue(job{
		op:    opStartRun,
		runID: run.RunID,
		fn: func(ctx context.Context) error {
			return b.store.StartRun(ctx, run)
		},
	})
}

func (b *Bridge) ToolStart(runID, userID string, call domain.ToolCall) bool {
	if call.StartedAt.IsZero() {
		call.StartedAt = b.now().UTC()
	}
	call.Status = domain.ToolRunning
	return b.enqueue(job{
		op:    opToolStart,
		runID: runID,
		fn: func(ctx context.Context) error {
			return b.store.UpsertToolStart(ctx, runID, userID, call)
		},
	})
}

func (b *Bridge) ToolComplete(runID, userID string, call domain.ToolCall) bool {
	if call.CompletedAt == nil {
		now := b.now().UTC()
		call.CompletedAt = &now
	}
	if call.Status == "" || call.Status == domain.ToolRunning {
		call.Status = domain.ToolComplete
	}
	return b.enqueue(job{
		op:    opToolComplete,
		runID: runID,
		fn: func(ctx context.Context) error {
			return b.store.UpsertToolComplete(ctx, runID, userID, call)
		},
	})
}

func (b *Bridge) FinalizeRun(runID, userID string, status domain.RunStatus) bool {
	endedAt := b.now().UTC()
	return b.enqueue(job{
		op:    opFinalizeRun,
		runID: runID,
		fn: func(ctx context.Context) error {
			return b.store.FinalizeRun(ctx, runID, userID, status, endedAt)
		},
	})
}
