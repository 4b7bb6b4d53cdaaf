// SPDX-License-Identifier: Apache-2.0

package agentstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/errmap"
	"github.com/adiadia/brokerage-agent/internal/metrics"
	"github.com/adiadia/brokerage-agent/internal/tracing"
)

var ErrStreamingUnsupported = errors.New("streaming unsupported")

// EventSource yields upstream events until io.EOF.
type EventSource interface {
	Next() (domain.RawEvent, error)
	Close() error
}

// Recorder receives run lifecycle notifications. Calls must not block.
type Recorder interface {
	StartRun(run domain.RunRecord) bool
	ToolStart(runID, userID string, call domain.ToolCall) bool
	ToolComplete(runID, userID string, call domain.ToolCall) bool
	FinalizeRun(runID, userID string, status domain.RunStatus) bool
}

type RunInfo struct {
	RunID     string
	ThreadID  string
	UserID    string
	AccountID string
}

type Relay struct {
	normalizer *Normalizer
	recorder   Recorder
	logger     *slog.Logger
}

func NewRelay(normalizer *Normalizer, recorder Recorder, logger *slog.Logger) *Relay {
	if normalizer == nil {
		normalizer = NewNormalizer()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{normalizer: normalizer, recorder: recorder, logger: logger}
}

// PrepareSSE writes the event-stream headers and returns the flusher.
func PrepareSSE(w http.ResponseWriter) (http.Flusher, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, nil
}

// WriteEvent writes one data-only SSE frame.
func WriteEvent(w io.Writer, flusher http.Flusher, ev domain.StreamEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// Pipe forwards src to the client as normalized events, in upstream order.
// prelude events are written first. Persistence goes through the recorder
// and never delays or fails the stream. The returned status is the run's
// outcome: an upstream error event fails the run even though the stream
// itself ended cleanly.
func (r *Relay) Pipe(ctx context.Context, w http.ResponseWriter, src EventSource, run RunInfo, prelude ...domain.StreamEvent) (status domain.RunStatus, err error) {
	defer src.Close()

	ctx, span := tracing.StartRelaySpan(ctx, run.ThreadID, run.RunID)
	var spanErr error
	defer func() { tracing.End(span, spanErr) }()

	flusher, err := PrepareSSE(w)
	if err != nil {
		spanErr = err
		return domain.RunError, err
	}

	if r.recorder != nil {
		r.recorder.StartRun(domain.RunRecord{
			RunID:     run.RunID,
			ThreadID:  run.ThreadID,
			UserID:    run.UserID,
			AccountID: run.AccountID,
		})
	}

	status = domain.RunComplete
	defer func() {
		if r.recorder != nil {
			r.recorder.FinalizeRun(run.RunID, run.UserID, status)
		}
	}()

	for _, ev := range prelude {
		if err := WriteEvent(w, flusher, ev); err != nil {
			spanErr = err
			return domain.RunError, err
		}
	}

	count := 0
	for {
		raw, err := src.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			spanErr = err
			if ctx.Err() != nil {
				r.logger.Warn("agent stream ended by deadline or client",
					"run_id", run.RunID,
					"thread_id", run.ThreadID,
					"events", count,
					"error", ctx.Err(),
				)
			} else {
				r.logger.Error("agent stream upstream failed",
					"run_id", run.RunID,
					"thread_id", run.ThreadID,
					"events", count,
					"error", err,
				)
			}
			_ = WriteEvent(w, flusher, ErrorEvent(http.StatusBadGateway, err))
			return domain.RunError, err
		}

		ev := r.normalizer.Normalize(raw)
		metrics.IncStreamEvent(ev.Type)
		count++
		if ev.Type == domain.EventError {
			status = domain.RunError
		}
		r.recordTools(run, ev)

		if err := WriteEvent(w, flusher, ev); err != nil {
			spanErr = err
			r.logger.Warn("agent stream client write failed",
				"run_id", run.RunID,
				"thread_id", run.ThreadID,
				"error", err,
			)
			return domain.RunError, err
		}
	}

	r.logger.Info("agent stream finished",
		"run_id", run.RunID,
		"thread_id", run.ThreadID,
		"events", count,
		"status", status,
	)
	return status, nil
}

func (r *Relay) recordTools(run RunInfo, ev domain.StreamEvent) {
	if r.recorder == nil {
		return
	}
	for _, te := range ExtractToolEvents(ev) {
		if te.Complete {
			r.recorder.ToolComplete(run.RunID, run.UserID, te.Call)
		} else {
			r.recorder.ToolStart(run.RunID, run.UserID, te.Call)
		}
	}
}

// ErrorEvent is the error frame sent when the relay itself fails.
func ErrorEvent(status int, err error) domain.StreamEvent {
	msg := errmap.Public(status, err)
	if errors.Is(err, context.DeadlineExceeded) {
		msg = "The response took too long. Please try again."
	}
	return domain.StreamEvent{
		Type: domain.EventError,
		Data: map[string]any{"message": msg},
	}
}
