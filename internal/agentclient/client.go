// SPDX-License-Identifier: Apache-2.0

// Package agentclient talks to the conversational agent backend: streamed
// and single-shot runs on a thread, including resume commands.
package agentclient

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/brokerage-agent/internal/agentstream"
	"github.com/go-resty/resty/v2"
)

const (
	defaultTimeout = 2 * time.Minute
	headerAPIKey   = "X-Api-Key"
	maxErrorBody   = 4096
)

var DefaultStreamModes = []string{"updates", "messages", "metadata"}

// Error is a non-2xx answer from the agent backend.
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("agent backend returned %d: %s", e.Status, e.Detail)
}

// RunRequest is the body of a run submission. Command carries a resume
// value for an interrupted run; Input starts a new turn.
type RunRequest struct {
	AssistantID string         `json:"assistant_id"`
	Input       any            `json:"input,omitempty"`
	Command     *Command       `json:"command,omitempty"`
	Config      map[string]any `json:"config,omitempty"`
	StreamMode  []string       `json:"stream_mode,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Command struct {
	Resume any `json:"resume"`
}

type Config struct {
	BaseURL     string
	APIKey      string
	AssistantID string
	// Timeout bounds single-shot runs. Streams are bounded by their context.
	Timeout time.Duration
}

type Client struct {
	http        *resty.Client
	stream      *resty.Client
	assistantID string
	logger      *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	base := strings.TrimRight(cfg.BaseURL, "/")

	newClient := func() *resty.Client {
		c := resty.New().
			SetBaseURL(base).
			SetHeader("Content-Type", "application/json")
		if cfg.APIKey != "" {
			c.SetHeader(headerAPIKey, cfg.APIKey)
		}
		return c
	}

	return &Client{
		http:        newClient().SetTimeout(timeout).SetHeader("Accept", "application/json"),
		stream:      newClient().SetHeader("Accept", "text/event-stream"),
		assistantID: cfg.AssistantID,
		logger:      logger,
	}
}

func (c *Client) prepare(req RunRequest, stream bool) RunRequest {
	if req.AssistantID == "" {
		req.AssistantID = c.assistantID
	}
	if stream && len(req.StreamMode) == 0 {
		req.StreamMode = DefaultStreamModes
	}
	return req
}

// StreamRun starts a streamed run on threadID. The caller must Close the
// returned stream.
func (c *Client) StreamRun(ctx context.Context, threadID string, req RunRequest) (*EventStream, error) {
	resp, err := c.stream.R().
		SetContext(ctx).
		SetPathParam("threadID", threadID).
		SetBody(c.prepare(req, true)).
		SetDoNotParseResponse(true).
		Post("/threads/{threadID}/runs/stream")
	if err != nil {
		return nil, fmt.Errorf("agent stream run: %w", err)
	}

	body := resp.RawBody()
	if resp.StatusCode() < http.StatusOK || resp.StatusCode() >= http.StatusMultipleChoices {
		defer body.Close()
		detail, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
		c.logger.Warn("agent stream rejected",
			"thread_id", threadID,
			"response_status", resp.StatusCode(),
		)
		return nil, &Error{Status: resp.StatusCode(), Detail: strings.TrimSpace(string(detail))}
	}

	return NewEventStream(body), nil
}

// OpenStream is StreamRun for callers that only need an event source.
func (c *Client) OpenStream(ctx context.Context, threadID string, req RunRequest) (agentstream.EventSource, error) {
	stream, err := c.StreamRun(ctx, threadID, req)
	if err != nil {
		return nil, err
	}
	return stream, nil
}

// CreateRun submits a run and waits for its final state.
func (c *Client) CreateRun(ctx context.Context, threadID string, req RunRequest) (map[string]any, error) {
	out := map[string]any{}
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("threadID", threadID).
		SetBody(c.prepare(req, false)).
		SetResult(&out).
		Post("/threads/{threadID}/runs")
	if resp != nil && resp.IsError() {
		c.logger.Warn("agent run rejected",
			"thread_id", threadID,
			"response_status", resp.StatusCode(),
		)
		return nil, &Error{Status: resp.StatusCode(), Detail: strings.TrimSpace(resp.String())}
	}
	if err != nil {
		return nil, fmt.Errorf("agent run: %w", err)
	}
	return out, nil
}
