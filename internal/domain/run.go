// SPDX-License-Identifier: Apache-2.0

package domain

import "time"

type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunError    RunStatus = "error"
)

type ToolCallStatus string

const (
	ToolRunning  ToolCallStatus = "running"
	ToolComplete ToolCallStatus = "complete"
	ToolError    ToolCallStatus = "error"
)

// RunRecord is one agent run as reconstructed from the tool persistence store.
type RunRecord struct {
	RunID     string     `json:"run_id"`
	ThreadID  string     `json:"thread_id"`
	UserID    string     `json:"user_id"`
	AccountID string     `json:"account_id,omitempty"`
	Status    RunStatus  `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls"`
}

type ToolCall struct {
	ToolKey     string         `json:"tool_key"`
	ToolLabel   string         `json:"tool_label"`
	Agent       string         `json:"agent"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Status      ToolCallStatus `json:"status"`
}

// ToolActivity is the client-facing shape of a tool call.
type ToolActivity struct {
	RunID       string         `json:"runId"`
	ToolName    string         `json:"toolName"`
	Label       string         `json:"label"`
	Agent       string         `json:"agent"`
	Status      ToolCallStatus `json:"status"`
	StartedAt   time.Time      `json:"startedAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// DedupeKey identifies an activity across repeated hydrations.
func (a ToolActivity) DedupeKey() string {
	return a.RunID + "|" + a.ToolName + "|" + a.StartedAt.UTC().Format(time.RFC3339Nano)
}
