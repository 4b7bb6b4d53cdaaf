// SPDX-License-Identifier: Apache-2.0

package domain

import "encoding/json"

type StreamEventType string

const (
	EventInterrupt        StreamEventType = "interrupt"
	EventNodeUpdate       StreamEventType = "node_update"
	EventMessagesComplete StreamEventType = "messages_complete"
	EventMessagesMetadata StreamEventType = "messages_metadata"
	EventMessageToken     StreamEventType = "message_token"
	EventMetadata         StreamEventType = "metadata"
	EventError            StreamEventType = "error"
)

// RawEvent is one frame of an upstream agent run as received.
type RawEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// StreamEvent is the closed-vocabulary event forwarded to clients.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Data      any             `json:"data"`
	Interrupt any             `json:"interrupt,omitempty"`
	NodeName  string          `json:"nodeName,omitempty"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
}
