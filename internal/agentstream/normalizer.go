// SPDX-License-Identifier: Apache-2.0

// Package agentstream turns an upstream agent run into the closed client
// event vocabulary and relays it over server-sent events.
package agentstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/adiadia/brokerage-agent/internal/domain"
	"github.com/adiadia/brokerage-agent/internal/errmap"
	"github.com/itchyny/gojq"
)

const interruptMarker = "__interrupt__"

// assistantMessagesQuery keeps the assistant-authored messages of a
// messages/complete batch.
const assistantMessagesQuery = `[.[] | select(type == "object" and has("content") and (.type == "ai" or .role == "assistant" or .type == "AIMessageChunk"))]`

var assistantMessages = mustCompile(assistantMessagesQuery)

func mustCompile(expr string) *gojq.Code {
	query, err := gojq.Parse(expr)
	if err != nil {
		panic(fmt.Sprintf("parse %q: %v", expr, err))
	}
	code, err := gojq.Compile(query,
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		panic(fmt.Sprintf("compile %q: %v", expr, err))
	}
	return code
}

// Rule maps one family of upstream events. Match sees the event name and the
// decoded payload.
type Rule struct {
	Name  string
	Match func(event string, payload any) bool
	Map   func(event string, payload any) domain.StreamEvent
}

// Normalizer applies its rules in order; the first match wins and anything
// unmatched becomes a metadata event carrying the raw payload.
type Normalizer struct {
	rules []Rule
}

func NewNormalizer() *Normalizer {
	return &Normalizer{rules: DefaultRules()}
}

// NewNormalizerWithRules is used by tests and callers that extend the table.
func NewNormalizerWithRules(rules []Rule) *Normalizer {
	return &Normalizer{rules: rules}
}

func (n *Normalizer) Normalize(raw domain.RawEvent) domain.StreamEvent {
	payload := decodePayload(raw.Data)
	for _, rule := range n.rules {
		if rule.Match(raw.Event, payload) {
			return rule.Map(raw.Event, payload)
		}
	}
	return fallback(raw.Event, payload)
}

func decodePayload(data json.RawMessage) any {
	if len(data) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	return v
}

func DefaultRules() []Rule {
	return []Rule{
		{Name: "interrupt", Match: matchInterrupt, Map: mapInterrupt},
		{Name: "node_update", Match: matchNodeUpdate, Map: mapNodeUpdate},
		{Name: "messages_complete", Match: matchMessagesComplete, Map: mapMessagesComplete},
		{Name: "message_token", Match: matchMessageToken, Map: passthrough(domain.EventMessageToken)},
		{Name: "metadata", Match: eventIs("metadata"), Map: passthrough(domain.EventMetadata)},
		{Name: "error", Match: eventIs("error"), Map: mapError},
	}
}

func fallback(event string, payload any) domain.StreamEvent {
	return domain.StreamEvent{
		Type:     domain.EventMetadata,
		Data:     payload,
		Metadata: map[string]any{"sourceEvent": event},
	}
}

// baseEvent strips a "|namespace" suffix used by subgraph streams.
func baseEvent(event string) string {
	name, _, _ := strings.Cut(event, "|")
	return name
}

func eventIs(name string) func(string, any) bool {
	return func(event string, _ any) bool {
		return baseEvent(event) == name
	}
}

func passthrough(typ domain.StreamEventType) func(string, any) domain.StreamEvent {
	return func(_ string, payload any) domain.StreamEvent {
		return domain.StreamEvent{Type: typ, Data: payload}
	}
}

// mapError keeps only a message from upstream errors, and only when it is
// safe to show.
func mapError(_ string, payload any) domain.StreamEvent {
	var msg string
	switch v := payload.(type) {
	case string:
		msg = v
	case map[string]any:
		for _, key := range []string{"message", "detail", "error"} {
			if s, ok := v[key].(string); ok && strings.TrimSpace(s) != "" {
				msg = s
				break
			}
		}
	}
	return domain.StreamEvent{
		Type: domain.EventError,
		Data: map[string]any{"message": errmap.Sanitize(http.StatusBadGateway, msg)},
	}
}

func matchInterrupt(event string, payload any) bool {
	if baseEvent(event) == interruptMarker {
		return true
	}
	obj, ok := payload.(map[string]any)
	if !ok {
		return false
	}
	_, ok = obj[interruptMarker]
	return ok
}

func mapInterrupt(event string, payload any) domain.StreamEvent {
	value := payload
	if obj, ok := payload.(map[string]any); ok && baseEvent(event) != interruptMarker {
		value = obj[interruptMarker]
	}
	return domain.StreamEvent{
		Type:      domain.EventInterrupt,
		Data:      value,
		Interrupt: value,
	}
}

func matchNodeUpdate(event string, payload any) bool {
	if baseEvent(event) != "updates" {
		return false
	}
	obj, ok := payload.(map[string]any)
	return ok && len(obj) == 1
}

func mapNodeUpdate(_ string, payload any) domain.StreamEvent {
	obj := payload.(map[string]any)
	var nodeName string
	var nodeData any
	for k, v := range obj {
		nodeName, nodeData = k, v
	}
	return domain.StreamEvent{
		Type: domain.EventNodeUpdate,
		Data: map[string]any{
			"nodeName": nodeName,
			"nodeData": nodeData,
		},
		NodeName: nodeName,
	}
}

func matchMessagesComplete(event string, payload any) bool {
	if baseEvent(event) != "messages/complete" {
		return false
	}
	_, ok := payload.([]any)
	return ok
}

func mapMessagesComplete(_ string, payload any) domain.StreamEvent {
	filtered := filterAssistantMessages(payload)
	if len(filtered) == 0 {
		return domain.StreamEvent{Type: domain.EventMessagesMetadata, Data: payload}
	}
	return domain.StreamEvent{
		Type:     domain.EventMessagesComplete,
		Data:     filtered,
		Metadata: map[string]any{"isCompleteResponse": true},
	}
}

func filterAssistantMessages(payload any) []any {
	iter := assistantMessages.RunWithContext(context.Background(), payload)
	v, ok := iter.Next()
	if !ok {
		return nil
	}
	if _, isErr := v.(error); isErr {
		return nil
	}
	out, _ := v.([]any)
	return out
}

func matchMessageToken(event string, _ any) bool {
	switch baseEvent(event) {
	case "messages/partial", "messages", "messages-tuple":
		return true
	default:
		return false
	}
}
