// SPDX-License-Identifier: Apache-2.0

package agentstream

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/adiadia/brokerage-agent/internal/domain"
)

// ToolEvent is a tool lifecycle change seen in a node update.
type ToolEvent struct {
	Call     domain.ToolCall
	Complete bool
}

// ExtractToolEvents finds tool calls requested by assistant messages and
// tool results answering them inside a node_update event.
func ExtractToolEvents(ev domain.StreamEvent) []ToolEvent {
	if ev.Type != domain.EventNodeUpdate {
		return nil
	}
	data, ok := ev.Data.(map[string]any)
	if !ok {
		return nil
	}
	nodeData, ok := data["nodeData"].(map[string]any)
	if !ok {
		return nil
	}
	messages, ok := nodeData["messages"].([]any)
	if !ok {
		return nil
	}

	var out []ToolEvent
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}

		switch {
		case isAssistant(msg):
			calls, _ := msg["tool_calls"].([]any)
			for _, c := range calls {
				call, ok := c.(map[string]any)
				if !ok {
					continue
				}
				name, _ := call["name"].(string)
				if name == "" {
					continue
				}
				out = append(out, ToolEvent{Call: domain.ToolCall{
					ToolKey:   name,
					ToolLabel: ToolLabel(name),
					Agent:     ev.NodeName,
					Status:    domain.ToolRunning,
				}})
			}

		case isToolResult(msg):
			name, _ := msg["name"].(string)
			if name == "" {
				continue
			}
			status := domain.ToolComplete
			if s, _ := msg["status"].(string); s == "error" {
				status = domain.ToolError
			}
			out = append(out, ToolEvent{
				Call: domain.ToolCall{
					ToolKey:   name,
					ToolLabel: ToolLabel(name),
					Agent:     ev.NodeName,
					Status:    status,
				},
				Complete: true,
			})
		}
	}
	return out
}

func isAssistant(msg map[string]any) bool {
	typ, _ := msg["type"].(string)
	role, _ := msg["role"].(string)
	return typ == "ai" || typ == "AIMessageChunk" || role == "assistant"
}

func isToolResult(msg map[string]any) bool {
	typ, _ := msg["type"].(string)
	role, _ := msg["role"].(string)
	return typ == "tool" || role == "tool"
}

// ToolLabel turns get_account_positions into "Get account positions".
func ToolLabel(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool {
		return r == '_' || r == '-' || r == '.'
	})
	if len(words) == 0 {
		return name
	}
	label := strings.ToLower(strings.Join(words, " "))
	first, size := utf8.DecodeRuneInString(label)
	return string(unicode.ToUpper(first)) + label[size:]
}
