// SPDX-License-Identifier: Apache-2.0

package agentclient

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/adiadia/brokerage-agent/internal/domain"
)

const defaultEventName = "message"

// EventStream reads server-sent events from an agent run.
type EventStream struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func NewEventStream(body io.ReadCloser) *EventStream {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &EventStream{body: body, scanner: scanner}
}

// Next returns the next event, or io.EOF once the upstream closed cleanly.
func (s *EventStream) Next() (domain.RawEvent, error) {
	var name string
	var dataLines []string

	for s.scanner.Scan() {
		line := strings.TrimSuffix(s.scanner.Text(), "\r")
		if line == "" {
			if name == "" && len(dataLines) == 0 {
				continue
			}
			return buildEvent(name, dataLines), nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			dataLines = append(dataLines, value)
		}
	}
	if err := s.scanner.Err(); err != nil {
		return domain.RawEvent{}, err
	}
	if name != "" || len(dataLines) > 0 {
		return buildEvent(name, dataLines), nil
	}
	return domain.RawEvent{}, io.EOF
}

func (s *EventStream) Close() error {
	return s.body.Close()
}

// buildEvent keeps JSON payloads as-is and wraps anything else in a JSON
// string so downstream code always sees valid JSON.
func buildEvent(name string, dataLines []string) domain.RawEvent {
	if name == "" {
		name = defaultEventName
	}
	payload := strings.Join(dataLines, "\n")

	var data json.RawMessage
	switch {
	case payload == "":
		data = json.RawMessage("null")
	case json.Valid([]byte(payload)):
		data = json.RawMessage(payload)
	default:
		quoted, _ := json.Marshal(payload)
		data = quoted
	}
	return domain.RawEvent{Event: name, Data: data}
}
