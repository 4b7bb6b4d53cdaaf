// SPDX-License-Identifier: Apache-2.0

// Package chatretry tracks the one message of a chat session that may be
// retried after a failed send.
package chatretry

// State is the retry candidate of one chat session. The message is recorded
// before every attempt, cleared when the attempt succeeds and kept when it
// fails.
type State struct {
	LastFailedMessage  string `json:"lastFailedMessage,omitempty"`
	LastFailedThreadID string `json:"lastFailedThreadId,omitempty"`
	Failed             bool   `json:"failed"`
}

// BeginAttempt records the message about to be sent.
func (s *State) BeginAttempt(message, threadID string) {
	s.LastFailedMessage = message
	s.LastFailedThreadID = threadID
	s.Failed = false
}

func (s *State) HandleSendSuccess() {
	*s = State{}
}

func (s *State) HandleSendFailure() {
	s.Failed = true
}

// Dismiss drops the candidate without retrying it.
func (s *State) Dismiss() {
	*s = State{}
}

func (s State) ShouldShowRetryPopup() bool {
	return s.Failed && s.LastFailedMessage != "" && s.LastFailedThreadID != ""
}
