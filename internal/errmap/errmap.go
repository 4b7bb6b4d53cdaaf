// SPDX-License-Identifier: Apache-2.0

// Package errmap turns internal errors into messages that are safe to show
// to end users.
package errmap

import (
	"net/http"
	"regexp"
	"strings"
)

var sensitivePatterns = []*regexp.Regexp{
	// stack traces
	regexp.MustCompile(`goroutine \d+ \[`),
	regexp.MustCompile(`(?m)^\s+at\s+\S+`),
	regexp.MustCompile(`\.go:\d+`),
	regexp.MustCompile(`(?i)\bpanic:`),
	// connection strings with credentials
	regexp.MustCompile(`\b[a-zA-Z][a-zA-Z0-9+.-]*://[^\s/@]+:[^\s/@]*@\S+`),
	regexp.MustCompile(`(?i)\b(password|passwd|pwd|secret|api[_-]?key)\s*[=:]\s*\S+`),
	// filesystem paths
	regexp.MustCompile(`(?:^|[\s"'(])(?:/[\w.@-]+){2,}`),
	regexp.MustCompile(`\b[A-Za-z]:\\[^\s]+`),
	// internal hostnames and private addresses
	regexp.MustCompile(`(?i)\b[\w-]+(?:\.[\w-]+)*\.(?:internal|local|localdomain|svc|cluster\.local|corp|lan)\b`),
	regexp.MustCompile(`\b(?:10|127)(?:\.\d{1,3}){3}\b`),
	regexp.MustCompile(`\b192\.168(?:\.\d{1,3}){2}\b`),
	regexp.MustCompile(`\b172\.(?:1[6-9]|2\d|3[01])(?:\.\d{1,3}){2}\b`),
	regexp.MustCompile(`(?i)\blocalhost(?::\d+)?\b`),
	regexp.MustCompile(`(?i)\bdial tcp\b`),
}

// Message returns the generic message for a status class.
func Message(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return "The request was invalid. Please check your input and try again."
	case status == http.StatusUnauthorized:
		return "Your session has expired. Please sign in again."
	case status == http.StatusForbidden:
		return "You do not have access to this resource."
	case status == http.StatusNotFound:
		return "The requested resource was not found."
	case status == http.StatusConflict:
		return "The request conflicts with an operation already in progress."
	case status == http.StatusTooManyRequests:
		return "Too many requests. Please wait a moment and try again."
	case status >= 500:
		return "Something went wrong on our side. Please try again."
	case status >= 400:
		return "The request could not be completed."
	default:
		return "Something went wrong. Please try again."
	}
}

// ContainsSensitive reports whether msg leaks implementation details.
func ContainsSensitive(msg string) bool {
	for _, re := range sensitivePatterns {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// Sanitize returns msg when it is safe to show and the generic message for
// status otherwise.
func Sanitize(status int, msg string) string {
	msg = strings.TrimSpace(msg)
	if msg == "" || ContainsSensitive(msg) {
		return Message(status)
	}
	return msg
}

// Public is Sanitize for an error value.
func Public(status int, err error) string {
	if err == nil {
		return Message(status)
	}
	return Sanitize(status, err.Error())
}
