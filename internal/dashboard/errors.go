package dashboard

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrBusy is returned when an action is submitted while another one is in
// flight for the same session.
var ErrBusy = errors.New("another request is in progress")

// ErrSessionNotFound is returned by the store for unknown or evicted ids.
var ErrSessionNotFound = errors.New("session not found")

// ValidationError reports input problems found before any backend call.
// Fields maps form field names to messages.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	return e.Message()
}

// Message returns the first message in field order.
func (e *ValidationError) Message() string {
	if len(e.Fields) == 0 {
		return "invalid input"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	msgs := make([]string, 0, len(keys))
	for _, k := range keys {
		msgs = append(msgs, e.Fields[k])
	}
	return strings.Join(msgs, "; ")
}

// RequestFailedError wraps a backend failure with the action that caused it.
// The banner text is Error().
type RequestFailedError struct {
	Action Action
	Reason string
	Err    error
}

func (e *RequestFailedError) Error() string {
	return fmt.Sprintf("%s: %s", e.Action.Label(), e.Reason)
}

func (e *RequestFailedError) Unwrap() error {
	return e.Err
}
