package backend

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

// maxDetailLen bounds how much of an unstructured error body is surfaced.
const maxDetailLen = 300

// RequestError is the single failure type returned by Client. It covers
// transport failures, non-2xx statuses and malformed response bodies alike.
type RequestError struct {
	Op         string
	StatusCode int
	Detail     string
	Err        error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason())
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

// Reason returns the human-readable cause without the operation prefix.
func (e *RequestError) Reason() string {
	switch {
	case e.StatusCode != 0 && e.Detail != "":
		return fmt.Sprintf("status %d: %s", e.StatusCode, e.Detail)
	case e.StatusCode != 0:
		return fmt.Sprintf("status %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
	case e.Err != nil:
		return e.Err.Error()
	case e.Detail != "":
		return e.Detail
	default:
		return "request failed"
	}
}

// errorBody covers the two error shapes the backend may produce: a FastAPI
// style {"detail": ...} and a FHIR OperationOutcome relayed from upstream.
type errorBody struct {
	Detail json.RawMessage `json:"detail"`
	Issue  []struct {
		Diagnostics string `json:"diagnostics"`
	} `json:"issue"`
}

type validationIssue struct {
	Loc []interface{} `json:"loc"`
	Msg string        `json:"msg"`
}

// extractDetail pulls a readable message out of an error response body.
func extractDetail(body []byte) string {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return ""
	}

	var eb errorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if len(eb.Detail) > 0 {
			var s string
			if err := json.Unmarshal(eb.Detail, &s); err == nil {
				return s
			}
			var issues []validationIssue
			if err := json.Unmarshal(eb.Detail, &issues); err == nil && len(issues) > 0 {
				msgs := make([]string, 0, len(issues))
				for _, is := range issues {
					msgs = append(msgs, formatIssue(is))
				}
				return strings.Join(msgs, "; ")
			}
			return truncate(string(eb.Detail))
		}
		if len(eb.Issue) > 0 && eb.Issue[0].Diagnostics != "" {
			return eb.Issue[0].Diagnostics
		}
	}

	return truncate(string(body))
}

func formatIssue(is validationIssue) string {
	if len(is.Loc) == 0 {
		return is.Msg
	}
	parts := make([]string, 0, len(is.Loc))
	for _, l := range is.Loc {
		parts = append(parts, fmt.Sprint(l))
	}
	return strings.Join(parts, ".") + ": " + is.Msg
}

func truncate(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > maxDetailLen {
		n := maxDetailLen
		for n > 0 && !utf8.RuneStart(s[n]) {
			n--
		}
		return s[:n] + "..."
	}
	return s
}
