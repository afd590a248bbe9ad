// Package prettyjson renders opaque JSON payloads for display.
package prettyjson

import (
	"bytes"
	"fmt"

	json "github.com/goccy/go-json"
)

// Indent is the indentation used for every rendered payload.
const Indent = "  "

// Format re-indents raw JSON with two-space indentation. Empty input renders
// as an empty string.
func Format(raw []byte) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return "", nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", Indent); err != nil {
		return "", fmt.Errorf("indent json: %w", err)
	}
	return buf.String(), nil
}

// MustFormat is Format for display paths that cannot report an error. Input
// that is not valid JSON is returned unchanged.
func MustFormat(raw []byte) string {
	s, err := Format(raw)
	if err != nil {
		return string(raw)
	}
	return s
}

// Marshal encodes v with the display indentation.
func Marshal(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", Indent)
}

// Valid reports whether raw is well-formed JSON.
func Valid(raw []byte) bool {
	return json.Valid(raw)
}
