package models

import (
	"encoding/json"
	"fmt"
)

// Serialize renders a step or workflow output as the JSON text stored in the
// system database. A nil value serializes to "null".
func Serialize(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to serialize value: %w", err)
	}
	return string(data), nil
}

// Deserialize parses recorded JSON text back into raw JSON for the caller.
func Deserialize(s string) json.RawMessage {
	return json.RawMessage(s)
}

// RecordedError is the persistent form of an error raised by a workflow or
// step. Replays rehydrate the recorded message rather than the original
// type; Name preserves the original kind for diagnostics.
type RecordedError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
}

func (e *RecordedError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s", e.Name, e.Message)
	}
	return e.Message
}

// SerializeError renders an error as the JSON text stored in error columns.
func SerializeError(err error) (string, error) {
	re := RecordedError{
		Name:    fmt.Sprintf("%T", err),
		Message: err.Error(),
	}
	data, jerr := json.Marshal(re)
	if jerr != nil {
		return "", fmt.Errorf("failed to serialize error: %w", jerr)
	}
	return string(data), nil
}

// DeserializeError parses a recorded error column back into an error value.
// Unparseable text becomes the message verbatim.
func DeserializeError(s string) error {
	var re RecordedError
	if err := json.Unmarshal([]byte(s), &re); err != nil || re.Message == "" && re.Name == "" {
		return &RecordedError{Message: s}
	}
	return &re
}

// JSONEqual reports whether two JSON documents are structurally equal.
// Used by replay to compare re-executed read-only outputs to recorded ones.
func JSONEqual(a, b string) bool {
	var va, vb any
	if err := json.Unmarshal([]byte(a), &va); err != nil {
		return a == b
	}
	if err := json.Unmarshal([]byte(b), &vb); err != nil {
		return a == b
	}
	na, err := json.Marshal(va)
	if err != nil {
		return false
	}
	nb, err := json.Marshal(vb)
	if err != nil {
		return false
	}
	return string(na) == string(nb)
}
