package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// marshalPayload converts a command or event to JSON TEXT for storage.
// HTML escaping is disabled so filter titles like "A&B" stay readable in
// traces.
func marshalPayload(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	// Encoder adds a trailing newline.
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalPayload parses a stored payload into a generic map. Numbers are
// kept as json.Number.
func unmarshalPayload(data string) (map[string]any, error) {
	out := map[string]any{}
	if data == "" || data == "{}" || data == "null" {
		return out, nil
	}
	dec := json.NewDecoder(strings.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return out, nil
}
