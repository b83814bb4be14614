package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Canonical re-serializes a JSON value with object keys sorted and numbers
// kept verbatim, so identical payloads yield byte-identical lines regardless
// of the field order the provider used.
func Canonical(raw []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return "", fmt.Errorf("decode json value: %w", err)
	}

	var out bytes.Buffer
	enc := json.NewEncoder(&out)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(value); err != nil {
		return "", fmt.Errorf("encode canonical json: %w", err)
	}
	return string(bytes.TrimRight(out.Bytes(), "\n")), nil
}
