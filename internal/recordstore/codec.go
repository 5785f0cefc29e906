package recordstore

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Decode unmarshals the value under key into v. A missing or null key
// leaves v untouched.
func Decode(doc Document, key string, v any) error {
	raw, ok := doc[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode %q: %w", key, err)
	}
	return nil
}

// Encode marshals v under key.
func Encode(doc Document, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %q: %w", key, err)
	}
	doc[key] = raw
	return nil
}
