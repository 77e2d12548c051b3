// Package jsontree normalizes arbitrary Go values into the generic JSON tree
// used for task results: map[string]any, []any, string, json.Number, bool and nil.
package jsontree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// Normalize round-trips v through JSON so that values produced in memory and
// values restored from disk have exactly the same shape.
func Normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal value: %w", err)
	}
	return Decode(data)
}

// Decode parses data into a tree, keeping numbers as json.Number so integers
// beyond float64 precision survive.
func Decode(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("decode value: trailing content")
	}
	return out, nil
}

// Clone deep-copies a normalized tree. Leaves are immutable so only maps and
// slices are copied.
func Clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = Clone(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = Clone(e)
		}
		return out
	default:
		return v
	}
}

// CloneMap deep-copies a context map.
func CloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = Clone(v)
	}
	return out
}
