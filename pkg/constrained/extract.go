package constrained

import (
	"encoding/json"
	"errors"
	"strings"
)

// ErrNoJSON is returned by Extract when the text holds no balanced JSON
// object or array.
var ErrNoJSON = errors.New("no JSON object or array found")

// Extract returns the JSON document embedded in a model reply.
//
// The reply may wrap the document in prose or a fenced code block. Extract
// scans for top-level balanced {...} or [...] spans, skipping brackets that
// appear inside JSON strings. Among the spans that are valid JSON it returns
// the first object, so a bracketed citation ahead of the payload is not
// mistaken for it; with no valid object it returns the largest valid span.
// When no span parses it returns the longest one so the caller can report why.
func Extract(text string) (string, error) {
	var largest, longest string
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '{' && c != '[' {
			continue
		}
		end := matchBracket(text, i)
		if end < 0 {
			continue
		}
		span := text[i : end+1]
		i = end
		if !json.Valid([]byte(span)) {
			if len(span) > len(longest) {
				longest = span
			}
			continue
		}
		if c == '{' {
			return span, nil
		}
		if len(span) > len(largest) {
			largest = span
		}
	}
	switch {
	case largest != "":
		return largest, nil
	case longest != "":
		return longest, nil
	}
	if trimmed := strings.TrimSpace(text); trimmed != "" && json.Valid([]byte(trimmed)) {
		return trimmed, nil
	}
	return "", ErrNoJSON
}

// matchBracket returns the index of the bracket closing the one at start, or
// -1 when the span never balances.
func matchBracket(text string, start int) int {
	var stack []byte
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != c {
				return -1
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return i
			}
		}
	}
	return -1
}
