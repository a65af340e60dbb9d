// Package jsonx extracts JSON payloads from LLM completion text.
//
// Models wrap JSON in prose and code fences more often than not, so the
// decoders here locate the outermost balanced brace or bracket span
// before unmarshaling. Callers keep their own degraded fallback when
// extraction or decoding fails.
package jsonx

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when no balanced JSON span is found in the text.
var ErrNoJSON = fmt.Errorf("no JSON value found in text")

// ExtractObject returns the outermost balanced {...} span in text.
func ExtractObject(text string) (string, bool) {
	return extract(text, '{', '}')
}

// ExtractArray returns the outermost balanced [...] span in text.
func ExtractArray(text string) (string, bool) {
	return extract(text, '[', ']')
}

// extract scans from the first open delimiter to its matching close,
// skipping delimiters inside JSON strings.
func extract(text string, open, close byte) (string, bool) {
	start := strings.IndexByte(text, open)
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// UnmarshalObject extracts the outermost JSON object from text and
// decodes it into v.
func UnmarshalObject(text string, v interface{}) error {
	span, ok := ExtractObject(text)
	if !ok {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(span), v); err != nil {
		return fmt.Errorf("decode object: %w", err)
	}
	return nil
}

// UnmarshalArray extracts the outermost JSON array from text and
// decodes it into v.
func UnmarshalArray(text string, v interface{}) error {
	span, ok := ExtractArray(text)
	if !ok {
		return ErrNoJSON
	}
	if err := json.Unmarshal([]byte(span), v); err != nil {
		return fmt.Errorf("decode array: %w", err)
	}
	return nil
}
