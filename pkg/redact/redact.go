// Package redact implements the recursive, type-agnostic JSON redaction
// applied before a request or response body is persisted or logged: walk
// any decoded JSON value, redact base64 data-URLs and input_audio.data
// payloads wherever they appear, and leave everything else untouched.
package redact

import (
	"fmt"
	"strings"
)

const dataURLPrefix = "data:"

// Body walks a JSON-decoded value (the result of json.Unmarshal into
// any — so map[string]any, []any, string, float64, bool, nil) and returns
// a redacted copy. The input is not mutated.
func Body(v any) any {
	return redactValue(v, "")
}

// redactValue walks v, tracking the dotted path of map keys traversed so
// far so input_audio.data can be matched by its exact field path rather
// than by field name alone.
func redactValue(v any, path string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			childPath := k
			if path != "" {
				childPath = path + "." + k
			}
			out[k] = redactValue(val, childPath)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val, path)
		}
		return out
	case string:
		if strings.HasSuffix(path, "input_audio.data") {
			return redactedPlaceholder("base64", len(t))
		}
		if isDataURL(t) {
			return redactedPlaceholder("data-url", len(t))
		}
		return t
	default:
		return v
	}
}

// isDataURL reports whether s matches ^data:[^;]+;base64,.
func isDataURL(s string) bool {
	if !strings.HasPrefix(s, dataURLPrefix) {
		return false
	}
	rest := s[len(dataURLPrefix):]
	semi := strings.IndexByte(rest, ';')
	if semi <= 0 {
		return false
	}
	return strings.HasPrefix(rest[semi:], ";base64,")
}

func redactedPlaceholder(kind string, n int) string {
	return fmt.Sprintf("[redacted %s len=%d]", kind, n)
}
