package redact

import "encoding/json"

// JSONBytes decodes raw JSON, redacts it, and re-encodes it. If raw isn't
// valid JSON it's returned unchanged — callers fall back to
// storing the original bytes rather than failing the request over a body
// they can't redact.
func JSONBytes(raw []byte) []byte {
	if len(raw) == 0 {
		return raw
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(Body(v))
	if err != nil {
		return raw
	}
	return out
}
