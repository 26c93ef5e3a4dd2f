// Package cloud routes model ids carrying a provider prefix ("openai:",
// "anthropic:", "google:") to that provider's OpenAI-compatible API
// surface, bypassing the endpoint registry entirely. The forwarding,
// streaming, and history/audit recording path is shared with the regular
// proxy; only backend selection differs.
package cloud

import (
	"encoding/json"
	"os"
	"strings"
)

// Provider describes one cloud backend reachable via model-prefix routing.
type Provider struct {
	Name      string // display name, also the prefix without the colon
	BaseURL   string // OpenAI-compatible API root
	APIKeyEnv string // environment variable holding the credential
}

// builtins are the known providers. Google is reached through its
// OpenAI-compatibility layer so the same request shape works unmodified.
var builtins = []Provider{
	{Name: "openai", BaseURL: "https://api.openai.com", APIKeyEnv: "OPENAI_API_KEY"},
	{Name: "anthropic", BaseURL: "https://api.anthropic.com", APIKeyEnv: "ANTHROPIC_API_KEY"},
	{Name: "google", BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai", APIKeyEnv: "GOOGLE_API_KEY"},
}

// Resolve splits a prefixed model id into its provider and the bare model
// name the provider expects. ok is false when the id carries no known
// provider prefix.
func Resolve(modelID string) (Provider, string, bool) {
	i := strings.IndexByte(modelID, ':')
	if i <= 0 {
		return Provider{}, "", false
	}
	prefix := modelID[:i]
	for _, p := range builtins {
		if p.Name == prefix {
			return p, modelID[i+1:], true
		}
	}
	return Provider{}, "", false
}

// Configured reports whether the provider's credential is present in the
// environment.
func (p Provider) Configured() bool {
	return os.Getenv(p.APIKeyEnv) != ""
}

// Credential returns the provider's API key from the environment.
func (p Provider) Credential() string {
	return os.Getenv(p.APIKeyEnv)
}

// RewriteModel re-encodes a JSON request body with its "model" field set
// to model, so the provider sees its own model name without the routing
// prefix. A body that doesn't decode is returned unchanged; the provider
// will reject it with its own error.
func RewriteModel(raw []byte, model string) []byte {
	var body map[string]json.RawMessage
	if err := json.Unmarshal(raw, &body); err != nil {
		return raw
	}
	quoted, err := json.Marshal(model)
	if err != nil {
		return raw
	}
	body["model"] = quoted
	out, err := json.Marshal(body)
	if err != nil {
		return raw
	}
	return out
}

// IsPrefixed reports whether modelID names any known provider, configured
// or not.
func IsPrefixed(modelID string) bool {
	_, _, ok := Resolve(modelID)
	return ok
}
