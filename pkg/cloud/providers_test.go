package cloud

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolve_KnownPrefixes(t *testing.T) {
	p, model, ok := Resolve("openai:gpt-4o")
	require.True(t, ok)
	require.Equal(t, "openai", p.Name)
	require.Equal(t, "gpt-4o", model)

	p, model, ok = Resolve("anthropic:claude-sonnet-4-5")
	require.True(t, ok)
	require.Equal(t, "anthropic", p.Name)
	require.Equal(t, "claude-sonnet-4-5", model)
}

func TestResolve_UnknownOrUnprefixedIDs(t *testing.T) {
	_, _, ok := Resolve("llama3")
	require.False(t, ok)

	// Model ids can legitimately contain colons (ollama tags); an unknown
	// prefix is not provider routing.
	_, _, ok = Resolve("llama3:latest")
	require.False(t, ok)

	_, _, ok = Resolve(":gpt-4o")
	require.False(t, ok)
}

func TestConfigured_FollowsEnv(t *testing.T) {
	p, _, ok := Resolve("openai:gpt-4o")
	require.True(t, ok)

	t.Setenv("OPENAI_API_KEY", "")
	require.False(t, p.Configured())

	t.Setenv("OPENAI_API_KEY", "sk-test")
	require.True(t, p.Configured())
	require.Equal(t, "sk-test", p.Credential())
}

func TestRewriteModel_ReplacesOnlyModelField(t *testing.T) {
	in := []byte(`{"model":"openai:gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`)
	out := RewriteModel(in, "gpt-4o")
	require.JSONEq(t, `{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`, string(out))
}

func TestRewriteModel_NonJSONBodyReturnedUnchanged(t *testing.T) {
	in := []byte(`not json`)
	require.Equal(t, in, RewriteModel(in, "gpt-4o"))
}
