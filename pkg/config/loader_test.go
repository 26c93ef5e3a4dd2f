package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_DefaultsWithoutFile(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("LLMLB_DATA_DIR", "")
	t.Setenv("DATABASE_DSN", "postgres://test/test")

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Registry.ConsecutiveFailThreshold)
	assert.Equal(t, "postgres://test/test", cfg.Database.DSN)
}

func TestInitialize_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_DSN", "postgres://test/test")
	yaml := []byte("server:\n  port: 9000\nregistry:\n  consecutive_fail_threshold: 5\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "llmlb.yaml"), yaml, 0o644))

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Registry.ConsecutiveFailThreshold)
}

func TestInitialize_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_DSN", "postgres://test/test")
	t.Setenv("LLMLB_PORT", "7777")
	yaml := []byte("server:\n  port: 9000\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "llmlb.yaml"), yaml, 0o644))

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
}

func TestInitialize_ValidationFailsOnMissingDSN(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_DSN", "")

	_, err := Initialize(context.Background(), dir)
	require.Error(t, err)
}

func TestValidate_RejectsBadEMAAlpha(t *testing.T) {
	cfg := Defaults()
	cfg.Database.DSN = "postgres://test/test"
	cfg.Registry.LatencyEMAAlpha = 1.5
	err := validate(cfg)
	require.Error(t, err)
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "registry", ve.Section)
}
