package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoader_MissingFileUsesDefaults(t *testing.T) {
	loader := NewLoader(filepath.Join(t.TempDir(), "does-not-exist.json"))

	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "agent", cfg.Engine.Strategy)
	assert.NotEmpty(t, cfg.Knowledge.DBPath)
	assert.NotEmpty(t, cfg.Records.DBPath)
}

func TestLoader_ReadsFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ava.json")

	content := `{
		"engine": {"strategy": "graph", "max_iterations": 7},
		"models": {"provider": "anthropic", "model": "claude-sonnet-4-5"},
		"server": {"port": 9999},
		"data_dir": "` + dir + `"
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "graph", cfg.Engine.Strategy)
	assert.Equal(t, 7, cfg.Engine.MaxIterations)
	assert.Equal(t, "anthropic", cfg.Models.Provider)
	assert.Equal(t, 9999, cfg.Server.Port)

	// Unset fields keep their defaults.
	assert.Equal(t, 2, cfg.Engine.MaxRetries)
	assert.Equal(t, filepath.Join(dir, "knowledge.db"), cfg.Knowledge.DBPath)
}

func TestLoader_MalformedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ava.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0600))

	_, err := NewLoader(path).Load()
	assert.Error(t, err)
}

func TestLoader_EnvAPIKeyFallback(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "sk-test-from-env")

	loader := NewLoader(filepath.Join(t.TempDir(), "missing.json"))
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "sk-test-from-env", cfg.Models.OpenAIKey)
}
