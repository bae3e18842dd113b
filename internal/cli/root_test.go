package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olehsavchenko/ava/internal/config"
)

func TestRootCommand(t *testing.T) {
	root := GetRootCmd()
	assert.Equal(t, "ava", root.Use)
	assert.Equal(t, version, root.Version)
}

func TestServeCommandRegistered(t *testing.T) {
	root := GetRootCmd()

	var names []string
	for _, cmd := range root.Commands() {
		names = append(names, cmd.Name())
	}
	assert.Contains(t, names, "serve")
}

func TestBuildProvider(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Models.Provider = "openai"
	cfg.Models.OpenAIKey = ""
	_, err := buildProvider(cfg)
	assert.ErrorContains(t, err, "no API key")

	cfg.Models.OpenAIKey = "sk-test"
	provider, err := buildProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "openai", provider.Name())

	cfg.Models.Provider = "anthropic"
	cfg.Models.AnthropicKey = "sk-ant-test"
	provider, err = buildProvider(cfg)
	require.NoError(t, err)
	assert.Equal(t, "anthropic", provider.Name())
}
