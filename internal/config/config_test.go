package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "agent", cfg.Engine.Strategy)
	assert.Equal(t, 5, cfg.Engine.MaxIterations)
	assert.Equal(t, 30*time.Second, cfg.Engine.ToolTimeout())
	assert.Equal(t, 24*time.Hour, cfg.Engine.SessionTTL())
	assert.NoError(t, cfg.Validate())
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Engine.Strategy = "psychic"
	cfg.Engine.MaxIterations = 0
	cfg.Models.Provider = "carrier-pigeon"
	cfg.Server.Port = -1

	err := cfg.Validate()
	assert.Error(t, err)

	// Every offending field is reported, not just the first.
	assert.Contains(t, err.Error(), "engine.strategy")
	assert.Contains(t, err.Error(), "engine.max_iterations")
	assert.Contains(t, err.Error(), "models.provider")
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidate_Strategies(t *testing.T) {
	for _, strategy := range []string{"direct", "agent", "graph"} {
		cfg := DefaultConfig()
		cfg.Engine.Strategy = strategy
		assert.NoError(t, cfg.Validate(), strategy)
	}
}

func TestValidate_Temperature(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Models.Temperature = 1.5

	err := cfg.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "models.temperature")
}
