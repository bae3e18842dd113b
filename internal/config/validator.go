package config

import (
	"fmt"
	"strings"
)

var validStrategies = map[string]bool{
	"direct": true,
	"agent":  true,
	"graph":  true,
}

var validProviders = map[string]bool{
	"openai":    true,
	"anthropic": true,
}

// Validate checks the configuration for errors. All problems are collected
// so the operator sees every offending field at once.
func (c *Config) Validate() error {
	var problems []string

	if !validStrategies[c.Engine.Strategy] {
		problems = append(problems, fmt.Sprintf("engine.strategy: unknown strategy %q (want direct, agent, or graph)", c.Engine.Strategy))
	}
	if c.Engine.MaxIterations <= 0 {
		problems = append(problems, "engine.max_iterations: must be positive")
	}
	if c.Engine.MaxRetries < 0 {
		problems = append(problems, "engine.max_retries: cannot be negative")
	}
	if c.Engine.ToolTimeoutMs <= 0 {
		problems = append(problems, "engine.tool_timeout_ms: must be positive")
	}
	if c.Engine.ToolCallBudget <= 0 {
		problems = append(problems, "engine.tool_call_budget: must be positive")
	}
	if c.Engine.HistoryTurnLimit <= 0 {
		problems = append(problems, "engine.history_turn_limit: must be positive")
	}
	if c.Engine.GraphStepLimit <= 0 {
		problems = append(problems, "engine.graph_step_limit: must be positive")
	}

	if !validProviders[c.Models.Provider] {
		problems = append(problems, fmt.Sprintf("models.provider: unknown provider %q (want openai or anthropic)", c.Models.Provider))
	}
	if c.Models.Model == "" {
		problems = append(problems, "models.model: cannot be empty")
	}
	if c.Models.Temperature < 0 || c.Models.Temperature > 1 {
		problems = append(problems, "models.temperature: must be between 0 and 1")
	}
	if c.Models.MaxTokens < 0 {
		problems = append(problems, "models.max_tokens: cannot be negative")
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port: invalid port %d", c.Server.Port))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}
