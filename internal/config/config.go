package config

import (
	"fmt"
	"time"
)

// Config represents the main ava configuration
type Config struct {
	// Conversation engine
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Model providers
	Models ModelsConfig `json:"models" mapstructure:"models"`

	// Knowledge store (vector similarity search)
	Knowledge KnowledgeConfig `json:"knowledge" mapstructure:"knowledge"`

	// Record store (structured records)
	Records RecordsConfig `json:"records" mapstructure:"records"`

	// HTTP API
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// EngineConfig holds the per-session conversation settings
type EngineConfig struct {
	Strategy         string `json:"strategy" mapstructure:"strategy"` // direct, agent, graph
	MaxIterations    int    `json:"max_iterations" mapstructure:"max_iterations"`
	MaxRetries       int    `json:"max_retries" mapstructure:"max_retries"`
	ToolTimeoutMs    int    `json:"tool_timeout_ms" mapstructure:"tool_timeout_ms"`
	ToolCallBudget   int    `json:"tool_call_budget" mapstructure:"tool_call_budget"`
	HistoryTurnLimit int    `json:"history_turn_limit" mapstructure:"history_turn_limit"`
	SessionTTLHours  int    `json:"session_ttl_hours" mapstructure:"session_ttl_hours"`
	GraphStepLimit   int    `json:"graph_step_limit" mapstructure:"graph_step_limit"`
}

// ToolTimeout returns the per-call tool timeout as a duration
func (e EngineConfig) ToolTimeout() time.Duration {
	return time.Duration(e.ToolTimeoutMs) * time.Millisecond
}

// SessionTTL returns the session time-to-live as a duration
func (e EngineConfig) SessionTTL() time.Duration {
	return time.Duration(e.SessionTTLHours) * time.Hour
}

// ModelsConfig holds model provider configuration
type ModelsConfig struct {
	Provider     string  `json:"provider" mapstructure:"provider"` // openai, anthropic
	Model        string  `json:"model" mapstructure:"model"`
	Temperature  float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int     `json:"max_tokens" mapstructure:"max_tokens"`
	OpenAIKey    string  `json:"openai_api_key" mapstructure:"openai_api_key"`
	AnthropicKey string  `json:"anthropic_api_key" mapstructure:"anthropic_api_key"`
	SystemPrompt string  `json:"system_prompt" mapstructure:"system_prompt"`
}

// KnowledgeConfig holds vector store configuration
type KnowledgeConfig struct {
	DBPath         string `json:"db_path" mapstructure:"db_path"`
	EmbeddingModel string `json:"embedding_model" mapstructure:"embedding_model"`
	SearchK        int    `json:"search_k" mapstructure:"search_k"`
}

// RecordsConfig holds record store configuration
type RecordsConfig struct {
	DBPath string `json:"db_path" mapstructure:"db_path"`
	Seed   bool   `json:"seed" mapstructure:"seed"`
}

// ServerConfig holds HTTP API configuration
type ServerConfig struct {
	Host string `json:"host" mapstructure:"host"`
	Port int    `json:"port" mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a configuration with sane defaults
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Strategy:         "agent",
			MaxIterations:    5,
			MaxRetries:       2,
			ToolTimeoutMs:    30000,
			ToolCallBudget:   8,
			HistoryTurnLimit: 50,
			SessionTTLHours:  24,
			GraphStepLimit:   16,
		},
		Models: ModelsConfig{
			Provider:    "openai",
			Model:       "gpt-4.1",
			Temperature: 0.3,
			MaxTokens:   4096,
		},
		Knowledge: KnowledgeConfig{
			EmbeddingModel: "text-embedding-3-small",
			SearchK:        3,
		},
		Records: RecordsConfig{
			Seed: true,
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			Redaction: true,
		},
	}
}

// String returns a printable summary without secrets
func (c *Config) String() string {
	return fmt.Sprintf("Config{strategy=%s provider=%s model=%s port=%d}",
		c.Engine.Strategy, c.Models.Provider, c.Models.Model, c.Server.Port)
}
