package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file
func (l *Loader) Load() (*Config, error) {
	configPath := l.configPath
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".ava", "ava.json")
	}

	// Missing file is not an error; fall back to defaults plus env overrides.
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		applyEnvOverrides(cfg)
		return fillPaths(cfg)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.SetEnvPrefix("AVA")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnvOverrides(cfg)
	return fillPaths(cfg)
}

// applyEnvOverrides picks up API keys from the conventional env variables
// when the config file does not carry them.
func applyEnvOverrides(cfg *Config) {
	if cfg.Models.OpenAIKey == "" {
		cfg.Models.OpenAIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Models.AnthropicKey == "" {
		cfg.Models.AnthropicKey = os.Getenv("ANTHROPIC_API_KEY")
	}
}

// fillPaths derives data-dir-relative paths that were not set explicitly.
func fillPaths(cfg *Config) (*Config, error) {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".ava")
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "ava.log")
	}
	if cfg.Knowledge.DBPath == "" {
		cfg.Knowledge.DBPath = filepath.Join(cfg.DataDir, "knowledge.db")
	}
	if cfg.Records.DBPath == "" {
		cfg.Records.DBPath = filepath.Join(cfg.DataDir, "records.db")
	}

	return cfg, nil
}
