// Package config loads the client-level configuration and the agent
// manifests that select tools, permissions, resources and MCP servers
// for a chat session.
package config

import (
	"os"
	"path/filepath"

	"github.com/m4xw311/qagent/errors"
	"gopkg.in/yaml.v3"
)

// Config is the client-level configuration. Agent manifests (see
// agent.go) carry the per-agent tool and permission settings; this file
// only selects the backend and global defaults.
type Config struct {
	// Provider selects the backend transport variant: "bedrock",
	// "anthropic", "openai" or "gemini". Defaults to "bedrock".
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`

	// DefaultAgent is used when --agent is not given.
	DefaultAgent string `yaml:"default_agent"`

	// LogLevel sets the log level when Q_LOG_LEVEL is not set; the
	// environment variable takes precedence.
	LogLevel string `yaml:"log_level"`
}

// Dir returns the configuration directory, honoring Q_CONFIG_DIR.
func Dir() (string, error) {
	if dir := os.Getenv("Q_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrapf(err, "could not resolve home directory")
	}
	return filepath.Join(home, ".aws", "amazonq"), nil
}

// DataDir returns the directory for persistent state (database,
// knowledge store): amazonq under the user configuration directory, or
// under ~/.local/share when that directory cannot be resolved.
func DataDir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", errors.Wrapf(err, "could not resolve data directory")
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "amazonq"), nil
}

// LoadConfig loads configuration from the user config directory and the
// current working directory, with the latter taking precedence.
func LoadConfig() (*Config, error) {
	cfg := &Config{Provider: "bedrock"}

	dir, err := Dir()
	if err == nil {
		userConfigPath := filepath.Join(dir, "config.yaml")
		if _, err := os.Stat(userConfigPath); err == nil {
			if err := loadFromFile(userConfigPath, cfg); err != nil {
				return nil, errors.Wrapf(err, "error loading user config")
			}
		}
	}

	wd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrapf(err, "could not get working directory")
	}
	projectConfigPath := filepath.Join(wd, ".amazonq", "config.yaml")
	if _, err := os.Stat(projectConfigPath); err == nil {
		if err := loadFromFile(projectConfigPath, cfg); err != nil {
			return nil, errors.Wrapf(err, "error loading project config")
		}
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal overwrites fields present in the YAML, so the project
	// config replaces user-level values field by field.
	return yaml.Unmarshal(data, cfg)
}
