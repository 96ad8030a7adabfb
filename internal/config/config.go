// Package config loads and saves the per-user configuration file and
// resolves the data root layout (store file, workspace, IPC namespace).
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/batchismo/batchismo/internal/policy"
)

// Config is the on-disk configuration at <root>/config.yaml.
type Config struct {
	Agent   AgentConfig         `yaml:"agent"`
	Gateway GatewayConfig       `yaml:"gateway"`
	Memory  MemoryConfig        `yaml:"memory"`
	Sandbox SandboxConfig       `yaml:"sandbox"`
	Paths   []policy.PathPolicy `yaml:"paths"`
	APIKeys APIKeys             `yaml:"api_keys"`
}

// AgentConfig configures the assistant identity and model.
type AgentConfig struct {
	Name          string   `yaml:"name"`
	Model         string   `yaml:"model"`
	ThinkingLevel string   `yaml:"thinking_level"`
	DisabledTools []string `yaml:"disabled_tools"`
}

// GatewayConfig configures the gateway runtime.
type GatewayConfig struct {
	LogLevel string `yaml:"log_level"`
}

// MemoryConfig configures workspace memory handling. The consolidation
// workflow itself runs outside the runtime core.
type MemoryConfig struct {
	UpdateMode string `yaml:"update_mode"` // auto | review | manual
}

// SandboxConfig bounds agent resource usage.
type SandboxConfig struct {
	MaxConcurrentSubagents int `yaml:"max_concurrent_subagents"`
}

// APIKeys holds provider credentials. Environment variables win over the
// file so keys can be kept out of it entirely.
type APIKeys struct {
	Anthropic string `yaml:"anthropic,omitempty"`
}

// AnthropicKey returns the Anthropic API key, preferring the environment.
func (k APIKeys) AnthropicKey() string {
	if env := os.Getenv("ANTHROPIC_API_KEY"); env != "" {
		return env
	}
	return k.Anthropic
}

// Default returns the configuration used when no file exists yet.
func Default() *Config {
	return &Config{
		Agent: AgentConfig{
			Name:          "Aria",
			Model:         "claude-sonnet-4-6",
			ThinkingLevel: "medium",
		},
		Gateway: GatewayConfig{LogLevel: "info"},
		Memory:  MemoryConfig{UpdateMode: "auto"},
		Sandbox: SandboxConfig{MaxConcurrentSubagents: 5},
	}
}

// DataRoot returns the per-user data directory. BATCHISMO_HOME overrides the
// default of ~/.batchismo.
func DataRoot() string {
	if dir := os.Getenv("BATCHISMO_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".batchismo"
	}
	return filepath.Join(home, ".batchismo")
}

// FilePath returns the config file path under the given data root.
func FilePath(root string) string {
	return filepath.Join(root, "config.yaml")
}

// StorePath returns the SQLite store file path under the given data root.
func StorePath(root string) string {
	return filepath.Join(root, "batchismo.db")
}

// WorkspacePath returns the workspace directory of user-editable markdown
// files under the given data root.
func WorkspacePath(root string) string {
	return filepath.Join(root, "workspace")
}

// IPCPath returns the directory holding per-session socket addresses.
func IPCPath(root string) string {
	return filepath.Join(root, "ipc")
}

// Load reads the config file under root, creating it with defaults when
// missing. Unknown keys are ignored; invalid access levels are rejected.
func Load(root string) (*Config, error) {
	path := FilePath(root)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg := Default()
		if err := Save(root, cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	for _, p := range cfg.Paths {
		if !p.Access.Valid() {
			return nil, fmt.Errorf("config %s: unknown access level %q for path %q", path, p.Access, p.Path)
		}
	}
	return cfg, nil
}

// Save writes the config file under root, creating the directory if needed.
func Save(root string, cfg *Config) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("create data root: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	// 0600: the file may hold an API key.
	if err := os.WriteFile(FilePath(root), data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// DisabledToolSet returns the disabled tools as a lookup set.
func (c *Config) DisabledToolSet() map[string]bool {
	set := make(map[string]bool, len(c.Agent.DisabledTools))
	for _, name := range c.Agent.DisabledTools {
		set[name] = true
	}
	return set
}
