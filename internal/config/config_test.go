package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchismo/batchismo/internal/policy"
)

func TestLoadCreatesDefaults(t *testing.T) {
	root := t.TempDir()

	cfg, err := Load(root)
	require.NoError(t, err)

	assert.Equal(t, "claude-sonnet-4-6", cfg.Agent.Model)
	assert.Equal(t, "medium", cfg.Agent.ThinkingLevel)
	assert.Equal(t, 5, cfg.Sandbox.MaxConcurrentSubagents)
	assert.FileExists(t, FilePath(root))

	info, err := os.Stat(FilePath(root))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestRoundTrip(t *testing.T) {
	root := t.TempDir()

	cfg := Default()
	cfg.Agent.Name = "Scout"
	cfg.Agent.DisabledTools = []string{"shell_run"}
	cfg.Paths = []policy.PathPolicy{
		{Path: "/work", Access: policy.ReadWrite, Recursive: true, Description: "projects"},
	}
	require.NoError(t, Save(root, cfg))

	loaded, err := Load(root)
	require.NoError(t, err)
	assert.Equal(t, "Scout", loaded.Agent.Name)
	assert.Equal(t, []string{"shell_run"}, loaded.Agent.DisabledTools)
	require.Len(t, loaded.Paths, 1)
	assert.Equal(t, policy.ReadWrite, loaded.Paths[0].Access)
	assert.True(t, loaded.Paths[0].Recursive)
}

func TestLoadRejectsUnknownAccessLevel(t *testing.T) {
	root := t.TempDir()
	raw := "paths:\n  - path: /work\n    access: everything\n    recursive: true\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.yaml"), []byte(raw), 0o600))

	_, err := Load(root)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown access level")
}

func TestAnthropicKeyPrefersEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-env")
	k := APIKeys{Anthropic: "sk-file"}
	assert.Equal(t, "sk-env", k.AnthropicKey())

	t.Setenv("ANTHROPIC_API_KEY", "")
	assert.Equal(t, "sk-file", k.AnthropicKey())
}

func TestDisabledToolSet(t *testing.T) {
	cfg := Default()
	cfg.Agent.DisabledTools = []string{"fs_write", "shell_run"}
	set := cfg.DisabledToolSet()
	assert.True(t, set["fs_write"])
	assert.True(t, set["shell_run"])
	assert.False(t, set["fs_read"])
}
