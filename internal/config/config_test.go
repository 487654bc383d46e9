package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertgumeny/rollout/internal/config"
)

// writeConfig writes rollout.yaml into a temp dir and returns its path.
func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// ---------------------------------------------------------------------------
// Load tests
// ---------------------------------------------------------------------------

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "rollout.yaml"))
	require.NoError(t, err)
	assert.Equal(t, config.Defaults(), *cfg)
	assert.Equal(t, 3, cfg.MaxAttempts)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, "agent_command: my-agent --go\nmax_attempts: 5\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "my-agent --go", cfg.AgentCommand)
	assert.Equal(t, 5, cfg.MaxAttempts)
	assert.Equal(t, config.DefaultRuntimeFolder, cfg.RuntimeFolder)
	assert.Equal(t, config.DefaultTestShell, cfg.TestShell)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "max_attempts: 5\nresume: false\n")
	t.Setenv("ROLLOUT_MAX_ATTEMPTS", "2")
	t.Setenv("ROLLOUT_RESUME", "true")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.MaxAttempts)
	assert.True(t, cfg.Resume)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeConfig(t, "max_attempts: [unclosed")
	_, err := config.Load(path)
	assert.Error(t, err)
}

func TestLoad_InvalidValuesRejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"zero attempts", "max_attempts: 0\n"},
		{"unknown agent kind", "agent_kind: telepathy\n"},
		{"empty command", "agent_command: \"  \"\n"},
		{"zero commit0 iterations", "commit0_iterations: 0\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestValidate_OpenHandsFallsBackToEnv(t *testing.T) {
	t.Setenv("OPENHANDS_CONFIG_PATH", "/opt/openhands/config.toml")
	cfg := config.Defaults()
	cfg.AgentKind = config.AgentKindOpenHands
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/opt/openhands/config.toml", cfg.OpenHandsConfig)
}
