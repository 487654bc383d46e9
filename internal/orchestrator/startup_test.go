package orchestrator_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertgumeny/rollout/internal/config"
	"github.com/robertgumeny/rollout/internal/orchestrator"
)

// pathWith puts executables named bins into a fresh directory and makes it
// the only PATH entry.
func pathWith(t *testing.T, bins ...string) {
	t.Helper()
	dir := t.TempDir()
	for _, b := range bins {
		require.NoError(t, os.WriteFile(filepath.Join(dir, b), []byte("#!/bin/sh\n"), 0o755))
	}
	t.Setenv("PATH", dir)
}

func TestCheckDependencies_AllPresent(t *testing.T) {
	pathWith(t, "my-agent", "bash")
	cfg := config.Defaults()
	cfg.AgentCommand = `my-agent --mode "non interactive" -f {prompt_file}`

	assert.NoError(t, orchestrator.CheckDependencies(&cfg))
}

func TestCheckDependencies_ListsEveryMissingBinary(t *testing.T) {
	pathWith(t)
	cfg := config.Defaults()
	cfg.AgentCommand = "nonexistent-agent-abc789 {prompt_file}"

	err := orchestrator.CheckDependencies(&cfg, "python-xyz")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nonexistent-agent-abc789")
	assert.Contains(t, err.Error(), "bash")
	assert.Contains(t, err.Error(), "python-xyz")
}

func TestCheckDependencies_OpenHandsNeedsPoetry(t *testing.T) {
	pathWith(t, "bash")
	cfg := config.Defaults()
	cfg.AgentKind = config.AgentKindOpenHands

	err := orchestrator.CheckDependencies(&cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "poetry")
}

func TestCheckDependencies_EmptyAgentCommand(t *testing.T) {
	pathWith(t, "bash")
	cfg := config.Defaults()
	cfg.AgentCommand = "   "

	assert.Error(t, orchestrator.CheckDependencies(&cfg))
}
