package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/types"
)

// OpenHandsConfigEnv names the environment variable consulted when no
// OpenHands config path is configured.
const OpenHandsConfigEnv = "OPENHANDS_CONFIG_PATH"

// OpenHands config keys rewritten for every invocation.
const (
	keyWorkspaceBase  = "workspace_base"
	keyTrajectoryPath = "save_trajectory_path"
	keyCompletions    = "log_completions_folder"
)

// OpenHandsGateway drives a local OpenHands checkout.
//
// OpenHands cannot be pointed at a workspace through arguments, so every
// invocation writes a private copy of config.toml into the log directory with
// the workspace and log paths rewritten. The shared config file is never
// modified.
type OpenHandsGateway struct {
	// ConfigPath is the OpenHands config.toml. Its directory is the OpenHands
	// checkout the agent runs from.
	ConfigPath string
	// Poetry is the poetry executable (default "poetry").
	Poetry    string
	PromptDir string
	Output    io.Writer
}

// NewOpenHandsGateway returns a gateway for the config at configPath, falling
// back to $OPENHANDS_CONFIG_PATH.
func NewOpenHandsGateway(configPath, promptDir string) (*OpenHandsGateway, error) {
	if configPath == "" {
		configPath = os.Getenv(OpenHandsConfigEnv)
	}
	if configPath == "" {
		return nil, fmt.Errorf("openhands config path is required: set openhands_config or %s", OpenHandsConfigEnv)
	}
	abs, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("resolve openhands config: %w", err)
	}
	return &OpenHandsGateway{ConfigPath: abs, Poetry: "poetry", PromptDir: promptDir}, nil
}

// Invoke runs OpenHands for goal against ws.
//
// Sequence:
//  1. Render the goal's prompt into {LogDir}/prompt.md.
//  2. Write {LogDir}/config.toml with workspace_base = ws.Root,
//     save_trajectory_path = {LogDir}/trajectories and
//     log_completions_folder = {LogDir}/log_completions.
//  3. Run `poetry run python -m openhands.core.main -t <prompt> --config-file <copy>`
//     from the OpenHands directory.
//  4. Load the trace from {LogDir}/log_completions.
func (g *OpenHandsGateway) Invoke(ctx context.Context, goal types.Goal, ws types.Workspace, in Context) (types.Workspace, types.ExecutionTrace, error) {
	if !goal.Valid() {
		return ws, types.ExecutionTrace{}, invocationError(goal, ws, fmt.Errorf("%w %q", ErrUnknownGoal, goal))
	}
	prompt, _, err := WritePrompt(goal, ws, in, g.PromptDir)
	if err != nil {
		return ws, types.ExecutionTrace{}, invocationError(goal, ws, err)
	}
	configCopy, err := WriteOpenHandsConfig(g.ConfigPath, in.LogDir, ws.Root)
	if err != nil {
		return ws, types.ExecutionTrace{}, invocationError(goal, ws, err)
	}

	poetry := g.Poetry
	if poetry == "" {
		poetry = "poetry"
	}
	argv := []string{poetry, "run", "python", "-m", "openhands.core.main", "-t", prompt, "--config-file", configCopy}
	duration, err := runLogged(ctx, argv, filepath.Dir(g.ConfigPath), os.Environ(), in.LogDir, g.Output)
	if err != nil {
		return ws, types.ExecutionTrace{}, invocationError(goal, ws, err)
	}
	log.Info("openhands finished", zap.String("goal", string(goal)), zap.Duration("duration", duration))

	trace, err := LoadCompletionTrace(filepath.Join(in.LogDir, CompletionsDirName))
	if err != nil {
		return ws, types.ExecutionTrace{}, invocationError(goal, ws, err)
	}
	trace.Goal = goal
	return ws, trace, nil
}

// WriteOpenHandsConfig writes a copy of the config at src into
// {logDir}/config.toml with the workspace and log locations rewritten, and
// returns the copy's path. Keys are rewritten in whichever table they appear;
// missing keys are added to [core] and [llm].
func WriteOpenHandsConfig(src, logDir, workspace string) (string, error) {
	cfg := map[string]any{}
	if _, err := toml.DecodeFile(src, &cfg); err != nil {
		return "", fmt.Errorf("read openhands config %s: %w", src, err)
	}

	overrides := map[string]string{
		keyWorkspaceBase:  workspace,
		keyTrajectoryPath: filepath.Join(logDir, TrajectoriesDirName),
		keyCompletions:    filepath.Join(logDir, CompletionsDirName),
	}
	found := rewriteKeys(cfg, overrides)

	defaults := map[string]string{
		keyWorkspaceBase:  "core",
		keyTrajectoryPath: "core",
		keyCompletions:    "llm",
	}
	for key, table := range defaults {
		if found[key] {
			continue
		}
		t, ok := cfg[table].(map[string]any)
		if !ok {
			t = map[string]any{}
			cfg[table] = t
		}
		t[key] = overrides[key]
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return "", fmt.Errorf("create log directory %s: %w", logDir, err)
	}
	dst := filepath.Join(logDir, "config.toml")
	f, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", dst, err)
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return "", fmt.Errorf("encode openhands config: %w", err)
	}
	return dst, nil
}

// rewriteKeys replaces every occurrence of the override keys in m and its
// nested tables, and reports which keys were seen.
func rewriteKeys(m map[string]any, overrides map[string]string) map[string]bool {
	found := map[string]bool{}
	var walk func(map[string]any)
	walk = func(t map[string]any) {
		for k, v := range t {
			if val, ok := overrides[k]; ok {
				t[k] = val
				found[k] = true
				continue
			}
			switch nested := v.(type) {
			case map[string]any:
				walk(nested)
			case []map[string]any:
				for _, n := range nested {
					walk(n)
				}
			}
		}
	}
	walk(m)
	return found
}
