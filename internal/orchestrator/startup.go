package orchestrator

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/robertgumeny/rollout/internal/agent"
	"github.com/robertgumeny/rollout/internal/config"
)

// CheckDependencies verifies that all binaries required for a run are
// available on PATH:
//   - The agent binary from cfg.AgentCommand, or "poetry" when cfg.AgentKind
//     is "openhands"
//   - cfg.TestShell, which runs the per-task test scripts
//   - extra, such as the python interpreter needed by pytest-based benchmarks
//
// Returns a descriptive error listing every missing binary; nil if all are
// present.
func CheckDependencies(cfg *config.RolloutConfig, extra ...string) error {
	var required []string
	switch cfg.AgentKind {
	case config.AgentKindOpenHands:
		required = append(required, "poetry")
	default:
		bin, err := agent.CommandBinary(cfg.AgentCommand)
		if err != nil {
			return fmt.Errorf("agent command: %w", err)
		}
		required = append(required, bin)
	}
	required = append(required, cfg.TestShell)
	required = append(required, extra...)

	var missing []string
	seen := make(map[string]bool)
	for _, bin := range required {
		if bin == "" || seen[bin] {
			continue
		}
		seen[bin] = true
		if _, err := exec.LookPath(bin); err != nil {
			missing = append(missing, bin)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required binaries on PATH: %s",
			strings.Join(missing, ", "))
	}
	return nil
}
