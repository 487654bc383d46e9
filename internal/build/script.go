package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robertgumeny/rollout/internal/integrity"
	"github.com/robertgumeny/rollout/internal/types"
)

// ScriptRunner runs tests/<ordinal>.sh for each ordinal.
// Commands use exec.CommandContext with an explicit args slice; the script
// path is never interpreted by a shell command line.
type ScriptRunner struct {
	Shell string
}

// NewScriptRunner returns a ScriptRunner using shell ("bash" when empty).
func NewScriptRunner(shell string) *ScriptRunner {
	if shell == "" {
		shell = "bash"
	}
	return &ScriptRunner{Shell: shell}
}

// Run executes every ordinal's script in the given order. All scripts run
// even after a failure so the breakdown is complete. A missing script is a
// failed outcome for its ordinal.
func (s *ScriptRunner) Run(ctx context.Context, ws types.Workspace, ordinals []types.Ordinal) (Result, error) {
	res := Result{Passed: true}
	for _, o := range ordinals {
		rel := integrity.ScriptPath(o)
		if _, err := os.Stat(filepath.Join(ws.Root, rel)); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Result{}, fmt.Errorf("stat %s: %w", rel, err)
			}
			res.Passed = false
			res.PerTask = append(res.PerTask, TaskOutcome{
				Ordinal:  o,
				Target:   rel,
				ExitCode: -1,
				Err:      fmt.Errorf("test script %s is missing", rel),
			})
			continue
		}

		outcome, err := runTarget(ctx, ws.Root, s.Shell, rel)
		if err != nil {
			return Result{}, err
		}
		outcome.Ordinal = o
		outcome.Target = rel
		if !outcome.Passed {
			res.Passed = false
		}
		res.PerTask = append(res.PerTask, outcome)
	}
	return res, nil
}
