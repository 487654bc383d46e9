package bench

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/robertgumeny/rollout/internal/agent"
	"github.com/robertgumeny/rollout/internal/build"
	"github.com/robertgumeny/rollout/internal/integrity"
	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/manifest"
	"github.com/robertgumeny/rollout/internal/types"
	"github.com/robertgumeny/rollout/internal/workspace"
)

// ScratchOrdinal is the synthetic ordinal of from-scratch workspaces and
// records.
const ScratchOrdinal types.Ordinal = "commit0"

// stageRaw holds the initial project with the final tests and placeholders
// reset.
const stageRaw types.Stage = "raw"

// DefaultSourceDir is where ResetPlaceholders looks for python sources.
const DefaultSourceDir = "src"

// FromScratch records an agent implementing the whole project in one go
// against the final tests.
type FromScratch struct {
	Gateway    agent.Gateway
	Runner     build.Runner
	Workspaces *workspace.Manager
	// Iterations is the number of independent runs; values below 1 mean 1.
	Iterations int
	// SourceDir is relative to the project root; empty means "src".
	SourceDir string
}

func (f *FromScratch) Name() string { return "from-scratch" }

// ScratchStage returns the stage of iteration i out of n.
func ScratchStage(i, n int) types.Stage {
	if n <= 1 {
		return types.StageCommit0
	}
	return types.Stage(fmt.Sprintf("%s_iter%d", types.StageCommit0, i))
}

// Run builds the raw workspace from the initial project and the tests of
// the last finished task, then runs IMPLEMENT_FROM_SCRATCH once per
// iteration. Test results are logged only; every finished invocation is
// recorded. Iterations that already have a record are skipped.
func (f *FromScratch) Run(ctx context.Context, in Input) (Summary, error) {
	var sum Summary
	last, ordinals := lastCompleted(in)
	if last == nil {
		log.Warning("no finished task, nothing to implement from scratch")
		return sum, nil
	}
	wm := managerOr(f.Workspaces)
	sess := in.Session

	raw, err := f.prepare(wm, in, last.TaskNumber)
	if err != nil {
		return sum, err
	}

	n := f.Iterations
	if n < 1 {
		n = 1
	}
	task := *last
	for i := 1; i <= n; i++ {
		stage := ScratchStage(i, n)
		if sess.HasRecord(ScratchOrdinal, stage) {
			log.Info("from-scratch iteration already recorded, skipping", zap.String("stage", string(stage)))
			continue
		}
		log.Info("from-scratch iteration", zap.Int("iteration", i), zap.Int("of", n))

		ws, err := fresh(wm, raw, sess.Workspace(in.Project, ScratchOrdinal, stage))
		if err != nil {
			return sum, err
		}
		logDir, err := freshLogDir(sess.LogDir(ScratchOrdinal, stage))
		if err != nil {
			return sum, err
		}
		_, tr, err := f.Gateway.Invoke(ctx, types.GoalImplementFromScratch, ws,
			agentContext(in.Manifest, task, ordinals, "", logDir))
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			log.Warning("from-scratch iteration failed", zap.Int("iteration", i), zap.Error(err))
			continue
		}

		if f.Runner != nil {
			res, err := f.Runner.Run(ctx, ws, ordinals)
			switch {
			case err != nil:
				log.Warning("from-scratch tests could not run", zap.Int("iteration", i), zap.Error(err))
			case res.Passed:
				log.Success("from-scratch implementation passes the tests", zap.Int("iteration", i))
			default:
				log.Info("from-scratch implementation fails some tests",
					zap.Int("iteration", i), zap.Int("failed", len(res.Failed())))
			}
		}

		path, err := saveRecord(sess, ScratchOrdinal, stage, tr)
		if err != nil {
			return sum, err
		}
		sum.Records = append(sum.Records, path)
	}
	return sum, nil
}

// prepare snapshots the initial project into the raw workspace, swaps in
// the tests of the final implementation and resets placeholders.
func (f *FromScratch) prepare(wm *workspace.Manager, in Input, last types.Ordinal) (types.Workspace, error) {
	sess := in.Session
	initial := types.Workspace{Root: in.ProjectDir, Project: in.Project}
	raw, err := fresh(wm, initial, sess.Workspace(in.Project, ScratchOrdinal, stageRaw))
	if err != nil {
		return types.Workspace{}, err
	}

	final := sess.Workspace(in.Project, last, types.StageImplementation)
	testsDir := filepath.Join(raw.Root, integrity.TestsDir)
	if err := os.RemoveAll(testsDir); err != nil {
		return types.Workspace{}, fmt.Errorf("replace tests: %w", err)
	}
	if err := workspace.CopyTree(filepath.Join(final.Root, integrity.TestsDir), testsDir); err != nil {
		return types.Workspace{}, fmt.Errorf("replace tests: %w", err)
	}

	srcDir := f.SourceDir
	if srcDir == "" {
		srcDir = DefaultSourceDir
	}
	n, err := ResetPlaceholders(filepath.Join(raw.Root, srcDir))
	if err != nil {
		return types.Workspace{}, err
	}
	log.Info("from-scratch workspace prepared", zap.String("workspace", raw.Root), zap.Int("placeholders_reset", n))
	return raw, nil
}

// lastCompleted returns the last tested task, in manifest order, that has
// both rollout records, with the tested ordinals up to and including it.
func lastCompleted(in Input) (*types.Task, []types.Ordinal) {
	var last *types.Task
	var ordinals []types.Ordinal
	for _, task := range manifest.TestedTasks(in.Manifest) {
		if !completed(in.Session, task.TaskNumber) {
			break
		}
		ordinals = append(ordinals, task.TaskNumber)
		t := task
		last = &t
	}
	return last, ordinals
}

var placeholder = regexp.MustCompile(`raise[ \t]+NotImplementedError(?:[ \t]*\([^)]*\))?`)

// ResetPlaceholders replaces every `raise NotImplementedError(...)` in the
// python files under dir with `pass` and returns the number of files
// changed. A missing dir is not an error.
func ResetPlaceholders(dir string) (int, error) {
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	changed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".py") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !placeholder.Match(data) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		changed++
		return os.WriteFile(path, placeholder.ReplaceAll(data, []byte("pass")), info.Mode().Perm())
	})
	if err != nil {
		return changed, fmt.Errorf("reset placeholders: %w", err)
	}
	return changed, nil
}
