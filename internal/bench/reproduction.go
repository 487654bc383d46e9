package bench

import (
	"context"
	"errors"
	"fmt"
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

// IssueReproduction injects a defect the existing tests do not catch and
// records an agent writing a test that reproduces it.
//
// Runner must execute normalised python tests (see build.PytestRunner).
type IssueReproduction struct {
	Gateway    agent.Gateway
	Runner     build.Runner
	Proposer   IssueProposer
	Workspaces *workspace.Manager
	MaxTrials  int
}

func (r *IssueReproduction) Name() string { return "issue-reproduction" }

// Run processes tasks in manifest order and stops at the first task the
// rollout did not finish. Tasks with an existing reproduce record are
// skipped.
//
// Per task, up to MaxTrials times:
//  1. Propose a defect and inject it into a copy of the implementation.
//  2. Normalise the tests of every tested task; they must still pass.
//  3. Snapshot into the reproduce workspace and REPRODUCE_ISSUE with the
//     user-facing description.
//  4. The tests must now fail: record <o>_reproduce and its issue file.
func (r *IssueReproduction) Run(ctx context.Context, in Input) (Summary, error) {
	var sum Summary
	var ordinals []types.Ordinal
	tested := manifest.TestedTasks(in.Manifest)
	for _, task := range tested {
		o := task.TaskNumber
		if in.Session.HasRecord(o, types.StageReproduce) {
			log.Info("reproduction already recorded, skipping", zap.String("task", o.String()))
			sum.Skipped = append(sum.Skipped, o)
			ordinals = append(ordinals, o)
			continue
		}
		if !completed(in.Session, o) {
			break
		}
		ordinals = append(ordinals, o)

		path, err := r.reproduce(ctx, in, task, tested, ordinals)
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			return sum, fmt.Errorf("task %s: %w", o, err)
		}
		if path != "" {
			sum.Records = append(sum.Records, path)
		}
	}
	return sum, nil
}

func (r *IssueReproduction) trials() int {
	if r.MaxTrials < 1 {
		return DefaultMaxTrials
	}
	return r.MaxTrials
}

func (r *IssueReproduction) reproduce(ctx context.Context, in Input, task types.Task, tested []types.Task, ordinals []types.Ordinal) (string, error) {
	o := task.TaskNumber
	sess := in.Session
	wm := managerOr(r.Workspaces)
	impl := sess.Workspace(in.Project, o, types.StageImplementation)

	for trial := 1; trial <= r.trials(); trial++ {
		log.Info("issue reproduction trial", zap.String("task", o.String()), zap.Int("trial", trial))

		pin, err := proposalInput(in.Manifest, task, impl)
		if err != nil {
			return "", err
		}
		issue, err := r.Proposer.Propose(ctx, pin)
		if err != nil {
			return "", err
		}

		injected, changed, err := inject(ctx, injectArgs{
			gateway: r.Gateway, wm: wm, in: in, task: task, ordinals: ordinals,
			src: impl, stage: types.StageIssueSWT, issue: issue.Technical,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			log.Warning("issue injection failed", zap.String("task", o.String()), zap.Error(err))
			continue
		}
		if err := NormaliseTests(injected, tested); err != nil {
			return "", err
		}

		res, err := r.Runner.Run(ctx, injected, ordinals)
		if err != nil && !errors.Is(err, build.ErrNoTests) {
			return "", err
		}
		if err != nil || !res.Passed {
			log.Warning("existing tests do not pass after injection, retrying", zap.String("task", o.String()))
			continue
		}

		repro, err := fresh(wm, injected, sess.Workspace(in.Project, o, types.StageReproduce))
		if err != nil {
			return "", err
		}
		logDir, err := freshLogDir(sess.LogDir(o, types.StageReproduce))
		if err != nil {
			return "", err
		}
		_, tr, err := r.Gateway.Invoke(ctx, types.GoalReproduceIssue, repro,
			agentContext(in.Manifest, task, ordinals, issue.Description, logDir))
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			log.Warning("reproduce attempt failed", zap.String("task", o.String()), zap.Error(err))
			continue
		}

		res, err = r.Runner.Run(ctx, repro, ordinals)
		if err != nil {
			return "", err
		}
		if res.Passed {
			log.Warning("reproduce attempt left every test passing", zap.String("task", o.String()))
			continue
		}

		path, err := saveRecord(sess, o, types.StageReproduce, tr)
		if err != nil {
			return "", err
		}
		if err := writeIssue(path, IssueRecord{
			Task: o, Technical: issue.Technical, Description: issue.Description, Changed: changed,
		}); err != nil {
			return "", err
		}
		log.Success("issue reproduced", zap.String("task", o.String()), zap.String("record", path))
		return path, nil
	}
	log.Warning("maximum trials reached, skipping task", zap.String("task", o.String()))
	return "", nil
}

var (
	titleUnsafe = regexp.MustCompile(`[^\w\s-]`)
	titleSpaces = regexp.MustCompile(`[-\s]+`)
)

// CleanTitle turns a task title into a file stem: punctuation dropped,
// whitespace and dashes collapsed to "_", lower case.
func CleanTitle(title string) string {
	s := strings.TrimSpace(titleUnsafe.ReplaceAllString(title, ""))
	return strings.ToLower(titleSpaces.ReplaceAllString(s, "_"))
}

// NormaliseTests rewrites the tests/ directory of ws into plain pytest form
// for every task: tests/<o>.sh and tests/<o>.md are removed and
// tests/test_<stem>.py is renamed to tests/<clean title>.py, adding _1, _2 …
// on conflicts. Tasks without a title keep their file name.
func NormaliseTests(ws types.Workspace, tasks []types.Task) error {
	dir := filepath.Join(ws.Root, integrity.TestsDir)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	for _, t := range tasks {
		o := t.TaskNumber
		for _, rel := range []string{integrity.ScriptPath(o), integrity.NotesPath(o)} {
			if err := os.Remove(filepath.Join(ws.Root, rel)); err != nil && !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("normalise tests: %w", err)
			}
		}

		src := filepath.Join(ws.Root, integrity.PythonTestPath(o))
		title := CleanTitle(t.Title)
		if title == "" {
			continue
		}
		if _, err := os.Stat(src); err != nil {
			continue
		}
		dst := filepath.Join(dir, title+".py")
		for n := 1; exists(dst) && dst != src; n++ {
			dst = filepath.Join(dir, fmt.Sprintf("%s_%d.py", title, n))
		}
		if dst == src {
			continue
		}
		if err := os.Rename(src, dst); err != nil {
			return fmt.Errorf("normalise tests: %w", err)
		}
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
