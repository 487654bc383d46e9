package bench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/robertgumeny/rollout/internal/agent"
	"github.com/robertgumeny/rollout/internal/build"
	"github.com/robertgumeny/rollout/internal/integrity"
	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/manifest"
	"github.com/robertgumeny/rollout/internal/types"
	"github.com/robertgumeny/rollout/internal/vcs"
	"github.com/robertgumeny/rollout/internal/workspace"
)

// vcsDir holds the baseline repositories of injected workspaces, relative
// to the session. It lives outside every workspace so agents cannot see it.
const vcsDir = ".vcs"

// IssueResolution injects a defect into each finished task and records an
// agent fixing it from the user-facing report alone.
type IssueResolution struct {
	Gateway    agent.Gateway
	Runner     build.Runner
	Proposer   IssueProposer
	Workspaces *workspace.Manager
	MaxTrials  int
}

func (r *IssueResolution) Name() string { return "issue-resolution" }

// Run processes tasks in manifest order and stops at the first task the
// rollout did not finish. Tasks with an existing fix record are skipped.
//
// Per task, up to MaxTrials times:
//  1. Propose a defect from the task's tests.
//  2. Snapshot the implementation into the issue workspace and take a
//     baseline commit.
//  3. INJECT_ISSUE, then list the changed files.
//  4. The cumulative tests must now fail; otherwise try again.
//  5. Snapshot the issue workspace into the fix workspace without tests/.
//  6. FIX_ISSUE with the user-facing description.
//  7. Restore tests/ from the issue workspace; the tests must pass.
//  8. Record <o>_fix and <o>_fix.issue.yaml.
func (r *IssueResolution) Run(ctx context.Context, in Input) (Summary, error) {
	var sum Summary
	var ordinals []types.Ordinal
	for _, task := range manifest.TestedTasks(in.Manifest) {
		o := task.TaskNumber
		if in.Session.HasRecord(o, types.StageFix) {
			log.Info("fix already recorded, skipping", zap.String("task", o.String()))
			sum.Skipped = append(sum.Skipped, o)
			ordinals = append(ordinals, o)
			continue
		}
		if !completed(in.Session, o) {
			break
		}
		ordinals = append(ordinals, o)

		path, err := r.resolve(ctx, in, task, ordinals)
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

func (r *IssueResolution) trials() int {
	if r.MaxTrials < 1 {
		return DefaultMaxTrials
	}
	return r.MaxTrials
}

// resolve runs the trials for one task. It returns the record path, or ""
// when every trial failed.
func (r *IssueResolution) resolve(ctx context.Context, in Input, task types.Task, ordinals []types.Ordinal) (string, error) {
	o := task.TaskNumber
	sess := in.Session
	wm := managerOr(r.Workspaces)
	impl := sess.Workspace(in.Project, o, types.StageImplementation)

	for trial := 1; trial <= r.trials(); trial++ {
		log.Info("issue resolution trial", zap.String("task", o.String()), zap.Int("trial", trial))

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
			src: impl, stage: types.StageIssue, issue: issue.Technical,
		})
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			log.Warning("issue injection failed", zap.String("task", o.String()), zap.Error(err))
			continue
		}

		res, err := r.Runner.Run(ctx, injected, ordinals)
		if err != nil {
			return "", err
		}
		if res.Passed {
			log.Warning("injected issue did not break any test, retrying", zap.String("task", o.String()))
			continue
		}

		fixTrace, err := r.fix(ctx, in, task, ordinals, injected, issue.Description)
		if err != nil {
			if ctx.Err() != nil {
				return "", err
			}
			log.Warning("fix attempt failed", zap.String("task", o.String()), zap.Error(err))
			continue
		}

		path, err := saveRecord(sess, o, types.StageFix, fixTrace)
		if err != nil {
			return "", err
		}
		if err := writeIssue(path, IssueRecord{
			Task: o, Technical: issue.Technical, Description: issue.Description, Changed: changed,
		}); err != nil {
			return "", err
		}
		log.Success("issue fixed", zap.String("task", o.String()), zap.String("record", path))
		return path, nil
	}
	log.Warning("maximum trials reached, skipping task", zap.String("task", o.String()))
	return "", nil
}

// fix runs FIX_ISSUE on a copy of injected without its tests, then restores
// the tests and validates.
func (r *IssueResolution) fix(ctx context.Context, in Input, task types.Task, ordinals []types.Ordinal, injected types.Workspace, description string) (types.ExecutionTrace, error) {
	o := task.TaskNumber
	wm := managerOr(r.Workspaces)

	fixWs, err := fresh(wm, injected, in.Session.Workspace(in.Project, o, types.StageFix))
	if err != nil {
		return types.ExecutionTrace{}, err
	}
	testsDir := filepath.Join(fixWs.Root, integrity.TestsDir)
	if err := os.RemoveAll(testsDir); err != nil {
		return types.ExecutionTrace{}, fmt.Errorf("hide tests: %w", err)
	}
	logDir, err := freshLogDir(in.Session.LogDir(o, types.StageFix))
	if err != nil {
		return types.ExecutionTrace{}, err
	}

	_, tr, err := r.Gateway.Invoke(ctx, types.GoalFixIssue, fixWs,
		agentContext(in.Manifest, task, ordinals, description, logDir))
	if err != nil {
		return types.ExecutionTrace{}, err
	}

	if err := os.RemoveAll(testsDir); err != nil {
		return types.ExecutionTrace{}, fmt.Errorf("clear tests: %w", err)
	}
	if err := workspace.CopyTree(filepath.Join(injected.Root, integrity.TestsDir), testsDir); err != nil {
		return types.ExecutionTrace{}, fmt.Errorf("restore tests: %w", err)
	}

	res, err := r.Runner.Run(ctx, fixWs, ordinals)
	if err != nil {
		return types.ExecutionTrace{}, err
	}
	if err := res.Err(); err != nil {
		return types.ExecutionTrace{}, err
	}
	return tr, nil
}

// injectArgs describes one INJECT_ISSUE invocation.
type injectArgs struct {
	gateway  agent.Gateway
	wm       *workspace.Manager
	in       Input
	task     types.Task
	ordinals []types.Ordinal
	src      types.Workspace
	stage    types.Stage
	issue    string
}

// inject snapshots a.src into the a.stage workspace, records a baseline and
// asks the agent to introduce the defect. It returns the workspace and the
// files the agent changed.
func inject(ctx context.Context, a injectArgs) (types.Workspace, []string, error) {
	o := a.task.TaskNumber
	sess := a.in.Session
	ws, err := fresh(a.wm, a.src, sess.Workspace(a.in.Project, o, a.stage))
	if err != nil {
		return types.Workspace{}, nil, err
	}

	gitDir := filepath.Join(sess.Dir, vcsDir, fmt.Sprintf("%s_%s", o, a.stage))
	if err := os.RemoveAll(gitDir); err != nil {
		return types.Workspace{}, nil, fmt.Errorf("clear baseline: %w", err)
	}
	tracker, err := vcs.Baseline(ws.Root, gitDir, fmt.Sprintf("baseline %s", o))
	if err != nil && !errors.Is(err, vcs.ErrNothingToCommit) {
		return types.Workspace{}, nil, err
	}

	logDir, err := freshLogDir(sess.LogDir(o, a.stage))
	if err != nil {
		return types.Workspace{}, nil, err
	}
	if _, _, err := a.gateway.Invoke(ctx, types.GoalInjectIssue, ws,
		agentContext(a.in.Manifest, a.task, a.ordinals, a.issue, logDir)); err != nil {
		return types.Workspace{}, nil, err
	}

	changed, err := tracker.Changed()
	if err != nil {
		log.Warning("could not list changed files", zap.String("task", o.String()), zap.Error(err))
	}
	return ws, changed, nil
}

func managerOr(m *workspace.Manager) *workspace.Manager {
	if m == nil {
		return workspace.NewManager()
	}
	return m
}
