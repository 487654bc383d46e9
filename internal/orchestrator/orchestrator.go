package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/robertgumeny/rollout/internal/agent"
	"github.com/robertgumeny/rollout/internal/build"
	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/manifest"
	"github.com/robertgumeny/rollout/internal/metrics"
	"github.com/robertgumeny/rollout/internal/session"
	"github.com/robertgumeny/rollout/internal/types"
	"github.com/robertgumeny/rollout/internal/workspace"
)

// Run statuses.
const (
	StatusCompleted   = "COMPLETED"
	StatusAborted     = "ABORTED"
	StatusInterrupted = "INTERRUPTED"
)

// DefaultMaxAttempts bounds the attempts spent on one task.
const DefaultMaxAttempts = 3

// RetryBudgetExhausted ends a run: task Ordinal failed Attempts times in a
// row. Completed is the number of tasks that passed before it.
type RetryBudgetExhausted struct {
	Ordinal   types.Ordinal
	Attempts  int
	Completed int
	// Last is the failure of the final attempt.
	Last error
}

func (e *RetryBudgetExhausted) Error() string {
	return fmt.Sprintf("task %s aborted after %d attempts (%d tasks completed): %v",
		e.Ordinal, e.Attempts, e.Completed, e.Last)
}

func (e *RetryBudgetExhausted) Unwrap() error {
	return e.Last
}

// Report is the outcome of a run.
type Report struct {
	RunID      string
	Project    string
	Status     string
	TotalTasks int
	// Tested counts tasks with declared tests; only they enter the state machine.
	Tested        int
	Skipped       []types.Ordinal
	Passed        int
	Results       []types.TaskResult
	Aborted       bool
	AbortedAt     types.Ordinal
	LastCompleted types.Ordinal
	Canonical     types.Workspace
	Started       time.Time
	Finished      time.Time
}

// Duration is the wall time of the run so far.
func (r *Report) Duration() time.Duration {
	if r.Finished.IsZero() {
		return time.Since(r.Started)
	}
	return r.Finished.Sub(r.Started)
}

// Summary converts the report into the persisted session summary.
func (r *Report) Summary() *session.Summary {
	return &session.Summary{
		RunID:         r.RunID,
		Project:       r.Project,
		Status:        r.Status,
		Started:       r.Started,
		Finished:      r.Finished,
		TotalTasks:    r.TotalTasks,
		Tested:        r.Tested,
		Passed:        r.Passed,
		LastCompleted: r.LastCompleted,
		AbortedAt:     r.AbortedAt,
		Canonical:     r.Canonical,
		Results:       append([]types.TaskResult(nil), r.Results...),
	}
}

// RunSummary converts the report into the terminal summary table.
func (r *Report) RunSummary() metrics.RunSummary {
	attempts := 0
	for _, res := range r.Results {
		attempts += res.Attempts
	}
	return metrics.RunSummary{
		Project:       r.Project,
		Status:        r.Status,
		TotalTasks:    r.TotalTasks,
		Tested:        r.Tested,
		Passed:        r.Passed,
		Attempts:      attempts,
		Duration:      r.Duration(),
		LastCompleted: r.LastCompleted,
		AbortedAt:     r.AbortedAt,
	}
}

// Orchestrator runs a manifest against a project inside one session.
type Orchestrator struct {
	Session *session.Session
	Gateway agent.Gateway
	Runner  build.Runner

	// Workspaces performs snapshots. Defaults to the host filesystem.
	Workspaces *workspace.Manager
	// Metrics may be nil.
	Metrics *metrics.Recorder
	// Observer may be nil.
	Observer Observer

	MaxAttempts int
	// Resume treats tasks whose records and implementation workspace already
	// exist in the session as passed.
	Resume bool
}

// New returns an Orchestrator with the default attempt bound.
func New(sess *session.Session, gw agent.Gateway, runner build.Runner) *Orchestrator {
	return &Orchestrator{
		Session:     sess,
		Gateway:     gw,
		Runner:      runner,
		Workspaces:  workspace.NewManager(),
		MaxAttempts: DefaultMaxAttempts,
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// ProjectName returns the workspace prefix for m: the manifest's project
// name with unsafe characters replaced, or the base of projectDir.
func ProjectName(m *types.Manifest, projectDir string) string {
	name := unsafeName.ReplaceAllString(m.ProjectName, "_")
	if name == "" || name == "_" {
		name = filepath.Base(projectDir)
	}
	return name
}

// Run drives every task of m, in manifest order, starting from projectDir.
//
// Sequence:
//  1. Check that projectDir is a directory; it becomes the canonical workspace.
//  2. Log unmet dependency declarations (never enforced).
//  3. For each task: skip it when it declares no tests; otherwise add its
//     ordinal to the cumulative list and run the state machine.
//  4. On PASSED the implementation workspace becomes canonical.
//  5. On ABORTED stop and return *RetryBudgetExhausted with the report.
//  6. Persist the session summary after every task.
//
// The returned report is never nil. Cancellation of ctx stops the run with
// status INTERRUPTED and ctx's error.
func (o *Orchestrator) Run(ctx context.Context, m *types.Manifest, projectDir string) (*Report, error) {
	report := &Report{
		Project: ProjectName(m, projectDir),
		Status:  StatusInterrupted,
		Started: time.Now(),
	}
	if o.Session != nil {
		report.RunID = o.Session.RunID
	}

	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return report, fmt.Errorf("resolve project dir: %w", err)
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return report, fmt.Errorf("project dir %s is not a directory", projectDir)
	}
	canon := &canonical{ws: types.Workspace{Root: abs, Project: report.Project}}
	report.Canonical = canon.ws

	for _, note := range manifest.DependencyNotes(m) {
		log.Warning(note)
	}

	tasks := manifest.Tasks(m)
	report.TotalTasks = len(tasks)
	var ordinals []types.Ordinal

	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return o.finish(report, err)
		}
		if !task.HasTests() {
			log.Info("skipping task without tests", zap.String("task", task.TaskNumber.String()))
			report.Skipped = append(report.Skipped, task.TaskNumber)
			continue
		}
		report.Tested++
		ordinals = append(ordinals, task.TaskNumber)

		lc := &LoopContext{
			Manifest:  m,
			Project:   report.Project,
			Task:      task,
			Ordinals:  append([]types.Ordinal(nil), ordinals...),
			Completed: report.Passed,
			Result:    &types.TaskResult{Ordinal: task.TaskNumber, State: types.StatePending},
			StartTime: time.Now(),
			canonical: canon,
			machine:   newMachine(task.TaskNumber, o.Observer),
		}

		log.Section(fmt.Sprintf("TASK %s: %s", task.TaskNumber, task.Title))
		taskErr := o.runTask(ctx, lc)
		report.Results = append(report.Results, *lc.Result)
		report.Canonical = canon.ws
		report.LastCompleted = canon.last

		var exhausted *RetryBudgetExhausted
		switch {
		case taskErr == nil:
			report.Passed++
			o.saveSummary(report)
		case errors.As(taskErr, &exhausted):
			report.Status = StatusAborted
			report.Aborted = true
			report.AbortedAt = task.TaskNumber
			return o.finish(report, taskErr)
		default:
			return o.finish(report, taskErr)
		}
	}

	report.Status = StatusCompleted
	return o.finish(report, nil)
}

func (o *Orchestrator) finish(report *Report, err error) (*Report, error) {
	report.Finished = time.Now()
	o.saveSummary(report)
	return report, err
}

func (o *Orchestrator) saveSummary(report *Report) {
	if o.Session == nil {
		return
	}
	if err := o.Session.SaveSummary(report.Summary()); err != nil {
		log.Warning("could not save session summary", zap.Error(err))
	}
}

func (o *Orchestrator) workspaces() *workspace.Manager {
	if o.Workspaces == nil {
		o.Workspaces = workspace.NewManager()
	}
	return o.Workspaces
}

func (o *Orchestrator) maxAttempts() int {
	if o.MaxAttempts < 1 {
		return DefaultMaxAttempts
	}
	return o.MaxAttempts
}

// runTask runs attempts for lc.Task until one passes or the budget is spent.
// It returns nil on PASSED, *RetryBudgetExhausted on ABORTED, and ctx's error
// when cancelled.
func (o *Orchestrator) runTask(ctx context.Context, lc *LoopContext) error {
	if o.Resume && o.resumable(lc) {
		return o.handleResumed(lc)
	}

	limit := o.maxAttempts()
	for n := 1; n <= limit; n++ {
		lc.machine.attempt = n
		lc.Result.Attempts = n
		if n > 1 {
			log.Info("retrying task", zap.String("task", lc.Task.TaskNumber.String()),
				zap.Int("attempt", n), zap.Int("max_attempts", limit))
		}

		a := newAttempt(lc.Task.TaskNumber, n, o.workspaces())
		err := o.runAttempt(ctx, lc, a, n == limit)
		if err == nil {
			o.handleSuccess(lc, a)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			lc.Result.LastError = err.Error()
			return ctxErr
		}
		var te *TransitionError
		if errors.As(err, &te) {
			return err
		}
		if abortErr := o.handleFailure(lc, err, limit); abortErr != nil {
			return abortErr
		}
	}
	// handleFailure aborts on the last attempt.
	return nil
}

// runAttempt performs one attempt. The attempt's resources are released on
// every return path unless the attempt reached PASSED or, when final is set,
// failed for good: the last attempt of an aborted task stays on disk with its
// captured traces written next to its failure report.
func (o *Orchestrator) runAttempt(ctx context.Context, lc *LoopContext, a *Attempt, final bool) (err error) {
	defer func() {
		if err != nil {
			if ferr := lc.machine.fail(); ferr != nil {
				err = errors.Join(err, ferr)
			}
			if ctx.Err() == nil {
				o.keepFailed(lc, a, err, final)
			}
		}
		_ = a.Release()
	}()

	task := lc.Task.TaskNumber
	sess := o.Session

	if err := lc.machine.to(types.StateGenerating); err != nil {
		return err
	}
	unit, err := a.Snapshot(lc.canonical.ws, sess.Workspace(lc.Project, task, types.StageUnitTest))
	if err != nil {
		return err
	}
	unitLog, err := a.LogDir(sess.LogDir(task, types.StageUnitTest))
	if err != nil {
		return err
	}
	unit, unitTrace, err := o.invoke(ctx, types.GoalGenerateTests, unit, lc.agentContext(unitLog, ""))
	if err != nil {
		return err
	}
	a.Capture(types.StageUnitTest, unitTrace)
	if err := lc.machine.to(types.StateGenerated); err != nil {
		return err
	}

	if err := lc.machine.to(types.StateImplementing); err != nil {
		return err
	}
	impl, err := a.Snapshot(unit, sess.Workspace(lc.Project, task, types.StageImplementation))
	if err != nil {
		return err
	}
	implLog, err := a.LogDir(sess.LogDir(task, types.StageImplementation))
	if err != nil {
		return err
	}
	impl, implTrace, err := o.invoke(ctx, types.GoalImplement, impl, lc.agentContext(implLog, testNotes(unit, task)))
	if err != nil {
		return err
	}
	a.Capture(types.StageImplementation, implTrace)
	if err := lc.machine.to(types.StateImplemented); err != nil {
		return err
	}

	if err := lc.machine.to(types.StateVerifying); err != nil {
		return err
	}
	if err := o.verify(lc, unit, impl); err != nil {
		return err
	}

	if err := lc.machine.to(types.StateValidating); err != nil {
		return err
	}
	start := time.Now()
	result, err := o.Runner.Run(ctx, impl, lc.Ordinals)
	o.Metrics.ObserveStage("validate", time.Since(start))
	if err != nil {
		return fmt.Errorf("run tests: %w", err)
	}
	if err := result.Err(); err != nil {
		for _, f := range result.Failed() {
			log.Error("test failed", zap.String("task", f.Ordinal.String()),
				zap.String("target", f.Target), zap.Int("exit_code", f.ExitCode))
		}
		return err
	}

	if err := a.Persist(func(stage types.Stage) string { return sess.RecordPath(task, stage) }); err != nil {
		return err
	}
	if err := lc.machine.to(types.StatePassed); err != nil {
		return err
	}
	a.Keep()
	lc.canonical.advance(impl)
	return nil
}

// invoke calls the gateway and times the stage. A zero workspace returned by
// the gateway means ws was mutated in place.
func (o *Orchestrator) invoke(ctx context.Context, goal types.Goal, ws types.Workspace, in agent.Context) (types.Workspace, types.ExecutionTrace, error) {
	log.Info("invoking agent", zap.String("goal", string(goal)), zap.String("workspace", ws.Root))
	start := time.Now()
	out, tr, err := o.Gateway.Invoke(ctx, goal, ws, in)
	o.Metrics.ObserveStage(string(goal), time.Since(start))
	if err != nil {
		return ws, tr, err
	}
	if out.IsZero() {
		out = ws
	}
	return out, tr, nil
}
