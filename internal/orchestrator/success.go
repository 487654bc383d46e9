package orchestrator

import (
	"time"

	"go.uber.org/zap"

	"github.com/robertgumeny/rollout/internal/integrity"
	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/metrics"
	"github.com/robertgumeny/rollout/internal/types"
)

// verify heals any test artifact the implementation stage changed. Tampering
// does not fail the attempt.
func (o *Orchestrator) verify(lc *LoopContext, unit, impl types.Workspace) error {
	report, err := integrity.Verify(unit, impl, lc.Ordinals)
	if err != nil {
		return err
	}
	if report.Unchanged {
		return nil
	}
	log.Warning("implementation modified test files, restoring them",
		zap.String("task", lc.Task.TaskNumber.String()), zap.Strings("paths", report.Diffs))
	if err := integrity.Heal(unit, impl, report); err != nil {
		return err
	}
	lc.Result.Healed = append(lc.Result.Healed, report.Diffs...)
	o.Metrics.ObserveHeal(len(report.Diffs))
	return nil
}

// handleSuccess records a PASSED task.
//
// Sequence:
//  1. Mark the result PASSED.
//  2. Record attempt and task metrics.
//  3. Log the new canonical workspace.
func (o *Orchestrator) handleSuccess(lc *LoopContext, a *Attempt) {
	lc.Result.State = types.StatePassed
	lc.Result.LastError = ""

	o.Metrics.ObserveAttempt(metrics.OutcomePassed)
	o.Metrics.RecordTask(metrics.TaskMetric{
		Ordinal:  lc.Task.TaskNumber,
		State:    types.StatePassed,
		Attempts: lc.Result.Attempts,
		Duration: time.Since(lc.StartTime),
	})

	log.Success("task passed",
		zap.String("task", lc.Task.TaskNumber.String()),
		zap.Int("attempt", a.Number),
		zap.String("canonical", lc.canonical.ws.Root))
}

// resumable reports whether an earlier run in this session already finished
// lc.Task.
func (o *Orchestrator) resumable(lc *LoopContext) bool {
	task := lc.Task.TaskNumber
	impl := o.Session.Workspace(lc.Project, task, types.StageImplementation)
	return o.Session.HasRecord(task, types.StageUnitTest) &&
		o.Session.HasRecord(task, types.StageImplementation) &&
		o.workspaces().Exists(impl)
}

// handleResumed adopts the implementation workspace of an earlier run.
func (o *Orchestrator) handleResumed(lc *LoopContext) error {
	if err := lc.machine.to(types.StatePassed); err != nil {
		return err
	}
	impl := o.Session.Workspace(lc.Project, lc.Task.TaskNumber, types.StageImplementation)
	lc.canonical.advance(impl)
	lc.Result.State = types.StatePassed
	lc.Result.Resumed = true

	o.Metrics.RecordTask(metrics.TaskMetric{Ordinal: lc.Task.TaskNumber, State: types.StatePassed})
	log.Info("task already completed in this session, resuming after it",
		zap.String("task", lc.Task.TaskNumber.String()))
	return nil
}
