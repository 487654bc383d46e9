package orchestrator

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/robertgumeny/rollout/internal/build"
	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/metrics"
	"github.com/robertgumeny/rollout/internal/types"
)

// FailuresDir holds failure reports and the records of aborted attempts,
// relative to the session directory.
const FailuresDir = "failures"

// FailedRecordPath is where the record of stage is kept when the last
// attempt of task o fails. It sits outside converted_data so resume and the
// benchmark adapters never mistake an aborted task for a finished one.
func FailedRecordPath(sessionDir string, o types.Ordinal, stage types.Stage) string {
	return filepath.Join(sessionDir, FailuresDir, fmt.Sprintf("%s_%s.json", o, stage))
}

// keepFailed runs before a failed attempt is released. It archives the
// failure report, and on the final attempt keeps the attempt's workspaces
// and log dirs and writes its captured traces under failures/.
func (o *Orchestrator) keepFailed(lc *LoopContext, a *Attempt, err error, final bool) {
	var te *TransitionError
	if errors.As(err, &te) {
		return
	}
	if aerr := o.archiveFailureReport(lc, err); aerr != nil {
		log.Warning("failure archive skipped", zap.Error(aerr))
	}
	if !final || o.Session == nil {
		return
	}
	a.Keep()
	dir := o.Session.Dir
	if perr := a.Persist(func(stage types.Stage) string {
		return FailedRecordPath(dir, lc.Task.TaskNumber, stage)
	}); perr != nil {
		log.Warning("could not write records of the aborted attempt", zap.Error(perr))
	}
	log.Info("aborted attempt kept for inspection", zap.String("task", lc.Task.TaskNumber.String()))
}

// handleFailure processes a failed attempt after keepFailed and Release.
//
// Sequence:
//  1. Record the error and count the discarded attempt.
//  2. Below the attempt limit: log, move back to PENDING and return nil so
//     the next attempt restarts from the canonical workspace.
//  3. At the limit: move to ABORTED and return *RetryBudgetExhausted.
func (o *Orchestrator) handleFailure(lc *LoopContext, err error, limit int) error {
	task := lc.Task.TaskNumber
	lc.Result.LastError = err.Error()
	lc.Result.State = types.StateFailed
	o.Metrics.ObserveAttempt(metrics.OutcomeFailed)

	var vf *build.ValidationFailure
	if errors.As(err, &vf) && vf.Output != "" {
		log.Error("validation output (last 50 lines)", zap.String("task", task.String()),
			zap.String("output", vf.Output))
	}

	if lc.Result.Attempts < limit {
		lc.Result.Discarded++
		log.Warning(fmt.Sprintf("task %s failed (attempt %d/%d), will retry", task, lc.Result.Attempts, limit),
			zap.Error(err))
		lc.Result.State = types.StatePending
		return lc.machine.to(types.StatePending)
	}

	log.Error(fmt.Sprintf("task %s failed %d/%d times, aborting run", task, lc.Result.Attempts, limit),
		zap.Error(err))
	if terr := lc.machine.to(types.StateAborted); terr != nil {
		return terr
	}
	lc.Result.State = types.StateAborted

	o.Metrics.RecordTask(metrics.TaskMetric{
		Ordinal:  task,
		State:    types.StateAborted,
		Attempts: lc.Result.Attempts,
		Duration: time.Since(lc.StartTime),
	})

	return &RetryBudgetExhausted{
		Ordinal:   task,
		Attempts:  lc.Result.Attempts,
		Completed: lc.Completed,
		Last:      err,
	}
}

// archiveFailureReport writes <session>/failures/<ordinal>.md describing the
// latest failed attempt of the task. A later failure overwrites it.
func (o *Orchestrator) archiveFailureReport(lc *LoopContext, err error) error {
	if o.Session == nil {
		return errors.New("no session")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Task %s: %s\n\n", lc.Task.TaskNumber, lc.Task.Title)
	fmt.Fprintf(&b, "- **Attempts:** %d\n", lc.Result.Attempts)
	fmt.Fprintf(&b, "- **Validated tasks:** %s\n", joinOrdinals(lc.Ordinals))
	fmt.Fprintf(&b, "- **Error:** %v\n", err)
	if len(lc.Result.Healed) > 0 {
		fmt.Fprintf(&b, "- **Healed:** %s\n", strings.Join(lc.Result.Healed, ", "))
	}

	var vf *build.ValidationFailure
	if errors.As(err, &vf) && vf.Output != "" {
		fmt.Fprintf(&b, "\n## Output\n\n```\n%s\n```\n", strings.TrimRight(vf.Output, "\n"))
	}

	dst := filepath.Join(o.Session.Dir, FailuresDir, lc.Task.TaskNumber.String()+".md")
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir for failure archive: %w", err)
	}
	if err := os.WriteFile(dst, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("write failure archive: %w", err)
	}
	log.Info("failure report archived", zap.String("path", dst))
	return nil
}

func joinOrdinals(ords []types.Ordinal) string {
	parts := make([]string, len(ords))
	for i, o := range ords {
		parts[i] = o.String()
	}
	return strings.Join(parts, ", ")
}
