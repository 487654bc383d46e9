package orchestrator

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/trace"
	"github.com/robertgumeny/rollout/internal/types"
	"github.com/robertgumeny/rollout/internal/workspace"
)

// Attempt owns everything one pass through generate, implement, verify and
// validate creates: workspaces, agent log directories and records.
//
// Release must be deferred right after the attempt is created. Unless Keep
// was called, Release removes every owned path, so an attempt that fails,
// panics or is cancelled leaves nothing behind.
type Attempt struct {
	Ordinal types.Ordinal
	Number  int

	ws         *workspace.Manager
	workspaces []types.Workspace
	paths      []string
	traces     []stageTrace
	kept       bool
	released   bool
}

func newAttempt(o types.Ordinal, n int, ws *workspace.Manager) *Attempt {
	if ws == nil {
		ws = workspace.NewManager()
	}
	return &Attempt{Ordinal: o, Number: n, ws: ws}
}

// Snapshot copies src to dst and takes ownership of dst. Leftovers at dst
// from an interrupted earlier run are removed first.
func (a *Attempt) Snapshot(src, dst types.Workspace) (types.Workspace, error) {
	if a.ws.Exists(dst) {
		log.Warning("removing stale workspace", zap.String("path", dst.Root))
		if err := a.ws.Discard(dst); err != nil {
			return types.Workspace{}, fmt.Errorf("remove stale workspace: %w", err)
		}
	}
	a.workspaces = append(a.workspaces, dst)
	return a.ws.Snapshot(src, dst.Root, dst.Stage, dst.Ordinal)
}

// LogDir creates a fresh agent log directory owned by the attempt.
func (a *Attempt) LogDir(dir string) (string, error) {
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear log dir: %w", err)
	}
	a.paths = append(a.paths, dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	return dir, nil
}

// Record converts t and writes it to path. The record is removed again if
// the attempt is discarded.
func (a *Attempt) Record(path string, t types.ExecutionTrace) error {
	a.paths = append(a.paths, path)
	if _, err := trace.Save(path, t); err != nil {
		return err
	}
	return nil
}

type stageTrace struct {
	stage types.Stage
	trace types.ExecutionTrace
}

// Capture holds the trace of a finished stage until Persist writes it.
func (a *Attempt) Capture(stage types.Stage, t types.ExecutionTrace) {
	a.traces = append(a.traces, stageTrace{stage: stage, trace: t})
}

// Persist writes every captured trace to path(stage), in capture order.
func (a *Attempt) Persist(path func(types.Stage) string) error {
	for _, st := range a.traces {
		if err := a.Record(path(st.stage), st.trace); err != nil {
			return err
		}
	}
	return nil
}

// Keep marks the attempt as successful; Release becomes a no-op.
func (a *Attempt) Keep() { a.kept = true }

// Kept reports whether Keep was called.
func (a *Attempt) Kept() bool { return a.kept }

// Release discards all owned paths unless the attempt was kept. It is safe
// to call more than once.
func (a *Attempt) Release() error {
	if a.kept || a.released {
		return nil
	}
	a.released = true

	var errs []error
	for i := len(a.workspaces) - 1; i >= 0; i-- {
		if err := a.ws.Discard(a.workspaces[i]); err != nil {
			errs = append(errs, err)
		}
	}
	for i := len(a.paths) - 1; i >= 0; i-- {
		if err := os.RemoveAll(a.paths[i]); err != nil {
			errs = append(errs, fmt.Errorf("discard %s: %w", a.paths[i], err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		log.Warning("attempt cleanup incomplete",
			zap.String("task", a.Ordinal.String()), zap.Int("attempt", a.Number), zap.Error(err))
		return err
	}
	return nil
}
