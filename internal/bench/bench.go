// Package bench derives benchmark-style records from a finished rollout:
// injected-defect resolution, defect reproduction with tests, and
// implementation from scratch against the final tests.
//
// Adapters only read the canonical rollout output. Each writes to its own
// workspaces and records, so several may run at once.
package bench

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/robertgumeny/rollout/internal/agent"
	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/session"
	"github.com/robertgumeny/rollout/internal/trace"
	"github.com/robertgumeny/rollout/internal/types"
	"github.com/robertgumeny/rollout/internal/workspace"
)

// DefaultMaxTrials bounds the defect proposals tried per task.
const DefaultMaxTrials = 3

// Adapter produces one kind of benchmark record.
type Adapter interface {
	Name() string
	Run(ctx context.Context, in Input) (Summary, error)
}

// Input is the finished rollout an adapter works from.
type Input struct {
	Session  *session.Session
	Manifest *types.Manifest
	// Project is the workspace name prefix used by the rollout.
	Project string
	// ProjectDir is the initial project the rollout started from.
	ProjectDir string
}

// Summary lists the records an adapter wrote.
type Summary struct {
	Records []string
	// Skipped holds tasks that already had a record from an earlier run.
	Skipped []types.Ordinal
}

// Outcome pairs an adapter with its summary or error.
type Outcome struct {
	Adapter string
	Summary Summary
	Err     error
}

// BenchSummary converts o for the persisted session summary.
func (o Outcome) BenchSummary() session.BenchSummary {
	bs := session.BenchSummary{Adapter: o.Adapter, Records: o.Summary.Records}
	if o.Err != nil {
		bs.Error = o.Err.Error()
	}
	return bs
}

// BenchmarkAdapterError reports a failed adapter. It never affects the
// outcome of the rollout itself.
type BenchmarkAdapterError struct {
	Adapter string
	Err     error
}

func (e *BenchmarkAdapterError) Error() string {
	return fmt.Sprintf("benchmark %s: %v", e.Adapter, e.Err)
}

func (e *BenchmarkAdapterError) Unwrap() error {
	return e.Err
}

// RunAll runs every adapter against in and returns their outcomes in the
// order given. Errors are wrapped in *BenchmarkAdapterError and logged. With
// parallel set the adapters run concurrently.
func RunAll(ctx context.Context, adapters []Adapter, in Input, parallel bool) []Outcome {
	out := make([]Outcome, len(adapters))
	run := func(i int) {
		a := adapters[i]
		log.Section("BENCHMARK " + strings.ToUpper(a.Name()))
		start := time.Now()
		sum, err := a.Run(ctx, in)
		if err != nil {
			err = &BenchmarkAdapterError{Adapter: a.Name(), Err: err}
			log.Error("benchmark adapter failed", zap.String("adapter", a.Name()), zap.Error(err))
		} else {
			log.Success("benchmark adapter finished", zap.String("adapter", a.Name()),
				zap.Int("records", len(sum.Records)), zap.Duration("duration", time.Since(start)))
		}
		out[i] = Outcome{Adapter: a.Name(), Summary: sum, Err: err}
	}

	if !parallel {
		for i := range adapters {
			run(i)
		}
		return out
	}

	var g errgroup.Group
	for i := range adapters {
		g.Go(func() error {
			run(i)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ---------------------------------------------------------------------------
// Shared helpers
// ---------------------------------------------------------------------------

// completed reports whether the rollout left both records for o.
func completed(sess *session.Session, o types.Ordinal) bool {
	return sess.HasRecord(o, types.StageUnitTest) && sess.HasRecord(o, types.StageImplementation)
}

// IssueRecord is written next to every resolution and reproduction record.
type IssueRecord struct {
	Task        types.Ordinal `yaml:"task"`
	Technical   string        `yaml:"technical"`
	Description string        `yaml:"description"`
	Changed     []string      `yaml:"changed_files,omitempty"`
}

// IssuePath returns the issue file belonging to a record path.
func IssuePath(recordPath string) string {
	return strings.TrimSuffix(recordPath, filepath.Ext(recordPath)) + ".issue.yaml"
}

func writeIssue(recordPath string, rec IssueRecord) error {
	data, err := yaml.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal issue: %w", err)
	}
	return os.WriteFile(IssuePath(recordPath), data, 0o644)
}

// saveRecord converts t into the record for (o, stage) and returns its path.
func saveRecord(sess *session.Session, o types.Ordinal, stage types.Stage, t types.ExecutionTrace) (string, error) {
	path := sess.RecordPath(o, stage)
	if _, err := trace.Save(path, t); err != nil {
		return "", err
	}
	return path, nil
}

// fresh snapshots src into dst, replacing anything already at dst.
func fresh(ws *workspace.Manager, src, dst types.Workspace) (types.Workspace, error) {
	if err := ws.Discard(dst); err != nil {
		return types.Workspace{}, err
	}
	return ws.Snapshot(src, dst.Root, dst.Stage, dst.Ordinal)
}

// freshLogDir empties and recreates dir.
func freshLogDir(dir string) (string, error) {
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("clear log dir: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir: %w", err)
	}
	return dir, nil
}

// agentContext builds the agent context for an adapter invocation.
func agentContext(m *types.Manifest, task types.Task, ordinals []types.Ordinal, issue, logDir string) agent.Context {
	return agent.Context{
		ProjectName:        m.ProjectName,
		ProjectDescription: m.ProjectDescription,
		ProjectInstruction: m.ProjectInstruction,
		Constraints:        m.Constraints,
		Task:               task,
		Ordinals:           append([]types.Ordinal(nil), ordinals...),
		Issue:              issue,
		LogDir:             logDir,
	}
}
