package orchestrator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/types"
	"github.com/robertgumeny/rollout/internal/workspace"
)

func sourceWorkspace(t *testing.T) types.Workspace {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("print(1)\n"), 0o644))
	return types.Workspace{Root: root, Project: "demo"}
}

func target(t *testing.T, stage types.Stage) types.Workspace {
	return types.Workspace{Root: filepath.Join(t.TempDir(), "demo_1.1.1_"+string(stage)),
		Project: "demo", Ordinal: "1.1.1", Stage: stage}
}

func traceOf(content string) types.ExecutionTrace {
	return types.ExecutionTrace{Entries: []types.TraceEntry{{Role: "assistant", Content: content}}}
}

// ---------------------------------------------------------------------------
// Attempt
// ---------------------------------------------------------------------------

func TestAttempt_ReleaseDiscardsEverything(t *testing.T) {
	t.Cleanup(log.SetLogger(zap.NewNop()))
	src := sourceWorkspace(t)
	a := newAttempt("1.1.1", 1, workspace.NewManager())

	unit, err := a.Snapshot(src, target(t, types.StageUnitTest))
	require.NoError(t, err)
	logDir, err := a.LogDir(filepath.Join(t.TempDir(), "log_1.1.1_unit_test"))
	require.NoError(t, err)
	record := filepath.Join(t.TempDir(), "1.1.1_unit_test.json")
	require.NoError(t, a.Record(record, traceOf("done")))

	require.NoError(t, a.Release())
	assert.NoDirExists(t, unit.Root)
	assert.NoDirExists(t, logDir)
	assert.NoFileExists(t, record)
	assert.FileExists(t, filepath.Join(src.Root, "main.py"))

	// Releasing twice is harmless.
	assert.NoError(t, a.Release())
}

func TestAttempt_KeepPreserves(t *testing.T) {
	src := sourceWorkspace(t)
	a := newAttempt("1.1.1", 1, nil)

	impl, err := a.Snapshot(src, target(t, types.StageImplementation))
	require.NoError(t, err)
	a.Keep()
	require.NoError(t, a.Release())

	assert.True(t, a.Kept())
	assert.DirExists(t, impl.Root)
	assert.Equal(t, types.StageImplementation, impl.Stage)
}

func TestAttempt_ReleasedOnPanic(t *testing.T) {
	src := sourceWorkspace(t)
	dst := target(t, types.StageUnitTest)

	func() {
		defer func() { _ = recover() }()
		a := newAttempt("1.1.1", 1, nil)
		defer a.Release()
		_, err := a.Snapshot(src, dst)
		require.NoError(t, err)
		panic("agent crashed")
	}()

	assert.NoDirExists(t, dst.Root)
}

func TestAttempt_SnapshotReplacesStaleWorkspace(t *testing.T) {
	t.Cleanup(log.SetLogger(zap.NewNop()))
	src := sourceWorkspace(t)
	dst := target(t, types.StageUnitTest)
	require.NoError(t, os.MkdirAll(dst.Root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dst.Root, "stale.txt"), []byte("x"), 0o644))

	a := newAttempt("1.1.1", 2, nil)
	ws, err := a.Snapshot(src, dst)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(ws.Root, "stale.txt"))
	assert.FileExists(t, filepath.Join(ws.Root, "main.py"))
}

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

func TestMachine_HappyPath(t *testing.T) {
	var seen []types.TaskState
	m := newMachine("1.1.1", ObserverFunc(func(_ types.Ordinal, _ int, _, to types.TaskState) {
		seen = append(seen, to)
	}))

	path := []types.TaskState{
		types.StateGenerating, types.StateGenerated, types.StateImplementing,
		types.StateImplemented, types.StateVerifying, types.StateValidating, types.StatePassed,
	}
	for _, s := range path {
		require.NoError(t, m.to(s))
	}
	assert.Equal(t, path, seen)
	assert.True(t, m.state.Terminal())
}

func TestMachine_RejectsIllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		from types.TaskState
		to   types.TaskState
	}{
		{"skip implementation", types.StateGenerated, types.StateValidating},
		{"validate before implementing", types.StateGenerating, types.StateValidating},
		{"leave PASSED", types.StatePassed, types.StatePending},
		{"leave ABORTED", types.StateAborted, types.StatePending},
		{"retry without failing", types.StateValidating, types.StatePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &machine{ordinal: "1.1.1", state: tt.from}
			err := m.to(tt.to)
			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.from, m.state)
		})
	}
}

func TestMachine_FailThenRetryOrAbort(t *testing.T) {
	m := &machine{ordinal: "1.1.1", state: types.StateImplementing}
	require.NoError(t, m.fail())
	require.NoError(t, m.fail())
	assert.Equal(t, types.StateFailed, m.state)
	require.NoError(t, m.to(types.StatePending))

	m.state = types.StateFailed
	require.NoError(t, m.to(types.StateAborted))
	require.NoError(t, m.fail())
	assert.Equal(t, types.StateAborted, m.state)
}
