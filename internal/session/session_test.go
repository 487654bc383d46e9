package session_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertgumeny/rollout/internal/session"
	"github.com/robertgumeny/rollout/internal/types"
)

var now = time.Unix(1_700_000_000, 0).UTC()

func TestNew_CreatesTimestampedDir(t *testing.T) {
	root := t.TempDir()
	s, err := session.New(root, "", now)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(root, "runtime_1700000000"), s.Dir)
	assert.DirExists(t, filepath.Join(s.Dir, session.RecordsDir))
	assert.NotEmpty(t, s.RunID)
}

func TestNew_NeverReusesDir(t *testing.T) {
	root := t.TempDir()
	_, err := session.New(root, "run", now)
	require.NoError(t, err)

	_, err = session.New(root, "run", now)
	assert.True(t, errors.Is(err, session.ErrExists), "got %v", err)
}

func TestPaths(t *testing.T) {
	s, err := session.New(t.TempDir(), "run", now)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(s.Dir, "calc_1.1.2_unit_test"), s.WorkspaceDir("calc", "1.1.2", types.StageUnitTest))
	assert.Equal(t, filepath.Join(s.Dir, "log_1.1.2_implementation"), s.LogDir("1.1.2", types.StageImplementation))
	assert.Equal(t, filepath.Join(s.Dir, "converted_data", "1.1.2_fix.json"), s.RecordPath("1.1.2", types.StageFix))

	ws := s.Workspace("calc", "1.1.2", types.StageUnitTest)
	assert.Equal(t, s.WorkspaceDir("calc", "1.1.2", types.StageUnitTest), ws.Root)
	assert.Equal(t, types.StageUnitTest, ws.Stage)

	assert.False(t, s.HasRecord("1.1.2", types.StageFix))
	require.NoError(t, os.WriteFile(s.RecordPath("1.1.2", types.StageFix), []byte("{}"), 0o644))
	assert.True(t, s.HasRecord("1.1.2", types.StageFix))
}

func TestSummaryRoundTripAndOpen(t *testing.T) {
	s, err := session.New(t.TempDir(), "run", now)
	require.NoError(t, err)

	sum := &session.Summary{
		RunID:         s.RunID,
		Project:       "calc",
		Status:        "COMPLETED",
		Started:       now,
		Finished:      now.Add(time.Minute),
		TotalTasks:    3,
		Tested:        2,
		Passed:        2,
		LastCompleted: "1.1.3",
		Results:       []types.TaskResult{{Ordinal: "1.1.2", State: types.StatePassed, Attempts: 1}},
	}
	require.NoError(t, s.SaveSummary(sum))
	assert.NoFileExists(t, filepath.Join(s.Dir, session.SummaryFile+".tmp"))

	got, err := session.LoadSummary(s.Dir)
	require.NoError(t, err)
	assert.Equal(t, sum.LastCompleted, got.LastCompleted)
	assert.Equal(t, sum.Results, got.Results)

	reopened, err := session.Open(s.Dir)
	require.NoError(t, err)
	assert.Equal(t, s.RunID, reopened.RunID)
	assert.True(t, now.Equal(reopened.Started))
}

func TestOpen_Missing(t *testing.T) {
	_, err := session.Open(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
