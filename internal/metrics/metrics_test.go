package metrics_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertgumeny/rollout/internal/metrics"
	"github.com/robertgumeny/rollout/internal/types"
)

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

func TestRecorder_TotalsAndTextfile(t *testing.T) {
	r := metrics.NewRecorder()
	r.ObserveAttempt(metrics.OutcomeFailed)
	r.ObserveAttempt(metrics.OutcomeFailed)
	r.ObserveAttempt(metrics.OutcomePassed)
	r.ObserveHeal(2)
	r.ObserveStage("implementation", 3*time.Second)
	r.RecordTask(metrics.TaskMetric{Ordinal: "1.1.1", State: types.StatePassed, Attempts: 3, Duration: 90 * time.Second})
	r.RecordTask(metrics.TaskMetric{Ordinal: "1.1.2", State: types.StateAborted, Attempts: 3, Duration: time.Minute})

	passed, total, attempts := r.Totals()
	assert.Equal(t, 1, passed)
	assert.Equal(t, 90*time.Second, total)
	assert.Equal(t, 6, attempts)
	assert.Len(t, r.Tasks(), 2)

	count, err := testutil.GatherAndCount(r.Registry(), "rollout_attempts_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count, "one series per outcome label")

	path := filepath.Join(t.TempDir(), "rollout.prom")
	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, `rollout_attempts_total{outcome="failed"} 2`)
	assert.Contains(t, text, `rollout_tasks_total{result="PASSED"} 1`)
	assert.Contains(t, text, `rollout_integrity_heals_total 2`)
	assert.Contains(t, text, `rollout_stage_duration_seconds_count{stage="implementation"} 1`)
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *metrics.Recorder
	r.ObserveAttempt(metrics.OutcomePassed)
	r.ObserveHeal(1)
	r.ObserveStage("x", time.Second)
	r.RecordTask(metrics.TaskMetric{})
	assert.Nil(t, r.Tasks())
	assert.NoError(t, r.WriteTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestRecorders_AreIndependent(t *testing.T) {
	a := metrics.NewRecorder()
	b := metrics.NewRecorder()
	a.ObserveHeal(1)
	count, err := testutil.GatherAndCount(b.Registry(), "rollout_integrity_heals_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	lint, err := testutil.GatherAndLint(b.Registry())
	require.NoError(t, err)
	assert.Empty(t, lint)
}

// ---------------------------------------------------------------------------
// PrintRunSummary
// ---------------------------------------------------------------------------

func TestPrintRunSummary(t *testing.T) {
	tests := []struct {
		name    string
		summary metrics.RunSummary
		want    []string
		absent  []string
	}{
		{
			name: "completed",
			summary: metrics.RunSummary{
				Project: "calc", Status: "COMPLETED", TotalTasks: 3, Tested: 2, Passed: 2,
				Attempts: 4, Duration: 3*time.Minute + 15*time.Second, LastCompleted: "1.1.3",
			},
			want:   []string{"ROLLOUT SUMMARY: calc (COMPLETED)", "3m 15s", "97s per task", "1.1.3"},
			absent: []string{"Aborted At:"},
		},
		{
			name: "aborted before anything passed",
			summary: metrics.RunSummary{
				Project: "calc", Status: "ABORTED", TotalTasks: 2, Tested: 1, Attempts: 3, AbortedAt: "1.1.1",
			},
			want: []string{"ABORTED", "0s per task", "none", "Aborted At:", "1.1.1"},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			metrics.PrintRunSummary(&buf, tc.summary)
			out := buf.String()
			for _, w := range tc.want {
				assert.Contains(t, out, w)
			}
			for _, a := range tc.absent {
				assert.False(t, strings.Contains(out, a), "unexpected %q in output", a)
			}
		})
	}
}
