// Package metrics records per-task run metrics, prints the end-of-run
// summary table and exports Prometheus counters to a textfile for the node
// exporter's textfile collector.
package metrics

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/robertgumeny/rollout/internal/types"
)

// Attempt outcomes and task results used as label values.
const (
	OutcomePassed = "passed"
	OutcomeFailed = "failed"
)

// TaskMetric is the record of one finished task.
type TaskMetric struct {
	Ordinal  types.Ordinal
	State    types.TaskState
	Attempts int
	Duration time.Duration
}

// Recorder collects run metrics. A nil *Recorder is valid and records nothing.
//
// Metrics (private registry):
//   - rollout_attempts_total{outcome} - attempts by outcome
//   - rollout_tasks_total{result} - finished tasks by final state
//   - rollout_integrity_heals_total - test files restored after tampering
//   - rollout_stage_duration_seconds{stage} - wall time of agent and validation stages
type Recorder struct {
	mu    sync.Mutex
	tasks []TaskMetric

	reg           *prometheus.Registry
	attemptsTotal *prometheus.CounterVec
	tasksTotal    *prometheus.CounterVec
	healsTotal    prometheus.Counter
	stageDuration *prometheus.HistogramVec
}

// NewRecorder creates a Recorder with its own registry, so several runs in
// one process never collide on registration.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		attemptsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_attempts_total",
			Help: "Task attempts by outcome",
		}, []string{"outcome"}),
		tasksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "rollout_tasks_total",
			Help: "Finished tasks by final state",
		}, []string{"result"}),
		healsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "rollout_integrity_heals_total",
			Help: "Test files restored after tampering was detected",
		}),
		stageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rollout_stage_duration_seconds",
			Help:    "Wall time of agent invocations and validation runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"stage"}),
	}
}

// ObserveAttempt counts one attempt with the given outcome.
func (r *Recorder) ObserveAttempt(outcome string) {
	if r == nil {
		return
	}
	r.attemptsTotal.WithLabelValues(outcome).Inc()
}

// ObserveHeal counts n restored test files.
func (r *Recorder) ObserveHeal(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.healsTotal.Add(float64(n))
}

// ObserveStage records the duration of one stage.
func (r *Recorder) ObserveStage(stage string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordTask appends the metric of a finished task.
func (r *Recorder) RecordTask(m TaskMetric) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.tasks = append(r.tasks, m)
	r.mu.Unlock()
	r.tasksTotal.WithLabelValues(string(m.State)).Inc()
}

// Tasks returns a copy of the recorded task metrics.
func (r *Recorder) Tasks() []TaskMetric {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TaskMetric(nil), r.tasks...)
}

// Totals returns the number of passed tasks, their summed duration and the
// total number of attempts over all recorded tasks.
func (r *Recorder) Totals() (passed int, total time.Duration, attempts int) {
	for _, t := range r.Tasks() {
		attempts += t.Attempts
		if t.State == types.StatePassed {
			passed++
			total += t.Duration
		}
	}
	return passed, total, attempts
}

// Registry exposes the recorder's registry for additional gatherers.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.reg
}

// WriteTextfile writes every metric to path in the Prometheus text format.
// The write is atomic.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

// RunSummary is what PrintRunSummary reports.
type RunSummary struct {
	Project       string
	Status        string
	TotalTasks    int
	Tested        int
	Passed        int
	Attempts      int
	Duration      time.Duration
	LastCompleted types.Ordinal
	AbortedAt     types.Ordinal
}

// PrintRunSummary writes a box-draw table summarizing the run: tasks
// processed and passed, attempts, wall time and, for an aborted run, where it
// stopped.
func PrintRunSummary(w io.Writer, s RunSummary) {
	avg := time.Duration(0)
	if s.Passed > 0 {
		avg = s.Duration / time.Duration(s.Passed)
	}
	last := string(s.LastCompleted)
	if last == "" {
		last = "none"
	}

	const line = "━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━"
	fmt.Fprintf(w, "\n%s\n", line)
	fmt.Fprintf(w, "ROLLOUT SUMMARY: %s (%s)\n", s.Project, s.Status)
	fmt.Fprintf(w, "%s\n", line)
	fmt.Fprintf(w, "  %-22s %d\n", "Total Tasks:", s.TotalTasks)
	fmt.Fprintf(w, "  %-22s %d\n", "Tested Tasks:", s.Tested)
	fmt.Fprintf(w, "  %-22s %d\n", "Passed:", s.Passed)
	fmt.Fprintf(w, "  %-22s %d\n", "Attempts:", s.Attempts)
	fmt.Fprintf(w, "  %-22s %s\n", "Total Time:", formatDuration(int(s.Duration.Seconds())))
	fmt.Fprintf(w, "  %-22s %ds per task\n", "Average Time:", int(avg.Seconds()))
	fmt.Fprintf(w, "  %-22s %s\n", "Last Completed:", last)
	if s.AbortedAt != "" {
		fmt.Fprintf(w, "  %-22s %s\n", "Aborted At:", s.AbortedAt)
	}
	fmt.Fprintf(w, "%s\n\n", line)
}

// formatDuration converts a duration in seconds to a human-readable string.
// Examples: "0s", "45s", "3m 15s", "1h 2m 30s".
func formatDuration(seconds int) string {
	if seconds <= 0 {
		return "0s"
	}
	h := seconds / 3600
	m := (seconds % 3600) / 60
	s := seconds % 60

	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm %ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
