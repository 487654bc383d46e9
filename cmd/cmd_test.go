package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"

	"github.com/robertgumeny/rollout/internal/config"
	"github.com/robertgumeny/rollout/internal/manifest"
	"github.com/robertgumeny/rollout/internal/orchestrator"
	"github.com/robertgumeny/rollout/internal/trace"
)

func TestExitCode(t *testing.T) {
	aborted := &orchestrator.RetryBudgetExhausted{Ordinal: "1.1.2", Attempts: 3, Completed: 1, Last: errors.New("tests failed")}
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"aborted", aborted, ExitAborted},
		{"wrapped abort", fmt.Errorf("run: %w", aborted), ExitAborted},
		{"other failure", errors.New("missing required binaries on PATH: bash"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exitCode(tt.err); got != tt.want {
				t.Errorf("exitCode(%v) = %d, want %d", tt.err, got, tt.want)
			}
		})
	}
}

func TestApplyRunFlags_OnlyChanged(t *testing.T) {
	t.Cleanup(func() { runCmd.Flags().VisitAll(func(f *pflag.Flag) { f.Changed = false }) })

	cfg := config.Defaults()
	if err := runCmd.Flags().Set("max-attempts", "5"); err != nil {
		t.Fatal(err)
	}
	if err := runCmd.Flags().Set("parallel-bench", "true"); err != nil {
		t.Fatal(err)
	}
	applyRunFlags(runCmd, &cfg)

	if cfg.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts)
	}
	if !cfg.BenchParallel {
		t.Error("BenchParallel not applied")
	}
	if cfg.AgentCommand != config.DefaultAgentCommand {
		t.Errorf("AgentCommand changed without flag: %q", cfg.AgentCommand)
	}
	if cfg.RuntimeFolder != config.DefaultRuntimeFolder {
		t.Errorf("RuntimeFolder changed without flag: %q", cfg.RuntimeFolder)
	}
}

func TestManifestPath(t *testing.T) {
	if got := manifestPath("/work/calc", "tasks.json"); got != filepath.Join("/work/calc", "tasks.json") {
		t.Errorf("relative manifest: got %q", got)
	}
	if got := manifestPath("/work/calc", "/plans/tasks.json"); got != "/plans/tasks.json" {
		t.Errorf("absolute manifest: got %q", got)
	}
}

func TestCheckRuntimeFolder(t *testing.T) {
	project := t.TempDir()
	tests := []struct {
		name    string
		folder  string
		wantErr bool
	}{
		{"sibling", filepath.Join(filepath.Dir(project), "runtimes"), false},
		{"inside", filepath.Join(project, "runtimes"), true},
		{"project itself", project, true},
		{"prefix only", project + "-runtimes", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := checkRuntimeFolder(project, tt.folder)
			if (err != nil) != tt.wantErr {
				t.Errorf("checkRuntimeFolder(%q) = %v, wantErr %v", tt.folder, err, tt.wantErr)
			}
		})
	}
}

func TestOpenSession_NewAndResume(t *testing.T) {
	quiet(t)
	root := t.TempDir()

	first, err := openSession(root, "nightly", false)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := openSession(root, "nightly", false); err == nil {
		t.Fatal("expected an error when reusing a session without resume")
	}
	again, err := openSession(root, "nightly", true)
	if err != nil {
		t.Fatalf("resume session: %v", err)
	}
	if again.Dir != first.Dir {
		t.Errorf("resumed %q, want %q", again.Dir, first.Dir)
	}
}

func TestConvertLog(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	completions := filepath.Join(dir, "log_completions")
	if err := os.MkdirAll(completions, 0o755); err != nil {
		t.Fatal(err)
	}
	doc := `{"messages": [
		{"role": "system", "content": "You are a coding agent."},
		{"role": "user", "content": [{"type": "text", "text": "Implement add."}]},
		{"role": "tool", "content": "ERROR: file not found"}
	], "response": {"choices": [{"message": {"role": "assistant", "content": "Done."}}]}}`
	if err := os.WriteFile(filepath.Join(completions, "default-1.json"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	out := filepath.Join(t.TempDir(), "record.json")
	if err := convertLog(dir, out); err != nil {
		t.Fatalf("convertLog: %v", err)
	}
	rec, err := trace.ReadRecord(out)
	if err != nil {
		t.Fatal(err)
	}
	var roles []string
	for _, m := range rec.Messages {
		roles = append(roles, m.Role)
	}
	want := []string{"system", "user", "assistant"}
	if fmt.Sprint(roles) != fmt.Sprint(want) {
		t.Errorf("roles = %v, want %v", roles, want)
	}
}

func TestConvertLog_NoCompletions(t *testing.T) {
	if err := convertLog(t.TempDir(), filepath.Join(t.TempDir(), "out.json")); err == nil {
		t.Fatal("expected an error for a directory without completion logs")
	}
}

const planMD = `# Project Description
A small calculator.

# Detailed Documentation

## Phase 1: Foundations

### Module 1.1: Setup

#### Task 1.1.1: Scaffold
- **Description:** Create the package layout.
- **Dependencies:** None
- **Unit Tests:**
  - **Code Tests:**
  - **Visual Tests:**

#### Task 1.1.2: Addition
- **Description:** Implement add.
- **Dependencies:** 1.1.1
- **Unit Tests:**
  - **Code Tests:**
    - **Adds integers:** 1 + 2 returns 3
  - **Visual Tests:**
`

func TestConvertManifest(t *testing.T) {
	quiet(t)
	dir := t.TempDir()
	in := filepath.Join(dir, "tasks.md")
	if err := os.WriteFile(in, []byte(planMD), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := convertManifest(in, ""); err != nil {
		t.Fatalf("convertManifest: %v", err)
	}

	out := filepath.Join(dir, "tasks.json")
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	if !json.Valid(data) {
		t.Fatalf("tasks.json is not valid JSON:\n%s", data)
	}
	m, err := manifest.Load(out)
	if err != nil {
		t.Fatalf("reload manifest: %v", err)
	}
	if n := len(manifest.TestedTasks(m)); n != 1 {
		t.Errorf("tested tasks = %d, want 1", n)
	}
}
