// Package session manages the on-disk runtime session of one rollout run:
// a timestamped root directory holding every workspace snapshot, every
// agent log directory and the converted_data/ records.
//
// Layout:
//
//	<runtime_folder>/runtime_<unix>/
//	    <project>_<ordinal>_<stage>/    workspace snapshots
//	    log_<ordinal>_<stage>/          agent logs for one invocation
//	    converted_data/<ordinal>_<stage>.json
//	    session.yaml                    run summary
package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/robertgumeny/rollout/internal/types"
)

// RecordsDir is the subdirectory holding converted trace records.
const RecordsDir = "converted_data"

// SummaryFile is the run summary written at the session root.
const SummaryFile = "session.yaml"

// ErrExists is returned by New when the session directory already exists.
var ErrExists = errors.New("session directory already exists")

// Session is one runtime session directory.
type Session struct {
	Dir     string
	RunID   string
	Started time.Time
}

// New creates a fresh session under root. The directory is named
// runtime_<unix seconds> unless name is non-empty. Sessions are never reused:
// New fails with ErrExists when the directory is already present.
func New(root, name string, now time.Time) (*Session, error) {
	if name == "" {
		name = fmt.Sprintf("runtime_%d", now.Unix())
	}
	dir, err := filepath.Abs(filepath.Join(root, name))
	if err != nil {
		return nil, fmt.Errorf("resolve session dir: %w", err)
	}
	if _, err := os.Stat(dir); err == nil {
		return nil, fmt.Errorf("%s: %w", dir, ErrExists)
	}
	if err := os.MkdirAll(filepath.Join(dir, RecordsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Session{Dir: dir, RunID: uuid.NewString(), Started: now}, nil
}

// Open reopens an existing session directory. The run id and start time are
// taken from session.yaml when present.
func Open(dir string) (*Session, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve session dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open session: %s is not a directory", abs)
	}
	if err := os.MkdirAll(filepath.Join(abs, RecordsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create records dir: %w", err)
	}
	s := &Session{Dir: abs, RunID: uuid.NewString(), Started: info.ModTime()}
	if sum, err := LoadSummary(abs); err == nil {
		if sum.RunID != "" {
			s.RunID = sum.RunID
		}
		if !sum.Started.IsZero() {
			s.Started = sum.Started
		}
	}
	return s, nil
}

// WorkspaceDir returns the snapshot directory for (project, ordinal, stage).
func (s *Session) WorkspaceDir(project string, o types.Ordinal, stage types.Stage) string {
	return filepath.Join(s.Dir, fmt.Sprintf("%s_%s_%s", project, o, stage))
}

// LogDir returns the agent log directory for (ordinal, stage).
func (s *Session) LogDir(o types.Ordinal, stage types.Stage) string {
	return filepath.Join(s.Dir, fmt.Sprintf("log_%s_%s", o, stage))
}

// RecordPath returns the converted record path for (ordinal, stage).
// Adapters use synthetic ordinals such as "commit0".
func (s *Session) RecordPath(o types.Ordinal, stage types.Stage) string {
	return filepath.Join(s.Dir, RecordsDir, fmt.Sprintf("%s_%s.json", o, stage))
}

// HasRecord reports whether the record for (ordinal, stage) exists.
func (s *Session) HasRecord(o types.Ordinal, stage types.Stage) bool {
	_, err := os.Stat(s.RecordPath(o, stage))
	return err == nil
}

// Workspace returns the tagged workspace for (project, ordinal, stage)
// without touching the filesystem.
func (s *Session) Workspace(project string, o types.Ordinal, stage types.Stage) types.Workspace {
	return types.Workspace{Root: s.WorkspaceDir(project, o, stage), Project: project, Ordinal: o, Stage: stage}
}

// ---------------------------------------------------------------------------
// Summary
// ---------------------------------------------------------------------------

// Summary is the persisted outcome of a run, written to session.yaml.
type Summary struct {
	RunID         string             `yaml:"run_id"`
	Project       string             `yaml:"project"`
	Status        string             `yaml:"status"`
	Started       time.Time          `yaml:"started"`
	Finished      time.Time          `yaml:"finished,omitempty"`
	TotalTasks    int                `yaml:"total_tasks"`
	Tested        int                `yaml:"tested_tasks"`
	Passed        int                `yaml:"passed_tasks"`
	LastCompleted types.Ordinal      `yaml:"last_completed,omitempty"`
	AbortedAt     types.Ordinal      `yaml:"aborted_at,omitempty"`
	Canonical     types.Workspace    `yaml:"canonical"`
	Results       []types.TaskResult `yaml:"results,omitempty"`
	Benchmarks    []BenchSummary     `yaml:"benchmarks,omitempty"`
}

// BenchSummary is the persisted outcome of one benchmark adapter.
type BenchSummary struct {
	Adapter string   `yaml:"adapter"`
	Records []string `yaml:"records,omitempty"`
	Error   string   `yaml:"error,omitempty"`
}

// SaveSummary atomically writes sum to <session>/session.yaml.
func (s *Session) SaveSummary(sum *Summary) error {
	data, err := yaml.Marshal(sum)
	if err != nil {
		return fmt.Errorf("marshal session summary: %w", err)
	}
	return atomicWrite(filepath.Join(s.Dir, SummaryFile), data)
}

// LoadSummary reads <dir>/session.yaml.
func LoadSummary(dir string) (*Summary, error) {
	data, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err != nil {
		return nil, err
	}
	var sum Summary
	if err := yaml.Unmarshal(data, &sum); err != nil {
		return nil, fmt.Errorf("parse %s: %w", SummaryFile, err)
	}
	return &sum, nil
}

// atomicWrite writes data to path by first writing to path+".tmp",
// then calling os.Rename to replace the final target atomically.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s -> %s: %w", tmp, path, err)
	}
	return nil
}
