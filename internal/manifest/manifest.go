// Package manifest loads, validates and saves the task manifest (tasks.json
// or tasks.yaml) that drives a rollout run.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/robertgumeny/rollout/internal/types"
)

// ErrNotFound is returned by Load when the manifest file does not exist.
var ErrNotFound = errors.New("manifest file not found")

// ParseError is returned when a manifest exists but cannot be decoded.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error in %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Load reads the manifest at path. Files ending in .yaml or .yml are decoded
// as YAML, everything else as JSON.
// Returns ErrNotFound if the file is absent, or *ParseError on malformed input.
func Load(path string) (*types.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var m types.Manifest
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &m)
	default:
		err = json.Unmarshal(data, &m)
	}
	if err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &m, nil
}

// Save atomically writes m to path as indented JSON.
func Save(path string, m *types.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return atomicWrite(path, append(data, '\n'))
}

// Validate checks the structural invariants the orchestrator relies on:
// every task number is a dotted triple, task numbers are unique, manifest
// order is strictly increasing by ordinal and every declared test is named.
func Validate(m *types.Manifest) error {
	if m == nil {
		return errors.New("manifest is nil")
	}
	var errs []error
	seen := make(map[types.Ordinal]bool)
	var prev types.Ordinal
	for _, t := range Tasks(m) {
		if _, err := types.ParseOrdinal(string(t.TaskNumber)); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[t.TaskNumber] {
			errs = append(errs, fmt.Errorf("task %s: duplicate task number", t.TaskNumber))
			continue
		}
		seen[t.TaskNumber] = true
		if prev != "" && prev.Compare(t.TaskNumber) >= 0 {
			errs = append(errs, fmt.Errorf("task %s: listed after %s but orders before it", t.TaskNumber, prev))
		}
		prev = t.TaskNumber
		for i, spec := range t.Tests() {
			if strings.TrimSpace(spec.Name) == "" {
				errs = append(errs, fmt.Errorf("task %s: %s test #%d has no name", t.TaskNumber, spec.Kind, i+1))
			}
		}
	}
	return errors.Join(errs...)
}

// DependencyNotes lists dependencies that do not name an earlier task.
// Dependencies are informational, so these are warnings rather than errors.
func DependencyNotes(m *types.Manifest) []string {
	var notes []string
	earlier := make(map[types.Ordinal]bool)
	for _, t := range Tasks(m) {
		for _, dep := range t.Dependencies {
			dep = strings.TrimSpace(dep)
			if dep == "" {
				continue
			}
			if !earlier[types.Ordinal(dep)] {
				notes = append(notes, fmt.Sprintf("task %s depends on %s, which is not an earlier task", t.TaskNumber, dep))
			}
		}
		earlier[t.TaskNumber] = true
	}
	return notes
}

// Tasks flattens the manifest into its tasks in manifest order.
func Tasks(m *types.Manifest) []types.Task {
	var out []types.Task
	for _, p := range m.Phases {
		for _, mod := range p.Modules {
			out = append(out, mod.Tasks...)
		}
	}
	return out
}

// TestedTasks returns only the tasks that declare at least one test.
func TestedTasks(m *types.Manifest) []types.Task {
	var out []types.Task
	for _, t := range Tasks(m) {
		if t.HasTests() {
			out = append(out, t)
		}
	}
	return out
}

// Find returns the task with the given ordinal.
func Find(m *types.Manifest, o types.Ordinal) (types.Task, bool) {
	for _, t := range Tasks(m) {
		if t.TaskNumber == o {
			return t, true
		}
	}
	return types.Task{}, false
}

// Counts returns the number of phases, modules and tasks in m.
func Counts(m *types.Manifest) (phases, modules, tasks int) {
	phases = len(m.Phases)
	for _, p := range m.Phases {
		modules += len(p.Modules)
		for _, mod := range p.Modules {
			tasks += len(mod.Tasks)
		}
	}
	return phases, modules, tasks
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
