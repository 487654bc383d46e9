package manifest_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertgumeny/rollout/internal/manifest"
	"github.com/robertgumeny/rollout/internal/types"
)

func task(num string, tests ...string) types.Task {
	t := types.Task{TaskNumber: types.Ordinal(num), Title: "task " + num}
	for _, n := range tests {
		t.UnitTests.CodeTests = append(t.UnitTests.CodeTests, types.TestCase{Name: n, Description: n + " works"})
	}
	return t
}

func sample(tasks ...types.Task) *types.Manifest {
	return &types.Manifest{
		ProjectName: "calc",
		Phases: []types.Phase{{
			PhaseNumber: 1,
			Modules:     []types.Module{{ModuleNumber: "1.1", Tasks: tasks}},
		}},
	}
}

// ---------------------------------------------------------------------------
// Load / Save
// ---------------------------------------------------------------------------

func TestLoad_NotFound(t *testing.T) {
	_, err := manifest.Load(filepath.Join(t.TempDir(), "tasks.json"))
	assert.True(t, errors.Is(err, manifest.ErrNotFound))
}

func TestLoad_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"phases": [`), 0o644))

	_, err := manifest.Load(path)
	var parseErr *manifest.ParseError
	require.True(t, errors.As(err, &parseErr), "got %v", err)
	assert.Equal(t, path, parseErr.Path)
}

func TestLoad_JSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	body := `{
  "project_name": "calc",
  "project_description": "A calculator",
  "constraints": "pure python",
  "phases": [{"phase_number": 1, "modules": [{"module_number": "1.1", "tasks": [
    {"task_number": "1.1.1", "title": "scaffold", "description": "d", "unit_tests": {"code_tests": [], "visual_tests": []}},
    {"task_number": "1.1.2", "title": "add", "description": "d", "difficulty": 2,
     "unit_tests": {"code_tests": [{"name": "adds", "description": "1+1"}], "visual_tests": []}}
  ]}]}]
}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	m, err := manifest.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "calc", m.ProjectName)
	assert.Equal(t, types.Constraints{"pure python"}, m.Constraints)

	tested := manifest.TestedTasks(m)
	require.Len(t, tested, 1)
	assert.Equal(t, types.Ordinal("1.1.2"), tested[0].TaskNumber)
	require.NotNil(t, tested[0].Difficulty)
	assert.Equal(t, 2, *tested[0].Difficulty)
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.yaml")
	body := `project_name: calc
constraints:
  - no network
  - stdlib only
phases:
  - modules:
      - tasks:
          - task_number: "1.1.1"
            title: add
            unit_tests:
              code_tests:
                - name: adds
                  description: adds numbers
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	m, err := manifest.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "no network\nstdlib only", m.Constraints.String())
	assert.Len(t, manifest.Tasks(m), 1)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	in := sample(task("1.1.1"), task("1.1.2", "adds"))
	require.NoError(t, manifest.Save(path, in))

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), ".tmp file must not remain after Save")

	out, err := manifest.Load(path)
	require.NoError(t, err)
	assert.Equal(t, manifest.Tasks(in), manifest.Tasks(out))
}

// ---------------------------------------------------------------------------
// Validate
// ---------------------------------------------------------------------------

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       *types.Manifest
		wantErr string
	}{
		{"valid", sample(task("1.1.1"), task("1.1.2", "adds"), task("1.1.10", "subs")), ""},
		{"bad ordinal", sample(task("1.1")), "want phase.module.index"},
		{"duplicate", sample(task("1.1.1"), task("1.1.1")), "duplicate"},
		{"out of order", sample(task("1.1.2"), task("1.1.1")), "orders before"},
		{"unnamed test", sample(task("1.1.1", " ")), "has no name"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := manifest.Validate(tc.m)
			if tc.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestDependencyNotes(t *testing.T) {
	a := task("1.1.1")
	b := task("1.1.2")
	b.Dependencies = []string{"1.1.1", "2.1.1"}
	notes := manifest.DependencyNotes(sample(a, b))
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0], "2.1.1")
}

func TestFindAndCounts(t *testing.T) {
	m := sample(task("1.1.1"), task("1.1.2", "adds"))
	got, ok := manifest.Find(m, "1.1.2")
	require.True(t, ok)
	assert.Equal(t, "task 1.1.2", got.Title)
	_, ok = manifest.Find(m, "9.9.9")
	assert.False(t, ok)

	phases, modules, tasks := manifest.Counts(m)
	assert.Equal(t, []int{1, 1, 2}, []int{phases, modules, tasks})
}

// ---------------------------------------------------------------------------
// ParseMarkdown
// ---------------------------------------------------------------------------

const tasksMD = `# Project Description
A small calculator
library.

# Task Instruction
Build it in Python.

# Detailed Documentation

## Phase 1: Foundations
**Goal:** get the basics right

### Module 1.1: Setup

#### Task 1.1.1: Scaffold
- **Description:** Create the package
  layout.
- **Dependencies:** None
- **Difficulty:** 1/5
- **Unit Tests:**
  - **Code Tests:**
  - **Visual Tests:**

#### Task 1.1.2: Addition
- **Description:** Implement add.
- **Dependencies:** 1.1.1
- **Difficulty:** 2/5
- **Unit Tests:**
  - **Code Tests:**
    - **Adds integers:** 1 + 2 returns 3
    - **Adds floats:** 0.5 + 0.25
      returns 0.75
  - **Visual Tests:**
    - **Prints result:** the CLI prints 3

## Phase 2: Extras

### Module 2.1: Display

#### Task 2.1.1: Pretty print
- **Description:** Format output.
- **Dependencies:** 1.1.2, 1.1.1
- **Unit Tests:**
  - **Code Tests:**
    - **Formats:** prints with two decimals
`

func TestParseMarkdown(t *testing.T) {
	m, err := manifest.ParseMarkdown(strings.NewReader(tasksMD))
	require.NoError(t, err)

	assert.Equal(t, "A small calculator library.", m.ProjectDescription)
	assert.Equal(t, "Build it in Python.", m.ProjectInstruction)
	require.Len(t, m.Phases, 2)
	assert.Equal(t, "Foundations", m.Phases[0].Title)
	assert.Equal(t, "get the basics right", m.Phases[0].Goal)
	assert.Equal(t, "1.1", m.Phases[0].Modules[0].ModuleNumber)

	tasks := manifest.Tasks(m)
	require.Len(t, tasks, 3)

	scaffold := tasks[0]
	assert.Equal(t, "Create the package layout.", scaffold.Description)
	assert.Empty(t, scaffold.Dependencies)
	assert.False(t, scaffold.HasTests())
	require.NotNil(t, scaffold.Difficulty)
	assert.Equal(t, 1, *scaffold.Difficulty)

	add := tasks[1]
	assert.Equal(t, []string{"1.1.1"}, add.Dependencies)
	assert.Equal(t, []types.TestCase{
		{Name: "Adds integers", Description: "1 + 2 returns 3"},
		{Name: "Adds floats", Description: "0.5 + 0.25 returns 0.75"},
	}, add.UnitTests.CodeTests)
	assert.Equal(t, []types.TestCase{{Name: "Prints result", Description: "the CLI prints 3"}}, add.UnitTests.VisualTests)

	pretty := tasks[2]
	assert.Equal(t, types.Ordinal("2.1.1"), pretty.TaskNumber)
	assert.Nil(t, pretty.Difficulty)
	assert.Equal(t, []string{"1.1.2", "1.1.1"}, pretty.Dependencies)

	assert.NoError(t, manifest.Validate(m))
}
