// Package types defines the shared structs and typed constants used by the
// rollout orchestrator. JSON and YAML tags match the task manifest schema
// (snake_case field names).
package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Task manifest types
// ---------------------------------------------------------------------------

// Manifest mirrors the full structure of tasks.json. It is immutable once
// loaded for a run.
type Manifest struct {
	ProjectName        string      `json:"project_name" yaml:"project_name"`
	ProjectDescription string      `json:"project_description" yaml:"project_description"`
	ProjectInstruction string      `json:"project_instruction,omitempty" yaml:"project_instruction,omitempty"`
	Constraints        Constraints `json:"constraints,omitempty" yaml:"constraints,omitempty"`
	Phases             []Phase     `json:"phases" yaml:"phases"`
}

// Phase groups modules. PhaseNumber is informational; ordering comes from
// the task ordinals.
type Phase struct {
	PhaseNumber int      `json:"phase_number,omitempty" yaml:"phase_number,omitempty"`
	Title       string   `json:"title,omitempty" yaml:"title,omitempty"`
	Goal        string   `json:"goal,omitempty" yaml:"goal,omitempty"`
	Modules     []Module `json:"modules" yaml:"modules"`
}

// Module groups tasks within a phase.
type Module struct {
	ModuleNumber string `json:"module_number,omitempty" yaml:"module_number,omitempty"`
	Title        string `json:"title,omitempty" yaml:"title,omitempty"`
	Tasks        []Task `json:"tasks" yaml:"tasks"`
}

// Task is a single entry in the manifest.
//
// Difficulty is informational only and never read by control flow.
// Dependencies are informational as well: tasks run strictly in manifest order.
type Task struct {
	TaskNumber   Ordinal   `json:"task_number" yaml:"task_number"`
	Title        string    `json:"title" yaml:"title"`
	Description  string    `json:"description" yaml:"description"`
	Dependencies []string  `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Difficulty   *int      `json:"difficulty,omitempty" yaml:"difficulty,omitempty"`
	UnitTests    UnitTests `json:"unit_tests" yaml:"unit_tests"`
}

// UnitTests holds the declared test specifications of a task.
type UnitTests struct {
	CodeTests   []TestCase `json:"code_tests" yaml:"code_tests"`
	VisualTests []TestCase `json:"visual_tests" yaml:"visual_tests"`
}

// TestCase names one declared test.
type TestCase struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

// TestKind classifies a declared test.
type TestKind string

const (
	TestKindCode   TestKind = "code"
	TestKindVisual TestKind = "visual"
)

// TestSpec is a declared test together with its kind.
type TestSpec struct {
	Kind        TestKind
	Name        string
	Description string
}

// Tests flattens the declared tests, code tests first.
func (t Task) Tests() []TestSpec {
	specs := make([]TestSpec, 0, len(t.UnitTests.CodeTests)+len(t.UnitTests.VisualTests))
	for _, c := range t.UnitTests.CodeTests {
		specs = append(specs, TestSpec{Kind: TestKindCode, Name: c.Name, Description: c.Description})
	}
	for _, v := range t.UnitTests.VisualTests {
		specs = append(specs, TestSpec{Kind: TestKindVisual, Name: v.Name, Description: v.Description})
	}
	return specs
}

// HasTests reports whether the task carries a validation obligation.
// Tasks without tests are skipped by the orchestrator.
func (t Task) HasTests() bool {
	return len(t.UnitTests.CodeTests)+len(t.UnitTests.VisualTests) > 0
}

// Constraints accepts either a single string or a list of strings.
type Constraints []string

// String joins the constraints one per line.
func (c Constraints) String() string {
	return strings.Join(c, "\n")
}

// UnmarshalJSON accepts a string or an array of strings.
func (c *Constraints) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*c = splitConstraint(single)
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("constraints must be a string or a list of strings: %w", err)
	}
	*c = list
	return nil
}

// UnmarshalYAML accepts a scalar or a sequence of scalars.
func (c *Constraints) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*c = splitConstraint(node.Value)
		return nil
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*c = list
		return nil
	default:
		return fmt.Errorf("constraints must be a string or a list of strings (line %d)", node.Line)
	}
}

func splitConstraint(s string) Constraints {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return Constraints{s}
}

// ---------------------------------------------------------------------------
// Ordinal
// ---------------------------------------------------------------------------

// Ordinal is a dotted phase.module.index identifier. Ordinals totally order
// the tasks of a manifest.
type Ordinal string

// ParseOrdinal validates s as a dotted triple of non-negative integers.
func ParseOrdinal(s string) (Ordinal, error) {
	if _, err := ordinalParts(s); err != nil {
		return "", err
	}
	return Ordinal(s), nil
}

func ordinalParts(s string) ([3]int, error) {
	var parts [3]int
	fields := strings.Split(s, ".")
	if len(fields) != 3 {
		return parts, fmt.Errorf("ordinal %q: want phase.module.index", s)
	}
	for i, f := range fields {
		n, err := strconv.Atoi(f)
		if err != nil || n < 0 {
			return parts, fmt.Errorf("ordinal %q: component %q is not a non-negative integer", s, f)
		}
		parts[i] = n
	}
	return parts, nil
}

// Compare returns -1, 0 or +1. Unparsable ordinals sort after valid ones and
// are compared lexically among themselves.
func (o Ordinal) Compare(other Ordinal) int {
	a, errA := ordinalParts(string(o))
	b, errB := ordinalParts(string(other))
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(string(o), string(other))
	case errA != nil:
		return 1
	case errB != nil:
		return -1
	}
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// FileStem returns the ordinal with dots replaced by underscores ("1_2_3"),
// as used in generated Python test file names.
func (o Ordinal) FileStem() string {
	return strings.ReplaceAll(string(o), ".", "_")
}

func (o Ordinal) String() string { return string(o) }

// ---------------------------------------------------------------------------
// Workspace types
// ---------------------------------------------------------------------------

// Stage labels the pipeline stage a workspace belongs to.
type Stage string

const (
	StageUnitTest       Stage = "unit_test"
	StageImplementation Stage = "implementation"
	StageIssue          Stage = "issue"
	StageIssueSWT       Stage = "issue_swt"
	StageFix            Stage = "fix"
	StageReproduce      Stage = "reproduce"
	StageCommit0        Stage = "commit0"
)

// Workspace is a directory tree representing the project at one stage.
// It is never mutated in place by more than one stage.
type Workspace struct {
	Root    string  `yaml:"root"`
	Project string  `yaml:"project"`
	Ordinal Ordinal `yaml:"ordinal,omitempty"`
	Stage   Stage   `yaml:"stage,omitempty"`
}

// IsZero reports whether the workspace is unset.
func (w Workspace) IsZero() bool { return w.Root == "" }

func (w Workspace) String() string {
	if w.Ordinal == "" {
		return fmt.Sprintf("%s[%s]", w.Project, w.Root)
	}
	return fmt.Sprintf("%s@%s/%s", w.Project, w.Ordinal, w.Stage)
}

// ---------------------------------------------------------------------------
// Agent goal and trace types
// ---------------------------------------------------------------------------

// Goal is the closed set of requests the agent gateway accepts.
type Goal string

const (
	GoalGenerateTests        Goal = "GENERATE_TESTS"
	GoalImplement            Goal = "IMPLEMENT"
	GoalInjectIssue          Goal = "INJECT_ISSUE"
	GoalFixIssue             Goal = "FIX_ISSUE"
	GoalImplementFromScratch Goal = "IMPLEMENT_FROM_SCRATCH"
	GoalReproduceIssue       Goal = "REPRODUCE_ISSUE"
)

// AllGoals lists every valid goal.
func AllGoals() []Goal {
	return []Goal{
		GoalGenerateTests,
		GoalImplement,
		GoalInjectIssue,
		GoalFixIssue,
		GoalImplementFromScratch,
		GoalReproduceIssue,
	}
}

// Valid reports whether g is a member of the closed goal set.
func (g Goal) Valid() bool {
	for _, known := range AllGoals() {
		if g == known {
			return true
		}
	}
	return false
}

// Message is one role-tagged entry of a converted record.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TraceEntry is one role-tagged entry of a raw execution trace. Failed marks
// entries that represent a failed low-level action.
type TraceEntry struct {
	Role    string
	Content string
	Failed  bool
}

// ExecutionTrace is the ordered log produced by one gateway invocation.
// It is immutable once captured.
type ExecutionTrace struct {
	Goal    Goal
	Entries []TraceEntry
}

// ---------------------------------------------------------------------------
// Task state machine
// ---------------------------------------------------------------------------

// TaskState is a state of the per-task retry state machine.
type TaskState string

const (
	StatePending      TaskState = "PENDING"
	StateGenerating   TaskState = "GENERATING"
	StateGenerated    TaskState = "GENERATED"
	StateImplementing TaskState = "IMPLEMENTING"
	StateImplemented  TaskState = "IMPLEMENTED"
	StateVerifying    TaskState = "VERIFYING"
	StateValidating   TaskState = "VALIDATING"
	StatePassed       TaskState = "PASSED"
	StateFailed       TaskState = "FAILED"
	StateAborted      TaskState = "ABORTED"
)

// Terminal reports whether no further transition is possible.
func (s TaskState) Terminal() bool {
	return s == StatePassed || s == StateAborted
}

// TaskResult is the transient outcome of one task. It drives control flow
// and is not persisted as a first-class entity.
type TaskResult struct {
	Ordinal   Ordinal   `yaml:"ordinal"`
	State     TaskState `yaml:"state"`
	Attempts  int       `yaml:"attempts"`
	Discarded int       `yaml:"discarded"`
	Healed    []string  `yaml:"healed,omitempty"`
	Resumed   bool      `yaml:"resumed,omitempty"`
	LastError string    `yaml:"last_error,omitempty"`
}
