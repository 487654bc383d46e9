// Package orchestrator drives a manifest's tasks through the per-task
// protocol: generate tests, implement, verify test integrity and validate
// cumulatively, with a bounded number of attempts per task.
package orchestrator

import (
	"os"
	"path/filepath"
	"time"

	"github.com/robertgumeny/rollout/internal/agent"
	"github.com/robertgumeny/rollout/internal/integrity"
	"github.com/robertgumeny/rollout/internal/types"
)

// canonical is the authoritative project state going into the next task.
// Only the orchestrator advances it, and only on PASSED.
type canonical struct {
	ws types.Workspace
	// last is the ordinal that produced ws; empty for the initial project.
	last types.Ordinal
}

func (c *canonical) advance(ws types.Workspace) {
	c.ws = ws
	c.last = ws.Ordinal
}

// LoopContext carries the per-task state of the main loop. It is built once
// per task by Run and handed to the attempt and outcome handlers.
type LoopContext struct {
	Manifest *types.Manifest
	Project  string
	Task     types.Task

	// Ordinals holds every tested task up to and including Task, in
	// manifest order. Each validation runs all of them.
	Ordinals []types.Ordinal

	// Completed counts tasks that passed before this one.
	Completed int

	Result    *types.TaskResult
	StartTime time.Time

	canonical *canonical
	machine   *machine
}

// Canonical returns the workspace the current task starts from.
func (lc *LoopContext) Canonical() types.Workspace {
	return lc.canonical.ws
}

// agentContext builds what the agent is told for one invocation.
func (lc *LoopContext) agentContext(logDir, documentation string) agent.Context {
	m := lc.Manifest
	return agent.Context{
		ProjectName:        m.ProjectName,
		ProjectDescription: m.ProjectDescription,
		ProjectInstruction: m.ProjectInstruction,
		Constraints:        m.Constraints,
		Task:               lc.Task,
		Ordinals:           append([]types.Ordinal(nil), lc.Ordinals...),
		Documentation:      documentation,
		LogDir:             logDir,
	}
}

// testNotes returns the visual-test notes written while generating tests, if
// any. They are passed to the implementation stage as documentation.
func testNotes(ws types.Workspace, o types.Ordinal) string {
	data, err := os.ReadFile(filepath.Join(ws.Root, integrity.NotesPath(o)))
	if err != nil {
		return ""
	}
	return string(data)
}
