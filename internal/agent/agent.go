// Package agent is the boundary to the external coding agent. A Gateway
// issues one goal against a workspace, blocks until the agent exits and
// returns the execution trace the agent recorded.
//
// Gateways may mutate files inside the workspace they are handed but never
// create or delete workspaces; that belongs to the orchestrator.
package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/robertgumeny/rollout/internal/integrity"
	"github.com/robertgumeny/rollout/internal/templates"
	"github.com/robertgumeny/rollout/internal/types"
)

// Gateway invokes the external agent.
type Gateway interface {
	Invoke(ctx context.Context, goal types.Goal, ws types.Workspace, in Context) (types.Workspace, types.ExecutionTrace, error)
}

// Context is everything the agent is told about the job.
type Context struct {
	ProjectName        string
	ProjectDescription string
	ProjectInstruction string
	Constraints        types.Constraints
	Task               types.Task
	// Ordinals are the tasks whose tests must pass, in manifest order.
	Ordinals []types.Ordinal
	// Documentation is prior-stage output handed to the next stage, such as
	// the visual-test notes written while generating tests.
	Documentation string
	// Issue is the defect to inject or the user-facing report to act on.
	Issue string
	// LogDir receives the prompt, the agent output and the completion logs.
	LogDir string
}

// AgentInvocationError reports that the agent failed to produce a usable
// result: it could not be started, exited non-zero, or left no trace.
type AgentInvocationError struct {
	Goal      types.Goal
	Workspace string
	Err       error
}

func (e *AgentInvocationError) Error() string {
	return fmt.Sprintf("agent %s in %s: %v", e.Goal, e.Workspace, e.Err)
}

func (e *AgentInvocationError) Unwrap() error {
	return e.Err
}

// ErrUnknownGoal is wrapped by AgentInvocationError for goals outside the closed set.
var ErrUnknownGoal = errors.New("unknown goal")

// Files written into Context.LogDir.
const (
	PromptFileName      = "prompt.md"
	AgentLogFileName    = "agent.log"
	CompletionsDirName  = "log_completions"
	TrajectoriesDirName = "trajectories"
)

// PromptData is the data passed to the prompt templates.
type PromptData struct {
	Goal               types.Goal
	ProjectName        string
	ProjectDescription string
	ProjectInstruction string
	Constraints        types.Constraints
	Task               types.Task
	Tests              []types.TestSpec
	Ordinals           []types.Ordinal
	Documentation      string
	Issue              string
	Workspace          string
	TestScript         string
	PythonTest         string
	NotesFile          string
}

// RenderPrompt renders the prompt for goal.
//
// Resolution order:
//  1. {overrideDir}/{goal}.md when overrideDir is set and the file exists.
//  2. The embedded template for the goal.
func RenderPrompt(goal types.Goal, ws types.Workspace, in Context, overrideDir string) (string, error) {
	text, err := templates.Prompt(goal)
	if err != nil {
		return "", err
	}
	if overrideDir != "" {
		data, err := os.ReadFile(filepath.Join(overrideDir, templates.PromptFile(goal)))
		switch {
		case err == nil:
			text = string(data)
		case !errors.Is(err, os.ErrNotExist):
			return "", fmt.Errorf("read prompt override: %w", err)
		}
	}

	o := in.Task.TaskNumber
	data := PromptData{
		Goal:               goal,
		ProjectName:        in.ProjectName,
		ProjectDescription: in.ProjectDescription,
		ProjectInstruction: in.ProjectInstruction,
		Constraints:        in.Constraints,
		Task:               in.Task,
		Tests:              in.Task.Tests(),
		Ordinals:           in.Ordinals,
		Documentation:      in.Documentation,
		Issue:              in.Issue,
		Workspace:          ws.Root,
		TestScript:         integrity.ScriptPath(o),
		PythonTest:         integrity.PythonTestPath(o),
		NotesFile:          integrity.NotesPath(o),
	}
	return templates.Render(string(goal), text, data)
}

// WritePrompt renders the prompt for goal and writes it to
// {in.LogDir}/prompt.md, creating the log directory. It returns the prompt
// text and the file path.
func WritePrompt(goal types.Goal, ws types.Workspace, in Context, overrideDir string) (string, string, error) {
	prompt, err := RenderPrompt(goal, ws, in, overrideDir)
	if err != nil {
		return "", "", err
	}
	if err := os.MkdirAll(in.LogDir, 0o755); err != nil {
		return "", "", fmt.Errorf("create log directory %s: %w", in.LogDir, err)
	}
	path := filepath.Join(in.LogDir, PromptFileName)
	if err := os.WriteFile(path, []byte(prompt), 0o644); err != nil {
		return "", "", fmt.Errorf("write %s: %w", PromptFileName, err)
	}
	return prompt, path, nil
}

func invocationError(goal types.Goal, ws types.Workspace, err error) error {
	return &AgentInvocationError{Goal: goal, Workspace: ws.Root, Err: err}
}
