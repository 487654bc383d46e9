package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/robertgumeny/rollout/internal/log"
	"github.com/robertgumeny/rollout/internal/types"
)

// splitShellArgs turns the agent_command line into argv without a shell.
// Single quotes keep everything literal, double quotes honour \" \\ \$ and
// \` escapes, and a bare backslash escapes the next byte. Quoted empty
// strings survive as empty arguments. Placeholders such as {prompt_file} are
// left as text here; Invoke substitutes them per argument afterwards, so a
// prompt path containing spaces never splits an argument:
//
//	my-agent --mode "non interactive" -f {prompt_file}
func splitShellArgs(s string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		quote   byte // 0, '\'' or '"'
		started bool
	)
	flush := func() {
		if started {
			args = append(args, cur.String())
			cur.Reset()
			started = false
		}
	}

	for i := 0; i < len(s); i++ {
		ch := s[i]
		switch quote {
		case '\'':
			if ch == '\'' {
				quote = 0
				continue
			}
			cur.WriteByte(ch)
		case '"':
			switch {
			case ch == '"':
				quote = 0
			case ch == '\\' && i+1 < len(s) && strings.IndexByte("\"\\$`\n", s[i+1]) >= 0:
				i++
				cur.WriteByte(s[i])
			default:
				cur.WriteByte(ch)
			}
		default:
			switch ch {
			case ' ', '\t':
				flush()
			case '\'', '"':
				quote = ch
				started = true
			case '\\':
				started = true
				if i+1 < len(s) {
					i++
					cur.WriteByte(s[i])
				}
			default:
				started = true
				cur.WriteByte(ch)
			}
		}
	}

	switch quote {
	case '\'':
		return nil, errors.New("unterminated single quote in agent command")
	case '"':
		return nil, errors.New("unterminated double quote in agent command")
	}
	flush()
	return args, nil
}

// CommandBinary returns the executable named by an agent command line.
func CommandBinary(command string) (string, error) {
	parts, err := splitShellArgs(strings.TrimSpace(command))
	if err != nil {
		return "", err
	}
	if len(parts) == 0 {
		return "", errors.New("agent command must not be empty or whitespace")
	}
	return parts[0], nil
}

// Placeholders substituted in every agent command argument.
const (
	PlaceholderPromptFile = "{prompt_file}"
	PlaceholderWorkspace  = "{workspace}"
)

// Environment variables exported to the agent process.
const (
	EnvGoal       = "ROLLOUT_GOAL"
	EnvTask       = "ROLLOUT_TASK"
	EnvPromptFile = "ROLLOUT_PROMPT_FILE"
	EnvLogDir     = "ROLLOUT_LOG_DIR"
	EnvWorkspace  = "ROLLOUT_WORKSPACE"
)

// CommandGateway runs a configured agent command for every invocation.
//
// The command is tokenized with shell-style quoting (no shell wrapping) and
// runs with the workspace root as working directory. The agent is expected
// to write its completion logs to $ROLLOUT_LOG_DIR/log_completions.
type CommandGateway struct {
	Command string
	// PromptDir optionally overrides the embedded prompt templates.
	PromptDir string
	// Output mirrors the agent's stdout and stderr. Defaults to os.Stdout.
	Output io.Writer
}

// NewCommandGateway returns a CommandGateway for command.
func NewCommandGateway(command, promptDir string) *CommandGateway {
	return &CommandGateway{Command: command, PromptDir: promptDir}
}

// Invoke runs the agent for goal against ws.
//
// Sequence:
//  1. Render the goal's prompt into {LogDir}/prompt.md.
//  2. Substitute {prompt_file} and {workspace} in the command.
//  3. Run the agent, tee-ing output to {LogDir}/agent.log.
//  4. Load the trace from {LogDir}/log_completions.
//
// Every failure is returned as *AgentInvocationError.
func (g *CommandGateway) Invoke(ctx context.Context, goal types.Goal, ws types.Workspace, in Context) (types.Workspace, types.ExecutionTrace, error) {
	if !goal.Valid() {
		return ws, types.ExecutionTrace{}, invocationError(goal, ws, fmt.Errorf("%w %q", ErrUnknownGoal, goal))
	}
	trimmed := strings.TrimSpace(g.Command)
	if trimmed == "" {
		return ws, types.ExecutionTrace{}, invocationError(goal, ws, errors.New("agent command must not be empty or whitespace"))
	}
	parts, err := splitShellArgs(trimmed)
	if err != nil {
		return ws, types.ExecutionTrace{}, invocationError(goal, ws, fmt.Errorf("parse agent command: %w", err))
	}

	_, promptPath, err := WritePrompt(goal, ws, in, g.PromptDir)
	if err != nil {
		return ws, types.ExecutionTrace{}, invocationError(goal, ws, err)
	}
	for i, p := range parts {
		p = strings.ReplaceAll(p, PlaceholderPromptFile, promptPath)
		parts[i] = strings.ReplaceAll(p, PlaceholderWorkspace, ws.Root)
	}

	env := append(os.Environ(),
		EnvGoal+"="+string(goal),
		EnvTask+"="+in.Task.TaskNumber.String(),
		EnvPromptFile+"="+promptPath,
		EnvLogDir+"="+in.LogDir,
		EnvWorkspace+"="+ws.Root,
	)
	duration, err := runLogged(ctx, parts, ws.Root, env, in.LogDir, g.Output)
	if err != nil {
		return ws, types.ExecutionTrace{}, invocationError(goal, ws, err)
	}
	log.Info("agent finished", zap.String("goal", string(goal)), zap.Duration("duration", duration))

	trace, err := LoadCompletionTrace(filepath.Join(in.LogDir, CompletionsDirName))
	if err != nil {
		return ws, types.ExecutionTrace{}, invocationError(goal, ws, err)
	}
	trace.Goal = goal
	return ws, trace, nil
}

// runLogged runs argv in dir and blocks until it exits. Output goes to
// {logDir}/agent.log and to mirror (os.Stdout when nil).
//
// A non-zero exit code from the agent is returned as an error containing the
// exit code.
func runLogged(ctx context.Context, argv []string, dir string, env []string, logDir string, mirror io.Writer) (time.Duration, error) {
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return 0, fmt.Errorf("create log directory %s: %w", logDir, err)
	}
	logFile, err := os.Create(filepath.Join(logDir, AgentLogFileName))
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", AgentLogFileName, err)
	}
	defer logFile.Close()
	if mirror == nil {
		mirror = os.Stdout
	}
	out := io.MultiWriter(logFile, mirror)

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = out
	cmd.Stderr = out

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start agent %q: %w", argv[0], err)
	}

	waitErr := cmd.Wait()
	duration := time.Since(start)

	if waitErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return duration, ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return duration, fmt.Errorf("agent exited with code %d", exitErr.ExitCode())
		}
		return duration, fmt.Errorf("agent command failed: %w", waitErr)
	}

	return duration, nil
}
