// Package build runs the cumulative test suite of a workspace.
//
// Validation is cumulative: every completed task's tests plus the current
// task's tests run against the same workspace, so a task that breaks earlier
// functionality fails validation even when its own tests pass.
package build

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/robertgumeny/rollout/internal/types"
)

// Runner kinds accepted by NewRunner.
const (
	KindScript = "script"
	KindPytest = "pytest"
)

// outputTailLines is how much combined output each outcome keeps.
const outputTailLines = 50

// Runner executes test suites against a workspace.
type Runner interface {
	// Run executes the tests of every ordinal, in order, with the workspace
	// root as working directory. The returned error is reserved for problems
	// that prevent running at all (cancellation, no tests found); failing
	// tests are reported through Result.
	Run(ctx context.Context, ws types.Workspace, ordinals []types.Ordinal) (Result, error)
}

// TaskOutcome is the result of one test target.
type TaskOutcome struct {
	Ordinal types.Ordinal
	// Target is the script or file that was executed, relative to the workspace.
	Target   string
	Passed   bool
	ExitCode int
	// Output holds the last 50 lines of combined stdout and stderr.
	Output string
	Err    error
}

// Result is the aggregate outcome of one Run call.
type Result struct {
	Passed  bool
	PerTask []TaskOutcome
}

// Failed returns the outcomes that did not pass.
func (r Result) Failed() []TaskOutcome {
	var out []TaskOutcome
	for _, o := range r.PerTask {
		if !o.Passed {
			out = append(out, o)
		}
	}
	return out
}

// Err returns a *ValidationFailure when the result did not pass, nil otherwise.
func (r Result) Err() error {
	if r.Passed {
		return nil
	}
	vf := &ValidationFailure{}
	for _, o := range r.Failed() {
		vf.Failed = append(vf.Failed, o.Ordinal)
		vf.Targets = append(vf.Targets, o.Target)
		if vf.Output == "" {
			vf.Output = o.Output
		}
	}
	return vf
}

// ValidationFailure reports that the cumulative test run did not pass.
type ValidationFailure struct {
	Failed  []types.Ordinal
	Targets []string
	// Output is the output tail of the first failing target.
	Output string
}

func (e *ValidationFailure) Error() string {
	if len(e.Failed) == 0 {
		return "validation failed"
	}
	names := make([]string, 0, len(e.Failed))
	for i, o := range e.Failed {
		switch {
		case o != "":
			names = append(names, o.String())
		case i < len(e.Targets):
			names = append(names, e.Targets[i])
		}
	}
	return "validation failed: " + strings.Join(names, ", ")
}

// Options configures runners built by NewRunner.
type Options struct {
	// Shell runs per-ordinal scripts (default "bash").
	Shell string
	// Python runs pytest (default "python").
	Python string
}

// NewRunner returns a Runner for the given kind.
// Supported kinds: "script" and "pytest".
func NewRunner(kind string, opts Options) (Runner, error) {
	switch kind {
	case KindScript:
		return NewScriptRunner(opts.Shell), nil
	case KindPytest:
		return NewPytestRunner(opts.Python), nil
	default:
		return nil, fmt.Errorf("unknown runner kind %q: supported kinds are %q and %q", kind, KindScript, KindPytest)
	}
}

// runTarget executes name with args in dir and converts the process result
// into an outcome. Context cancellation is returned as an error.
func runTarget(ctx context.Context, dir string, name string, args ...string) (TaskOutcome, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return TaskOutcome{}, ctxErr
	}
	o := TaskOutcome{Output: tail(out), Passed: err == nil}
	if err != nil {
		o.Err = err
		o.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			o.ExitCode = exitErr.ExitCode()
		}
	}
	return o, nil
}

// tail returns the last 50 lines of output.
func tail(output []byte) string {
	lines := strings.Split(strings.TrimRight(string(output), "\n"), "\n")
	if len(lines) > outputTailLines {
		lines = lines[len(lines)-outputTailLines:]
	}
	return strings.Join(lines, "\n")
}
