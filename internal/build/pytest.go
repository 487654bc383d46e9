package build

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/robertgumeny/rollout/internal/integrity"
	"github.com/robertgumeny/rollout/internal/types"
)

// ErrNoTests is returned by PytestRunner when the workspace has no
// normalised test files to run.
var ErrNoTests = errors.New("no python test files found")

// PytestRunner runs `python -m pytest <file> -v` for every normalised test
// file in tests/: *.py files whose names start with neither "test_" nor "__".
// Normalised files are no longer tied to ordinals, so Run ignores the
// ordinal list and reports outcomes by file.
type PytestRunner struct {
	Python string
}

// NewPytestRunner returns a PytestRunner using python ("python" when empty).
func NewPytestRunner(python string) *PytestRunner {
	if python == "" {
		python = "python"
	}
	return &PytestRunner{Python: python}
}

// Run executes every normalised test file in name order.
func (p *PytestRunner) Run(ctx context.Context, ws types.Workspace, _ []types.Ordinal) (Result, error) {
	files, err := NormalisedTestFiles(ws)
	if err != nil {
		return Result{}, err
	}
	res := Result{Passed: true}
	for _, rel := range files {
		outcome, err := runTarget(ctx, ws.Root, p.Python, "-m", "pytest", rel, "-v")
		if err != nil {
			return Result{}, err
		}
		outcome.Target = rel
		if !outcome.Passed {
			res.Passed = false
		}
		res.PerTask = append(res.PerTask, outcome)
	}
	return res, nil
}

// NormalisedTestFiles lists tests/*.py files without a "test_" or "__"
// prefix, relative to the workspace root and sorted.
func NormalisedTestFiles(ws types.Workspace) ([]string, error) {
	dir := filepath.Join(ws.Root, integrity.TestsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read tests dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || filepath.Ext(name) != ".py" {
			continue
		}
		if strings.HasPrefix(name, "test_") || strings.HasPrefix(name, "__") {
			continue
		}
		files = append(files, filepath.Join(integrity.TestsDir, name))
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoTests)
	}
	sort.Strings(files)
	return files, nil
}
