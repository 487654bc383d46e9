// Package vcs records a baseline commit of a workspace and reports which
// files changed since, using an in-process git implementation.
//
// The repository metadata lives outside the workspace (in a log directory),
// so agents working in the workspace never see a history they could diff
// against.
package vcs

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/filesystem"
)

// ErrNothingToCommit is returned by Baseline when the worktree is empty.
// Callers should treat this as non-fatal.
var ErrNothingToCommit = errors.New("nothing to commit")

// ignoredSegments are path components produced by running tests rather than
// by editing the project.
var ignoredSegments = []string{"__pycache__", ".pytest_cache", ".git"}

// Tracker is a baseline of one workspace.
type Tracker struct {
	Dir    string
	GitDir string
	repo   *git.Repository
}

// Baseline initialises a repository for dir with its metadata in gitDir,
// stages every file and commits it with message.
//
// Steps:
//  1. Init (or reopen) the repository at gitDir with dir as worktree.
//  2. Stage all files.
//  3. Commit as "rollout <rollout@localhost>".
//
// Returns ErrNothingToCommit (non-fatal, the Tracker is still usable) if the
// worktree has no files.
func Baseline(dir, gitDir, message string) (*Tracker, error) {
	repo, err := openOrInit(dir, gitDir)
	if err != nil {
		return nil, err
	}
	t := &Tracker{Dir: dir, GitDir: gitDir, repo: repo}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("Baseline: worktree: %w", err)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return nil, fmt.Errorf("Baseline: stage all: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("Baseline: status: %w", err)
	}
	if status.IsClean() {
		return t, ErrNothingToCommit
	}
	_, err = wt.Commit(message, &git.CommitOptions{
		Author: &object.Signature{Name: "rollout", Email: "rollout@localhost", When: time.Now()},
	})
	if err != nil {
		return nil, fmt.Errorf("Baseline: commit: %w", err)
	}
	return t, nil
}

// Changed returns the sorted slash-separated paths that differ from the
// baseline: modified, added and deleted files. Test run byproducts such as
// __pycache__ are left out.
func (t *Tracker) Changed() ([]string, error) {
	wt, err := t.repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("Changed: worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("Changed: status: %w", err)
	}
	var paths []string
	for path, s := range status {
		if s.Worktree == git.Unmodified && s.Staging == git.Unmodified {
			continue
		}
		if ignored(path) {
			continue
		}
		paths = append(paths, filepath.ToSlash(path))
	}
	sort.Strings(paths)
	return paths, nil
}

func openOrInit(dir, gitDir string) (*git.Repository, error) {
	st := filesystem.NewStorage(osfs.New(gitDir), cache.NewObjectLRUDefault())
	wt := osfs.New(dir)
	repo, err := git.Open(st, wt)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repository %s: %w", gitDir, err)
	}
	repo, err = git.Init(st, wt)
	if err != nil {
		return nil, fmt.Errorf("init repository %s: %w", gitDir, err)
	}
	return repo, nil
}

func ignored(path string) bool {
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		for _, ig := range ignoredSegments {
			if seg == ig {
				return true
			}
		}
		if strings.HasSuffix(seg, ".pyc") {
			return true
		}
	}
	return false
}
