// Package integrity detects and reverts tampering with test artifacts.
//
// The implementation stage must not alter the tests the unit-test stage
// produced. Verify compares every per-ordinal test artifact of the
// implementation workspace against the unit-test workspace byte for byte;
// Heal copies the unit-test versions back over anything that differs.
package integrity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/robertgumeny/rollout/internal/types"
)

// TestsDir is the directory, relative to a workspace root, that holds test
// artifacts.
const TestsDir = "tests"

// ScriptPath returns tests/<ordinal>.sh relative to the workspace root.
func ScriptPath(o types.Ordinal) string {
	return filepath.Join(TestsDir, o.String()+".sh")
}

// PythonTestPath returns tests/test_<stem>.py relative to the workspace root.
func PythonTestPath(o types.Ordinal) string {
	return filepath.Join(TestsDir, "test_"+o.FileStem()+".py")
}

// NotesPath returns tests/<ordinal>.md relative to the workspace root.
func NotesPath(o types.Ordinal) string {
	return filepath.Join(TestsDir, o.String()+".md")
}

// Artifacts lists the test artifacts of ordinal o, relative to the workspace root.
func Artifacts(o types.Ordinal) []string {
	return []string{ScriptPath(o), PythonTestPath(o), NotesPath(o)}
}

// Report is the outcome of one Verify call.
type Report struct {
	Unchanged bool
	// Diffs holds the sorted relative paths that differ.
	Diffs []string
}

// Verify compares the test artifacts of every ordinal between pre and post.
// An artifact missing on both sides is equal; missing on one side is a diff.
// Neither workspace is modified.
func Verify(pre, post types.Workspace, ordinals []types.Ordinal) (Report, error) {
	var diffs []string
	seen := make(map[string]bool)
	for _, o := range ordinals {
		for _, rel := range Artifacts(o) {
			if seen[rel] {
				continue
			}
			seen[rel] = true

			a, err := digest(filepath.Join(pre.Root, rel))
			if err != nil {
				return Report{}, err
			}
			b, err := digest(filepath.Join(post.Root, rel))
			if err != nil {
				return Report{}, err
			}
			if a != b {
				diffs = append(diffs, rel)
			}
		}
	}
	sort.Strings(diffs)
	return Report{Unchanged: len(diffs) == 0, Diffs: diffs}, nil
}

// Heal restores every path in report.Diffs in post from pre. A path absent
// from pre is removed from post. Verify over the same ordinals afterwards
// reports Unchanged.
func Heal(pre, post types.Workspace, report Report) error {
	for _, rel := range report.Diffs {
		src := filepath.Join(pre.Root, rel)
		dst := filepath.Join(post.Root, rel)

		info, err := os.Stat(src)
		if errors.Is(err, os.ErrNotExist) {
			if err := os.RemoveAll(dst); err != nil {
				return fmt.Errorf("heal %s: %w", rel, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("heal %s: %w", rel, err)
		}
		if err := restoreFile(src, dst, info.Mode().Perm()); err != nil {
			return fmt.Errorf("heal %s: %w", rel, err)
		}
	}
	return nil
}

func restoreFile(src, dst string, perm os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	// A directory or symlink planted at dst must not survive.
	if fi, err := os.Lstat(dst); err == nil && !fi.Mode().IsRegular() {
		if err := os.RemoveAll(dst); err != nil {
			return err
		}
	}
	if err := os.WriteFile(dst, data, perm); err != nil {
		return err
	}
	return os.Chmod(dst, perm)
}

// digest returns the hex SHA-256 of the file at path, or "" when absent.
// Anything other than a regular file hashes to a marker that never equals a
// file digest.
func digest(path string) (string, error) {
	fi, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	if !fi.Mode().IsRegular() {
		return "!" + fi.Mode().Type().String(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
