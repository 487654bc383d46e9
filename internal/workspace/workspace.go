// Package workspace creates and discards isolated directory snapshots of a
// project. Every pipeline stage works on its own full copy, so a failed stage
// can be thrown away without touching the state it started from.
package workspace

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/robertgumeny/rollout/internal/types"
)

// SnapshotError is returned when a snapshot cannot be created.
type SnapshotError struct {
	Src string
	Dst string
	Err error
}

func (e *SnapshotError) Error() string {
	return fmt.Sprintf("snapshot %s -> %s: %v", e.Src, e.Dst, e.Err)
}

func (e *SnapshotError) Unwrap() error {
	return e.Err
}

// ErrDestinationExists is wrapped by SnapshotError when dst is already present.
var ErrDestinationExists = errors.New("destination already exists")

// Manager copies and removes workspaces on a filesystem.
type Manager struct {
	Fs afero.Fs
}

// NewManager returns a Manager on the host filesystem.
func NewManager() *Manager {
	return &Manager{Fs: afero.NewOsFs()}
}

var defaultManager = NewManager()

// Snapshot copies src into dst on the host filesystem. See Manager.Snapshot.
func Snapshot(src types.Workspace, dst string, stage types.Stage, ordinal types.Ordinal) (types.Workspace, error) {
	return defaultManager.Snapshot(src, dst, stage, ordinal)
}

// Discard removes ws from the host filesystem. See Manager.Discard.
func Discard(ws types.Workspace) error {
	return defaultManager.Discard(ws)
}

// Exists reports whether ws is present on the host filesystem.
func Exists(ws types.Workspace) bool {
	return defaultManager.Exists(ws)
}

// CopyTree copies the directory src to dst on the host filesystem.
// dst must not exist.
func CopyTree(src, dst string) error {
	return defaultManager.copyTree(src, dst)
}

// Snapshot produces an independent copy of src at dst, tagged with stage and
// ordinal. Regular files are copied with their mode, directories are
// recreated and symlinks are recreated as symlinks. Nothing is hard-linked, so
// later writes to either tree are invisible to the other.
//
// Returns *SnapshotError when src is missing or not a directory, or when dst
// already exists. A partial copy is removed before returning.
func (m *Manager) Snapshot(src types.Workspace, dst string, stage types.Stage, ordinal types.Ordinal) (types.Workspace, error) {
	if err := m.copyTree(src.Root, dst); err != nil {
		return types.Workspace{}, &SnapshotError{Src: src.Root, Dst: dst, Err: err}
	}
	return types.Workspace{Root: dst, Project: src.Project, Ordinal: ordinal, Stage: stage}, nil
}

// Discard removes ws entirely. An absent workspace is not an error.
func (m *Manager) Discard(ws types.Workspace) error {
	if ws.Root == "" {
		return nil
	}
	if err := m.Fs.RemoveAll(ws.Root); err != nil {
		return fmt.Errorf("discard %s: %w", ws.Root, err)
	}
	return nil
}

// Exists reports whether ws is present as a directory.
func (m *Manager) Exists(ws types.Workspace) bool {
	if ws.Root == "" {
		return false
	}
	ok, err := afero.DirExists(m.Fs, ws.Root)
	return err == nil && ok
}

func (m *Manager) copyTree(src, dst string) error {
	info, err := m.Fs.Stat(src)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("source %s is not a directory", src)
	}
	if _, err := m.lstat(dst); err == nil {
		return ErrDestinationExists
	}
	absSrc, err := filepath.Abs(src)
	if err != nil {
		return err
	}
	absDst, err := filepath.Abs(dst)
	if err != nil {
		return err
	}
	if absDst == absSrc {
		return fmt.Errorf("destination %s is the source", dst)
	}

	err = afero.Walk(m.Fs, src, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		// dst may live inside src; never copy the copy.
		if within(absDst, filepath.Join(absSrc, rel)) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		switch {
		case fi.Mode()&os.ModeSymlink != 0:
			return m.copySymlink(path, target, absSrc, absDst)
		case fi.IsDir():
			return m.Fs.MkdirAll(target, fi.Mode().Perm()|0o700)
		case fi.Mode().IsRegular():
			return m.copyFile(path, target, fi.Mode().Perm())
		default:
			// Sockets, devices and pipes have no meaning in a project tree.
			return nil
		}
	})
	if err != nil {
		_ = m.Fs.RemoveAll(dst)
		return err
	}
	return nil
}

// within reports whether path is root or lies below it. Both are absolute.
func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func (m *Manager) copyFile(src, dst string, perm os.FileMode) error {
	in, err := m.Fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := m.Fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile honours the umask; restore the exact source mode.
	return m.Fs.Chmod(dst, perm)
}

// copySymlink recreates the link at src as dst. An absolute target inside
// srcRoot is rewritten to the same path under dstRoot so the copy never
// points back into the source.
func (m *Manager) copySymlink(src, dst, srcRoot, dstRoot string) error {
	reader, ok := m.Fs.(afero.LinkReader)
	linker, ok2 := m.Fs.(afero.Linker)
	if !ok || !ok2 {
		return fmt.Errorf("copy symlink %s: filesystem does not support symlinks", src)
	}
	target, err := reader.ReadlinkIfPossible(src)
	if err != nil {
		return err
	}
	if filepath.IsAbs(target) && within(srcRoot, filepath.Clean(target)) {
		rel, err := filepath.Rel(srcRoot, filepath.Clean(target))
		if err != nil {
			return err
		}
		target = filepath.Join(dstRoot, rel)
	}
	return linker.SymlinkIfPossible(target, dst)
}

func (m *Manager) lstat(path string) (os.FileInfo, error) {
	if l, ok := m.Fs.(afero.Lstater); ok {
		fi, _, err := l.LstatIfPossible(path)
		return fi, err
	}
	return m.Fs.Stat(path)
}
