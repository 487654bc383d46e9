package workspace_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robertgumeny/rollout/internal/types"
	"github.com/robertgumeny/rollout/internal/workspace"
)

// makeProject builds a small project tree and returns it as a workspace.
func makeProject(t *testing.T) types.Workspace {
	t.Helper()
	root := filepath.Join(t.TempDir(), "calc")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "src", "calc"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "tests"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "src", "calc", "__init__.py"), []byte("x = 1\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "tests", "1.1.1.sh"), []byte("#!/bin/bash\nexit 0\n"), 0o755))
	require.NoError(t, os.Symlink("src/calc", filepath.Join(root, "pkg")))
	return types.Workspace{Root: root, Project: "calc"}
}

// ---------------------------------------------------------------------------
// Snapshot
// ---------------------------------------------------------------------------

func TestSnapshot_CopiesTreeAndTags(t *testing.T) {
	src := makeProject(t)
	dst := filepath.Join(t.TempDir(), "calc_1.1.1_unit_test")

	ws, err := workspace.Snapshot(src, dst, types.StageUnitTest, "1.1.1")
	require.NoError(t, err)
	assert.Equal(t, types.Workspace{Root: dst, Project: "calc", Ordinal: "1.1.1", Stage: types.StageUnitTest}, ws)

	data, err := os.ReadFile(filepath.Join(dst, "src", "calc", "__init__.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", string(data))

	info, err := os.Stat(filepath.Join(dst, "tests", "1.1.1.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())

	link, err := os.Readlink(filepath.Join(dst, "pkg"))
	require.NoError(t, err)
	assert.Equal(t, "src/calc", link)
}

func TestSnapshot_IsIsolated(t *testing.T) {
	src := makeProject(t)
	dst := filepath.Join(t.TempDir(), "copy")
	_, err := workspace.Snapshot(src, dst, types.StageImplementation, "1.1.1")
	require.NoError(t, err)

	// Writes to the copy are invisible to the source and vice versa.
	require.NoError(t, os.WriteFile(filepath.Join(dst, "src", "calc", "__init__.py"), []byte("x = 2\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(src.Root, "tests", "1.1.1.sh"), []byte("exit 1\n"), 0o755))

	srcData, _ := os.ReadFile(filepath.Join(src.Root, "src", "calc", "__init__.py"))
	dstData, _ := os.ReadFile(filepath.Join(dst, "tests", "1.1.1.sh"))
	assert.Equal(t, "x = 1\n", string(srcData))
	assert.Equal(t, "#!/bin/bash\nexit 0\n", string(dstData))
}

func TestSnapshot_AbsoluteLinkIntoSourceIsRetargeted(t *testing.T) {
	src := makeProject(t)
	data := filepath.Join(src.Root, "data")
	require.NoError(t, os.MkdirAll(data, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(data, "cfg.txt"), []byte("original"), 0o644))
	require.NoError(t, os.Symlink(data, filepath.Join(src.Root, "link")))
	outside := t.TempDir()
	require.NoError(t, os.Symlink(outside, filepath.Join(src.Root, "external")))

	dst := filepath.Join(t.TempDir(), "copy")
	_, err := workspace.Snapshot(src, dst, types.StageImplementation, "1.1.1")
	require.NoError(t, err)

	link, err := os.Readlink(filepath.Join(dst, "link"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dst, "data"), link)
	ext, err := os.Readlink(filepath.Join(dst, "external"))
	require.NoError(t, err)
	assert.Equal(t, outside, ext)

	require.NoError(t, os.WriteFile(filepath.Join(dst, "link", "cfg.txt"), []byte("mutated"), 0o644))
	got, err := os.ReadFile(filepath.Join(data, "cfg.txt"))
	require.NoError(t, err)
	assert.Equal(t, "original", string(got))
}

func TestSnapshot_DestinationInsideSource(t *testing.T) {
	src := makeProject(t)
	dst := filepath.Join(src.Root, "runtimes", "runtime_1", "calc_1.1.1_unit_test")

	_, err := workspace.Snapshot(src, dst, types.StageUnitTest, "1.1.1")
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(dst, "tests", "1.1.1.sh"))
	assert.NoDirExists(t, filepath.Join(dst, "runtimes", "runtime_1", "calc_1.1.1_unit_test"))
}

func TestSnapshot_Errors(t *testing.T) {
	src := makeProject(t)

	t.Run("missing source", func(t *testing.T) {
		missing := types.Workspace{Root: filepath.Join(t.TempDir(), "nope")}
		_, err := workspace.Snapshot(missing, filepath.Join(t.TempDir(), "dst"), types.StageUnitTest, "1.1.1")
		var snapErr *workspace.SnapshotError
		assert.True(t, errors.As(err, &snapErr), "got %v", err)
	})

	t.Run("destination exists", func(t *testing.T) {
		dst := t.TempDir()
		_, err := workspace.Snapshot(src, dst, types.StageUnitTest, "1.1.1")
		assert.True(t, errors.Is(err, workspace.ErrDestinationExists), "got %v", err)
	})

	t.Run("source is a file", func(t *testing.T) {
		file := types.Workspace{Root: filepath.Join(src.Root, "tests", "1.1.1.sh")}
		_, err := workspace.Snapshot(file, filepath.Join(t.TempDir(), "dst"), types.StageUnitTest, "1.1.1")
		var snapErr *workspace.SnapshotError
		assert.True(t, errors.As(err, &snapErr), "got %v", err)
	})
}

func TestManager_InMemory(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/proj/tests/1.1.1.sh", []byte("exit 0"), 0o755))
	require.NoError(t, afero.WriteFile(fs, "/proj/main.py", []byte("print(1)"), 0o644))

	m := &workspace.Manager{Fs: fs}
	ws, err := m.Snapshot(types.Workspace{Root: "/proj", Project: "proj"}, "/snap", types.StageFix, "1.1.1")
	require.NoError(t, err)
	assert.True(t, m.Exists(ws))

	data, err := afero.ReadFile(fs, "/snap/tests/1.1.1.sh")
	require.NoError(t, err)
	assert.Equal(t, "exit 0", string(data))

	require.NoError(t, m.Discard(ws))
	assert.False(t, m.Exists(ws))
}

// ---------------------------------------------------------------------------
// Discard
// ---------------------------------------------------------------------------

func TestDiscard(t *testing.T) {
	src := makeProject(t)
	require.NoError(t, workspace.Discard(src))
	assert.False(t, workspace.Exists(src))

	// Discarding again is a no-op.
	assert.NoError(t, workspace.Discard(src))
	assert.NoError(t, workspace.Discard(types.Workspace{}))
}
