package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batchismo/batchismo/internal/logging"
)

func newWorkspace(t *testing.T) *Workspace {
	t.Helper()
	w, err := New(filepath.Join(t.TempDir(), "workspace"), logging.Nop())
	require.NoError(t, err)
	return w
}

func TestEnsureDefaultsAndList(t *testing.T) {
	w := newWorkspace(t)
	require.NoError(t, w.EnsureDefaults("Aria"))

	files, err := w.List()
	require.NoError(t, err)
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	assert.Equal(t, []string{FileIdentity, FileMemory, FilePatterns, FileSkills, FileTools}, names)

	identity, err := w.Read(FileIdentity)
	require.NoError(t, err)
	assert.Contains(t, identity, "Aria")

	// Re-running does not clobber user edits.
	require.NoError(t, w.Write(FileMemory, "# Memory\n\nThe user likes tea.\n"))
	require.NoError(t, w.EnsureDefaults("Aria"))
	memory, err := w.Read(FileMemory)
	require.NoError(t, err)
	assert.Contains(t, memory, "likes tea")
}

func TestWriteSnapshotsPreviousVersion(t *testing.T) {
	w := newWorkspace(t)
	require.NoError(t, w.Write(FileMemory, "v1"))
	require.NoError(t, w.Write(FileMemory, "v2"))

	entries, err := os.ReadDir(w.historyDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	data, err := os.ReadFile(filepath.Join(w.historyDir(), entries[0].Name()))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	current, err := w.Read(FileMemory)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(current))
}

func TestSweepHistory(t *testing.T) {
	w := newWorkspace(t)
	require.NoError(t, w.Write(FileMemory, "v1"))
	require.NoError(t, w.Write(FileMemory, "v2"))

	entries, err := os.ReadDir(w.historyDir())
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Fresh snapshots survive.
	removed, err := w.SweepHistory()
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	// Age the snapshot past retention.
	old := time.Now().Add(-31 * 24 * time.Hour)
	stale := filepath.Join(w.historyDir(), entries[0].Name())
	require.NoError(t, os.Chtimes(stale, old, old))

	removed, err = w.SweepHistory()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestInvalidNamesRejected(t *testing.T) {
	w := newWorkspace(t)
	for _, name := range []string{"", "../evil.md", "sub/also.md", "notes.txt"} {
		_, err := w.Read(name)
		assert.Error(t, err, name)
		assert.Error(t, w.Write(name, "x"), name)
	}
}

func TestReadOrEmpty(t *testing.T) {
	w := newWorkspace(t)
	assert.Equal(t, "", w.ReadOrEmpty(FileSkills))
	require.NoError(t, w.Write(FileSkills, "  # Skills\n\n- carving\n  "))
	assert.Equal(t, "# Skills\n\n- carving", w.ReadOrEmpty(FileSkills))
}

func TestWatchReportsWrites(t *testing.T) {
	w := newWorkspace(t)
	changes := make(chan string, 8)
	stop, err := w.Watch(func(name string) { changes <- name })
	require.NoError(t, err)
	defer stop()

	require.NoError(t, os.WriteFile(filepath.Join(w.Dir(), FileMemory), []byte("edited"), 0o644))

	select {
	case name := <-changes:
		assert.Equal(t, FileMemory, name)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher reported no change")
	}
}
