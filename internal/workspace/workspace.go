// Package workspace manages the user-editable markdown files that feed the
// system prompt (IDENTITY.md, MEMORY.md, PATTERNS.md, SKILLS.md, TOOLS.md),
// keeps a rolling history of prior versions, and watches the directory for
// out-of-band edits.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Workspace file names.
const (
	FileIdentity = "IDENTITY.md"
	FileMemory   = "MEMORY.md"
	FilePatterns = "PATTERNS.md"
	FileSkills   = "SKILLS.md"
	FileTools    = "TOOLS.md"
)

// Files lists the managed workspace files.
var Files = []string{FileIdentity, FileMemory, FilePatterns, FileSkills, FileTools}

// historyRetention is how long prior versions are kept.
const historyRetention = 30 * 24 * time.Hour

// FileInfo describes one workspace file.
type FileInfo struct {
	Name       string    `json:"name"`
	SizeBytes  int64     `json:"size_bytes"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Workspace manages the files under one directory.
type Workspace struct {
	dir    string
	logger *zap.Logger
}

// New opens a workspace rooted at dir, creating it if needed.
func New(dir string, logger *zap.Logger) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}
	return &Workspace{dir: dir, logger: logger}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

func (w *Workspace) historyDir() string { return filepath.Join(w.dir, "history") }

// validName rejects traversal and non-markdown names.
func validName(name string) error {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return fmt.Errorf("invalid workspace file name: %q", name)
	}
	if !strings.HasSuffix(name, ".md") {
		return fmt.Errorf("workspace files must end with .md: %q", name)
	}
	return nil
}

// List returns the markdown files present, sorted by name.
func (w *Workspace) List() ([]FileInfo, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, err
	}
	var out []FileInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		out = append(out, FileInfo{Name: e.Name(), SizeBytes: info.Size(), ModifiedAt: info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Read returns a workspace file's contents.
func (w *Workspace) Read(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(w.dir, name))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return string(data), nil
}

// ReadOrEmpty returns the contents, or "" when the file is missing.
func (w *Workspace) ReadOrEmpty(name string) string {
	content, err := w.Read(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(content)
}

// Write replaces a workspace file, snapshotting the previous version into
// the history directory first.
func (w *Workspace) Write(name, content string) error {
	if err := validName(name); err != nil {
		return err
	}
	path := filepath.Join(w.dir, name)

	if prev, err := os.ReadFile(path); err == nil {
		if err := os.MkdirAll(w.historyDir(), 0o755); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
		stamp := time.Now().UTC().Format("20060102T150405")
		snapshot := filepath.Join(w.historyDir(), fmt.Sprintf("%s.%s", name, stamp))
		if err := os.WriteFile(snapshot, prev, 0o644); err != nil {
			return fmt.Errorf("snapshot %s: %w", name, err)
		}
	}

	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// SweepHistory removes history snapshots older than the retention window
// and returns how many were deleted.
func (w *Workspace) SweepHistory() (int, error) {
	entries, err := os.ReadDir(w.historyDir())
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	cutoff := time.Now().Add(-historyRetention)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(filepath.Join(w.historyDir(), e.Name())) == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// Watch reports external edits to workspace files until ctx-free Close:
// onChange is invoked with the file name for every write to a managed
// markdown file. Returns a stop function.
func (w *Workspace) Watch(onChange func(name string)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("workspace watcher: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", w.dir, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				name := filepath.Base(ev.Name)
				if strings.HasSuffix(name, ".md") {
					onChange(name)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("workspace watch error", zap.Error(err))
			}
		}
	}()

	return func() { watcher.Close() }, nil
}

// EnsureDefaults creates any missing workspace files with a header so the
// user has something to edit.
func (w *Workspace) EnsureDefaults(agentName string) error {
	defaults := map[string]string{
		FileIdentity: fmt.Sprintf("# Identity\n\nName: %s\n\nYou are %s, a personal AI agent running on this computer. You help your user by reading and writing files, answering questions, and completing tasks.\n", agentName, agentName),
		FileMemory:   "# Memory\n",
		FilePatterns: "# Patterns\n",
		FileSkills:   "# Skills\n",
		FileTools:    "# Tools\n",
	}
	for name, content := range defaults {
		path := filepath.Join(w.dir, name)
		if _, err := os.Stat(path); err == nil {
			continue
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			return fmt.Errorf("write default %s: %w", name, err)
		}
	}
	return nil
}
