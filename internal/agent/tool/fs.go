package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/batchismo/batchismo/internal/policy"
)

// resolvePath makes the target absolute and resolves symlinks when the file
// exists, so policy evaluation sees the real location. For paths that do
// not exist yet, the deepest existing ancestor is resolved instead.
func resolvePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path %q: %v", path, err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(abs))
	if err != nil {
		return abs, nil
	}
	return filepath.Join(parent, filepath.Base(abs)), nil
}

// ─── fs_read ────────────────────────────────────────────────────────────────

// FsRead reads a file under the read policy.
type FsRead struct {
	policies []policy.PathPolicy
}

func NewFsRead(policies []policy.PathPolicy) *FsRead { return &FsRead{policies} }

func (t *FsRead) Name() string { return "fs_read" }
func (t *FsRead) Description() string {
	return "Read the contents of a file. Returns the file content as text."
}
func (t *FsRead) Capabilities() []Capability { return []Capability{CapFilesystemRead} }
func (t *FsRead) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Absolute path to the file to read"},
		},
		"required": []any{"path"},
	}
}

func (t *FsRead) Execute(ctx context.Context, input map[string]any) (string, error) {
	target, err := resolvePath(str(input, "path"))
	if err != nil {
		return "", err
	}
	if !policy.CanRead(t.policies, target) {
		return "", deniedErr(target)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %v", policy.StripExtendedPrefix(target), err)
	}
	return string(data), nil
}

// ─── fs_write ───────────────────────────────────────────────────────────────

// FsWrite writes a file under the write policy, creating parents as needed.
type FsWrite struct {
	policies []policy.PathPolicy
}

func NewFsWrite(policies []policy.PathPolicy) *FsWrite { return &FsWrite{policies} }

func (t *FsWrite) Name() string { return "fs_write" }
func (t *FsWrite) Description() string {
	return "Write content to a file. Creates the file and parent directories if needed."
}
func (t *FsWrite) Capabilities() []Capability { return []Capability{CapFilesystemWrite} }
func (t *FsWrite) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Absolute path to write to"},
			"content": map[string]any{"type": "string", "description": "Content to write to the file"},
		},
		"required": []any{"path", "content"},
	}
}

func (t *FsWrite) Execute(ctx context.Context, input map[string]any) (string, error) {
	target, err := resolvePath(str(input, "path"))
	if err != nil {
		return "", err
	}
	// Policy before any I/O: a denied write must leave no trace on disk.
	if !policy.CanWrite(t.policies, target) {
		return "", deniedErr(target)
	}
	content := str(input, "content")
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %v", err)
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %v", policy.StripExtendedPrefix(target), err)
	}
	return fmt.Sprintf("Wrote %d bytes to %s", len(content), policy.StripExtendedPrefix(target)), nil
}

// ─── fs_list ────────────────────────────────────────────────────────────────

// FsList lists a directory under the read policy.
type FsList struct {
	policies []policy.PathPolicy
}

func NewFsList(policies []policy.PathPolicy) *FsList { return &FsList{policies} }

func (t *FsList) Name() string { return "fs_list" }
func (t *FsList) Description() string {
	return "List the contents of a directory. Entries are marked as files or directories with sizes."
}
func (t *FsList) Capabilities() []Capability { return []Capability{CapFilesystemRead} }
func (t *FsList) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Absolute path of the directory to list"},
		},
		"required": []any{"path"},
	}
}

func (t *FsList) Execute(ctx context.Context, input map[string]any) (string, error) {
	target, err := resolvePath(str(input, "path"))
	if err != nil {
		return "", err
	}
	if !policy.CanRead(t.policies, target) {
		return "", deniedErr(target)
	}
	entries, err := os.ReadDir(target)
	if err != nil {
		return "", fmt.Errorf("failed to list %s: %v", policy.StripExtendedPrefix(target), err)
	}

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
			continue
		}
		info, err := e.Info()
		if err != nil {
			fmt.Fprintf(&b, "%s\n", e.Name())
			continue
		}
		fmt.Fprintf(&b, "%s  (%d bytes)\n", e.Name(), info.Size())
	}
	if b.Len() == 0 {
		return "(empty directory)", nil
	}
	return b.String(), nil
}

// ─── fs_move ────────────────────────────────────────────────────────────────

// FsMove renames a file. Moving reads the source and writes both ends, so
// it requires write access to source and destination.
type FsMove struct {
	policies []policy.PathPolicy
}

func NewFsMove(policies []policy.PathPolicy) *FsMove { return &FsMove{policies} }

func (t *FsMove) Name() string { return "fs_move" }
func (t *FsMove) Description() string {
	return "Move or rename a file. Both source and destination must be writable."
}
func (t *FsMove) Capabilities() []Capability {
	return []Capability{CapFilesystemRead, CapFilesystemWrite}
}
func (t *FsMove) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"source":      map[string]any{"type": "string", "description": "Absolute path of the file to move"},
			"destination": map[string]any{"type": "string", "description": "Absolute path to move it to"},
		},
		"required": []any{"source", "destination"},
	}
}

func (t *FsMove) Execute(ctx context.Context, input map[string]any) (string, error) {
	src, err := resolvePath(str(input, "source"))
	if err != nil {
		return "", err
	}
	dst, err := resolvePath(str(input, "destination"))
	if err != nil {
		return "", err
	}
	if !policy.CanWrite(t.policies, src) {
		return "", deniedErr(src)
	}
	if !policy.CanWrite(t.policies, dst) {
		return "", deniedErr(dst)
	}
	if err := os.Rename(src, dst); err != nil {
		return "", fmt.Errorf("failed to move %s: %v", policy.StripExtendedPrefix(src), err)
	}
	return fmt.Sprintf("Moved %s to %s", policy.StripExtendedPrefix(src), policy.StripExtendedPrefix(dst)), nil
}

// ─── fs_stat ────────────────────────────────────────────────────────────────

// FsStat reports file metadata under the read policy.
type FsStat struct {
	policies []policy.PathPolicy
}

func NewFsStat(policies []policy.PathPolicy) *FsStat { return &FsStat{policies} }

func (t *FsStat) Name() string { return "fs_stat" }
func (t *FsStat) Description() string {
	return "Get metadata for a file or directory: size, kind, permissions, modification time."
}
func (t *FsStat) Capabilities() []Capability { return []Capability{CapFilesystemRead} }
func (t *FsStat) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "Absolute path to inspect"},
		},
		"required": []any{"path"},
	}
}

func (t *FsStat) Execute(ctx context.Context, input map[string]any) (string, error) {
	target, err := resolvePath(str(input, "path"))
	if err != nil {
		return "", err
	}
	if !policy.CanRead(t.policies, target) {
		return "", deniedErr(target)
	}
	info, err := os.Stat(target)
	if err != nil {
		return "", fmt.Errorf("failed to stat %s: %v", policy.StripExtendedPrefix(target), err)
	}
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	return fmt.Sprintf("%s\nkind: %s\nsize: %d bytes\nmode: %s\nmodified: %s",
		policy.StripExtendedPrefix(target), kind, info.Size(), info.Mode(),
		info.ModTime().UTC().Format("2006-01-02T15:04:05Z")), nil
}

// ─── fs_search ──────────────────────────────────────────────────────────────

// FsSearch matches files under a root directory against a glob pattern.
type FsSearch struct {
	policies []policy.PathPolicy
}

func NewFsSearch(policies []policy.PathPolicy) *FsSearch { return &FsSearch{policies} }

func (t *FsSearch) Name() string { return "fs_search" }
func (t *FsSearch) Description() string {
	return "Find files under a directory matching a glob pattern such as **/*.md. Returns matching paths."
}
func (t *FsSearch) Capabilities() []Capability { return []Capability{CapFilesystemRead} }
func (t *FsSearch) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "Absolute directory to search under"},
			"pattern": map[string]any{"type": "string", "description": "Glob pattern relative to the directory, e.g. **/*.go"},
		},
		"required": []any{"path", "pattern"},
	}
}

// maxSearchResults bounds one search so a broad pattern cannot flood the
// model context.
const maxSearchResults = 500

func (t *FsSearch) Execute(ctx context.Context, input map[string]any) (string, error) {
	root, err := resolvePath(str(input, "path"))
	if err != nil {
		return "", err
	}
	if !policy.CanRead(t.policies, root) {
		return "", deniedErr(root)
	}
	pattern := str(input, "pattern")

	matches, err := searchDir(ctx, t.policies, root, pattern)
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "(no matches)", nil
	}
	sort.Strings(matches)
	clipped := false
	if len(matches) > maxSearchResults {
		matches = matches[:maxSearchResults]
		clipped = true
	}
	out := strings.Join(matches, "\n")
	if clipped {
		out += fmt.Sprintf("\n[Truncated: more than %d matches]", maxSearchResults)
	}
	return out, nil
}
