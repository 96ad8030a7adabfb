package tool

import (
	"context"
	"io/fs"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/batchismo/batchismo/internal/policy"
)

// searchDir walks root and returns paths matching the doublestar pattern.
// Subtrees outside the read policy are skipped rather than failing the
// whole search: a rule for a parent directory does not imply one for a
// mount point nested inside it.
func searchDir(ctx context.Context, policies []policy.PathPolicy, root, pattern string) ([]string, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, errInvalidPattern(pattern)
	}

	var matches []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if path != root && !policy.CanRead(policies, path) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		ok, _ := doublestar.Match(pattern, filepath.ToSlash(rel))
		if ok && policy.CanRead(policies, path) {
			matches = append(matches, path)
		}
		if len(matches) > maxSearchResults {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil && err != fs.SkipAll {
		return nil, err
	}
	return matches, nil
}

type patternError string

func (e patternError) Error() string { return "invalid glob pattern: " + string(e) }

func errInvalidPattern(p string) error { return patternError(p) }
