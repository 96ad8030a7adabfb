// Package policy implements path-policy rules and their evaluation.
//
// Rules are stored exactly as the user entered them; evaluation strips the
// Windows extended-length prefix and, on case-insensitive filesystems, folds
// case before comparing. A target matches a rule when it equals the rule
// path, or is a descendant of it for recursive rules. Absence of a matching
// rule denies the operation.
package policy

import (
	"path/filepath"
	"runtime"
	"strings"
)

// AccessLevel controls which operations a rule permits.
type AccessLevel string

const (
	ReadOnly  AccessLevel = "read-only"
	ReadWrite AccessLevel = "read-write"
	WriteOnly AccessLevel = "write-only"
)

// Valid reports whether the access level is one of the known values.
func (a AccessLevel) Valid() bool {
	switch a {
	case ReadOnly, ReadWrite, WriteOnly:
		return true
	}
	return false
}

// AllowsRead reports whether the level permits reading.
func (a AccessLevel) AllowsRead() bool { return a == ReadOnly || a == ReadWrite }

// AllowsWrite reports whether the level permits writing.
func (a AccessLevel) AllowsWrite() bool { return a == ReadWrite || a == WriteOnly }

// PathPolicy is one user-granted filesystem access rule.
type PathPolicy struct {
	ID          int64       `json:"id,omitempty" yaml:"-"`
	Path        string      `json:"path" yaml:"path"`
	Access      AccessLevel `json:"access" yaml:"access"`
	Recursive   bool        `json:"recursive" yaml:"recursive"`
	Description string      `json:"description,omitempty" yaml:"description,omitempty"`
}

// StripExtendedPrefix removes the Windows extended-length path prefix
// (`\\?\`) so canonicalized paths compare correctly against user-entered
// rule paths.
func StripExtendedPrefix(p string) string {
	return strings.TrimPrefix(p, `\\?\`)
}

// normalize prepares a path for comparison: strip the extended-length
// prefix, clean separators, and fold case on Windows to match the OS.
func normalize(p string) string {
	p = filepath.Clean(StripExtendedPrefix(p))
	if runtime.GOOS == "windows" {
		p = strings.ToLower(p)
	}
	return p
}

// Allows reports whether this rule permits the given operation on target.
func (p PathPolicy) Allows(target string, write bool) bool {
	if !p.Matches(target) {
		return false
	}
	if write {
		return p.Access.AllowsWrite()
	}
	return p.Access.AllowsRead()
}

// Matches reports whether target falls under this rule's path: equal to the
// rule path, or a strict descendant when the rule is recursive.
func (p PathPolicy) Matches(target string) bool {
	t := normalize(target)
	root := normalize(p.Path)
	if t == root {
		return true
	}
	if !p.Recursive {
		return false
	}
	sep := string(filepath.Separator)
	if root == sep {
		return strings.HasPrefix(t, sep)
	}
	return strings.HasPrefix(t, root+sep)
}

// CheckAccess reports whether any rule in the set permits the operation.
func CheckAccess(policies []PathPolicy, target string, write bool) bool {
	for _, p := range policies {
		if p.Allows(target, write) {
			return true
		}
	}
	return false
}

// CanRead reports whether any rule permits reading target.
func CanRead(policies []PathPolicy, target string) bool {
	return CheckAccess(policies, target, false)
}

// CanWrite reports whether any rule permits writing target.
func CanWrite(policies []PathPolicy, target string) bool {
	return CheckAccess(policies, target, true)
}

// SubsetOf reports whether every operation `sub` permits is also permitted
// by `super`. Workers may only inherit a subset of their parent's policy.
func SubsetOf(sub, super []PathPolicy) bool {
	for _, p := range sub {
		if !coveredBy(p, super) {
			return false
		}
	}
	return true
}

func coveredBy(p PathPolicy, super []PathPolicy) bool {
	read := p.Access.AllowsRead()
	write := p.Access.AllowsWrite()
	for _, s := range super {
		if !s.Matches(p.Path) {
			continue
		}
		if p.Recursive && !s.Recursive {
			continue
		}
		if read && !s.Access.AllowsRead() {
			continue
		}
		if write && !s.Access.AllowsWrite() {
			continue
		}
		return true
	}
	return false
}
