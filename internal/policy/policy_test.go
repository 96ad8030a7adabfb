package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func rule(path string, access AccessLevel, recursive bool) PathPolicy {
	return PathPolicy{Path: path, Access: access, Recursive: recursive}
}

func TestReadWriteAllowsBoth(t *testing.T) {
	p := rule("/tmp/test", ReadWrite, true)
	assert.True(t, p.Allows("/tmp/test/file.txt", false))
	assert.True(t, p.Allows("/tmp/test/file.txt", true))
}

func TestReadOnlyDeniesWrite(t *testing.T) {
	p := rule("/tmp/test", ReadOnly, true)
	assert.True(t, p.Allows("/tmp/test/file.txt", false))
	assert.False(t, p.Allows("/tmp/test/file.txt", true))
}

func TestWriteOnlyDeniesRead(t *testing.T) {
	p := rule("/tmp/test", WriteOnly, true)
	assert.False(t, p.Allows("/tmp/test/file.txt", false))
	assert.True(t, p.Allows("/tmp/test/file.txt", true))
}

func TestNonRecursiveMatchesOnlyRulePath(t *testing.T) {
	p := rule("/tmp/test", ReadWrite, false)
	assert.True(t, p.Allows("/tmp/test", false))
	assert.False(t, p.Allows("/tmp/test/file.txt", false))
	assert.False(t, p.Allows("/tmp/test/sub/file.txt", false))
}

func TestOutsidePathDenied(t *testing.T) {
	p := rule("/tmp/test", ReadWrite, true)
	assert.False(t, p.Allows("/tmp/other/file.txt", false))
}

func TestSiblingPrefixNotADescendant(t *testing.T) {
	// /tmp/testing shares a string prefix with /tmp/test but is not under it.
	p := rule("/tmp/test", ReadWrite, true)
	assert.False(t, p.Allows("/tmp/testing/file.txt", false))
}

func TestExtendedPrefixStripped(t *testing.T) {
	assert.Equal(t, `C:\Users\Test`, StripExtendedPrefix(`\\?\C:\Users\Test`))
	assert.Equal(t, "/tmp/test", StripExtendedPrefix("/tmp/test"))
}

func TestCheckAccessMultiplePolicies(t *testing.T) {
	policies := []PathPolicy{
		rule("/tmp/read", ReadOnly, true),
		rule("/tmp/write", WriteOnly, true),
	}
	assert.True(t, CheckAccess(policies, "/tmp/read/file.txt", false))
	assert.False(t, CheckAccess(policies, "/tmp/read/file.txt", true))
	assert.True(t, CheckAccess(policies, "/tmp/write/file.txt", true))
	assert.False(t, CheckAccess(policies, "/tmp/other/file.txt", false))
}

func TestEmptyPolicySetDeniesEverything(t *testing.T) {
	assert.False(t, CheckAccess(nil, "/anything", false))
	assert.False(t, CheckAccess(nil, "/anything", true))
}

func TestSubsetOf(t *testing.T) {
	parent := []PathPolicy{rule("/work", ReadWrite, true)}

	tests := []struct {
		name string
		sub  []PathPolicy
		want bool
	}{
		{"identical", []PathPolicy{rule("/work", ReadWrite, true)}, true},
		{"narrower path", []PathPolicy{rule("/work/sub", ReadOnly, true)}, true},
		{"weaker access", []PathPolicy{rule("/work", ReadOnly, true)}, true},
		{"outside parent", []PathPolicy{rule("/etc", ReadOnly, true)}, false},
		{"empty subset", nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SubsetOf(tt.sub, parent))
		})
	}

	// A recursive child rule is not covered by a non-recursive parent rule.
	flat := []PathPolicy{rule("/work", ReadWrite, false)}
	assert.False(t, SubsetOf([]PathPolicy{rule("/work", ReadOnly, true)}, flat))
}

func TestAccessLevelValid(t *testing.T) {
	assert.True(t, ReadOnly.Valid())
	assert.True(t, ReadWrite.Valid())
	assert.True(t, WriteOnly.Valid())
	assert.False(t, AccessLevel("everything").Valid())
}
