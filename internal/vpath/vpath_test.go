package vpath_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picnode/internal/apierr"
	"picnode/internal/vpath"
)

func TestNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"", "/"},
		{".", "/"},
		{"/", "/"},
		{"a", "/a"},
		{"/a/b", "/a/b"},
		{"/a//b/", "/a/b"},
		{"a/./b", "/a/b"},
		{"/a/b/..", "/a"},
		{"/a/../..", "/"},
		{"../../etc", "/etc"},
		{"  /a ", "/a"},
		{`\a\b`, "/a/b"},
	}
	for _, tt := range tests {
		got := vpath.Normalize(tt.in)
		assert.Equal(t, tt.want, got, "Normalize(%q)", tt.in)
		assert.Equal(t, got, vpath.Normalize(got), "idempotence for %q", tt.in)
	}
}

func TestResolveStaysUnderRoot(t *testing.T) {
	t.Parallel()

	root := t.TempDir()

	tests := []string{
		"/",
		"/a",
		"/a/b.png",
		"../escape",
		"/../../etc/passwd",
		"a/../../..",
		`..\..\windows`,
	}
	for _, in := range tests {
		res, err := vpath.Resolve(root, in)
		require.NoError(t, err, "Resolve(%q)", in)
		rel, rerr := filepath.Rel(root, res.Abs)
		require.NoError(t, rerr)
		assert.NotContains(t, rel, "..", "Resolve(%q) escaped to %q", in, res.Abs)
	}
}

func TestResolveRejectsNUL(t *testing.T) {
	t.Parallel()

	_, err := vpath.Resolve(t.TempDir(), "/a\x00b")
	assert.ErrorIs(t, err, apierr.ErrPathEscape)
}

func FuzzResolve(f *testing.F) {
	seeds := []string{
		"",
		"/",
		"/a/b.png",
		"../escape",
		"/../../etc/passwd",
		"a/../../..",
		`..\..\windows`,
		`\a\b/..\c`,
		"/a\x00b",
		"/․․/secret",
		"/．．/secret",
		"  /a ",
		"/a//b/./..",
	}
	for _, s := range seeds {
		f.Add(s)
	}
	root := f.TempDir()
	f.Fuzz(func(t *testing.T, in string) {
		res, err := vpath.Resolve(root, in)
		if err != nil {
			return
		}
		rel, rerr := filepath.Rel(root, res.Abs)
		if rerr != nil {
			t.Fatalf("Resolve(%q) = %q outside root: %v", in, res.Abs, rerr)
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			t.Fatalf("Resolve(%q) escaped root: %q", in, res.Abs)
		}
		if !strings.HasPrefix(res.VPath, "/") {
			t.Fatalf("Resolve(%q) produced unrooted vpath %q", in, res.VPath)
		}
	})
}

func TestJoinAndDir(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "/a/b", vpath.Join("/a", "b"))
	assert.Equal(t, "/b", vpath.Join("/", "b"))
	assert.Equal(t, "/a", vpath.Join("a", "."))
	assert.Equal(t, "/a", vpath.Dir("/a/b"))
	assert.Equal(t, "/", vpath.Dir("/a"))
	assert.Equal(t, "/", vpath.Dir("/"))
}
