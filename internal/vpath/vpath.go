// Package vpath maps untrusted client paths onto the filesystem.
// It is the single trust boundary between request input and disk: every
// file-touching package accepts only Resolved values produced here.
package vpath

import (
	"path"
	"path/filepath"
	"strings"

	"picnode/internal/apierr"
)

// Resolved pairs a normalized virtual path with its absolute location
// under a fixed root.
type Resolved struct {
	VPath string // "/"-rooted, POSIX-separated
	Abs   string // absolute filesystem path, descendant of the root
}

// Normalize coerces a raw client path into a rooted, clean POSIX path.
// "" and "." become "/". Normalize is idempotent.
func Normalize(raw string) string {
	p := strings.TrimSpace(raw)
	p = strings.ReplaceAll(p, "\\", "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	p = path.Clean(p)
	if p == "." || p == "" {
		return "/"
	}
	return p
}

// Resolve normalizes raw, joins it onto root and verifies the result stays
// under root. The escape check computes the relative path back from root
// instead of comparing string prefixes, so separator tricks do not help.
func Resolve(root, raw string) (Resolved, error) {
	if strings.Contains(raw, "\x00") {
		return Resolved{}, apierr.ErrPathEscape
	}
	vp := Normalize(raw)
	abs := filepath.Clean(filepath.Join(root, filepath.FromSlash(vp)))
	rel, err := filepath.Rel(filepath.Clean(root), abs)
	if err != nil {
		return Resolved{}, apierr.ErrPathEscape.Wrap(err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return Resolved{}, apierr.ErrPathEscape
	}
	return Resolved{VPath: vp, Abs: abs}, nil
}

// Join appends name to a virtual directory path, keeping the result
// normalized.
func Join(dir, name string) string {
	return Normalize(path.Join(Normalize(dir), name))
}

// Dir returns the parent of a virtual path ("/" stays "/").
func Dir(vp string) string {
	return Normalize(path.Dir(Normalize(vp)))
}
