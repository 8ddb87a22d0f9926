// Package fileops implements listing and mutation of the sandboxed tree.
// The filesystem is the source of truth: nothing is cached between calls,
// and races between concurrent mutations resolve via filesystem errors.
package fileops

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"picnode/internal/apierr"
	"picnode/internal/vpath"
)

// Entry kinds as they appear in listings.
const (
	KindFolder = "folder"
	KindImage  = "image"
	KindFile   = "file"
)

var imageExts = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".webp": true, ".bmp": true,
}

// IsImageName reports whether the filename carries a supported image
// extension.
func IsImageName(name string) bool {
	return imageExts[strings.ToLower(filepath.Ext(name))]
}

// Entry is one row of a directory listing, materialized per call.
type Entry struct {
	Type       string `json:"type"`
	Name       string `json:"name"`
	Path       string `json:"path"`
	URL        string `json:"url,omitempty"`
	Size       int64  `json:"size,omitempty"`
	UploadedAt string `json:"uploadedAt,omitempty"`
}

// Listing pairs the normalized directory path with its entries.
type Listing struct {
	Path  string  `json:"path"`
	Items []Entry `json:"items"`
}

// List returns the entries under dir. A missing or non-directory target
// yields an empty listing, not an error.
func List(root, dir string) (Listing, error) {
	res, err := vpath.Resolve(root, dir)
	if err != nil {
		return Listing{}, err
	}
	out := Listing{Path: res.VPath, Items: []Entry{}}
	st, err := os.Stat(res.Abs)
	if err != nil || !st.IsDir() {
		return out, nil
	}
	ents, err := os.ReadDir(res.Abs)
	if err != nil {
		return out, apierr.ErrInternal.Wrap(err)
	}
	for _, e := range ents {
		child := vpath.Join(res.VPath, e.Name())
		if e.IsDir() {
			out.Items = append(out.Items, Entry{Type: KindFolder, Name: e.Name(), Path: child})
			continue
		}
		if !e.Type().IsRegular() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		kind := KindFile
		if IsImageName(e.Name()) {
			kind = KindImage
		}
		out.Items = append(out.Items, Entry{
			Type:       kind,
			Name:       e.Name(),
			Path:       child,
			URL:        "/uploads" + child,
			Size:       info.Size(),
			UploadedAt: info.ModTime().UTC().Format("2006-01-02T15:04:05.000Z"),
		})
	}
	return out, nil
}

// Mkdir creates a directory, failing with Conflict if anything already
// occupies the target.
func Mkdir(root, dir, name string) error {
	res, err := vpath.Resolve(root, vpath.Join(dir, name))
	if err != nil {
		return err
	}
	if _, err := os.Stat(res.Abs); err == nil {
		return apierr.ErrConflict.WithMessage("folder already exists")
	}
	if err := os.MkdirAll(res.Abs, 0o755); err != nil {
		return apierr.ErrInternal.Wrap(err)
	}
	return nil
}

// Remove deletes the target recursively, children before parents.
// Removing an already-gone path succeeds, keeping batch deletes
// idempotent.
func Remove(root, target string) error {
	res, err := vpath.Resolve(root, target)
	if err != nil {
		return err
	}
	if res.VPath == "/" {
		return apierr.ErrBadRequest.WithMessage("refusing to delete root")
	}
	if err := os.RemoveAll(res.Abs); err != nil {
		return apierr.ErrInternal.Wrap(err)
	}
	return nil
}

// CopyRecursive copies src into destDir under its own basename,
// preserving directory structure and creating destination directories as
// needed.
func CopyRecursive(root, src, destDir string) error {
	from, err := vpath.Resolve(root, src)
	if err != nil {
		return err
	}
	to, err := vpath.Resolve(root, vpath.Join(destDir, filepath.Base(from.Abs)))
	if err != nil {
		return err
	}
	if _, err := os.Stat(from.Abs); err != nil {
		return apierr.ErrNotFound.Wrap(err)
	}
	return copyTree(from.Abs, to.Abs)
}

func copyTree(from, to string) error {
	st, err := os.Stat(from)
	if err != nil {
		return apierr.ErrInternal.Wrap(err)
	}
	if st.IsDir() {
		if err := os.MkdirAll(to, 0o755); err != nil {
			return apierr.ErrInternal.Wrap(err)
		}
		ents, err := os.ReadDir(from)
		if err != nil {
			return apierr.ErrInternal.Wrap(err)
		}
		for _, e := range ents {
			if err := copyTree(filepath.Join(from, e.Name()), filepath.Join(to, e.Name())); err != nil {
				return err
			}
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return apierr.ErrInternal.Wrap(err)
	}
	if err := copyFile(from, to); err != nil {
		return apierr.ErrInternal.Wrap(err)
	}
	return nil
}

// Move relocates src into destDir under its own basename via MoveFile.
// An occupied destination fails with Conflict unless override is set.
func Move(root, src, destDir string, override bool) error {
	from, err := vpath.Resolve(root, src)
	if err != nil {
		return err
	}
	to, err := vpath.Resolve(root, vpath.Join(destDir, filepath.Base(from.Abs)))
	if err != nil {
		return err
	}
	if _, err := os.Stat(from.Abs); err != nil {
		return apierr.ErrNotFound.Wrap(err)
	}
	if !override {
		if _, err := os.Stat(to.Abs); err == nil {
			return apierr.ErrConflict
		}
	}
	if err := os.MkdirAll(filepath.Dir(to.Abs), 0o755); err != nil {
		return apierr.ErrInternal.Wrap(err)
	}
	return MoveFile(from.Abs, to.Abs)
}

// Rename gives the entry at target a new basename in place. Missing
// source fails with NotFound; an occupied destination fails with
// Conflict unless override is set.
func Rename(root, target, newName string, override bool) error {
	if SanitizeName(newName) == "" {
		return apierr.ErrBadRequest.WithMessage("invalid name")
	}
	from, err := vpath.Resolve(root, target)
	if err != nil {
		return err
	}
	to, err := vpath.Resolve(root, vpath.Join(vpath.Dir(from.VPath), newName))
	if err != nil {
		return err
	}
	if _, err := os.Stat(from.Abs); err != nil {
		return apierr.ErrNotFound.Wrap(err)
	}
	if !override {
		if _, err := os.Stat(to.Abs); err == nil {
			return apierr.ErrConflict
		}
	}
	return MoveFile(from.Abs, to.Abs)
}

// MoveFile is an atomic rename where the filesystem allows it, with a
// copy+delete-source fallback across devices. The partial copy is
// removed if the fallback fails, so the source is left untouched on any
// error.
func MoveFile(from, to string) error {
	err := os.Rename(from, to)
	if err == nil {
		return nil
	}
	if !isCrossDevice(err) {
		return apierr.ErrInternal.Wrap(err)
	}
	st, serr := os.Stat(from)
	if serr != nil {
		return apierr.ErrInternal.Wrap(serr)
	}
	if st.IsDir() {
		if cerr := copyTree(from, to); cerr != nil {
			_ = os.RemoveAll(to)
			return cerr
		}
	} else if cerr := copyFile(from, to); cerr != nil {
		_ = os.Remove(to)
		return apierr.ErrInternal.Wrap(cerr)
	}
	if rerr := os.RemoveAll(from); rerr != nil {
		return apierr.ErrInternal.Wrap(rerr)
	}
	return nil
}

func isCrossDevice(err error) bool {
	var lerr *os.LinkError
	return errors.As(err, &lerr) && errors.Is(lerr.Err, syscall.EXDEV)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}

// SanitizeName validates a single path component. Empty strings, dot
// entries and anything containing a separator are rejected by returning
// "".
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." {
		return ""
	}
	if strings.ContainsAny(name, "/\\\x00") {
		return ""
	}
	return name
}

// Exists reports whether anything occupies the resolved target.
func Exists(root, dir, name string) (bool, error) {
	res, err := vpath.Resolve(root, vpath.Join(dir, name))
	if err != nil {
		return false, err
	}
	_, err = os.Stat(res.Abs)
	return err == nil, nil
}
