// Package thumb maintains the derived-thumbnail cache. Artifacts live
// under a cache root separate from the storage root, keyed by the source
// virtual path plus a fixed suffix, and are immutable once written: the
// cache is never invalidated when a source file changes or disappears.
// Callers rely on immutability-by-path, so the staleness is a known
// trade-off rather than an oversight.
package thumb

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"os"
	"path/filepath"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	// Decoders for the supported source formats.
	_ "image/gif"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"picnode/internal/apierr"
	"picnode/internal/fileops"
	"picnode/internal/metrics"
	"picnode/internal/vpath"
)

const (
	// ArtifactExt is appended to the source virtual path to form the
	// cache key.
	ArtifactExt = ".jpg"

	minTarget     = 1024
	maxTarget     = 2048
	defaultTarget = 1600
	quality       = 85
)

// Cache generates and serves size-capped re-encodes of stored images.
type Cache struct {
	storageRoot string
	cacheRoot   string
}

func New(storageRoot, cacheRoot string) (*Cache, error) {
	if err := os.MkdirAll(cacheRoot, 0o755); err != nil {
		return nil, fmt.Errorf("cache root: %w", err)
	}
	return &Cache{storageRoot: storageRoot, cacheRoot: cacheRoot}, nil
}

// ArtifactPath resolves the cache slot for a source path through the
// same sandbox that guards the storage root.
func (c *Cache) ArtifactPath(source string) (vpath.Resolved, error) {
	return vpath.Resolve(c.cacheRoot, vpath.Normalize(source)+ArtifactExt)
}

// Lookup returns the artifact for source only if it already exists.
func (c *Cache) Lookup(source string) (string, error) {
	res, err := c.ArtifactPath(source)
	if err != nil {
		return "", err
	}
	if st, err := os.Stat(res.Abs); err != nil || !st.Mode().IsRegular() {
		return "", apierr.ErrNotFound
	}
	return res.Abs, nil
}

// ClampWidth bounds a requested target width to the supported range.
func ClampWidth(w int) int {
	if w <= 0 {
		return defaultTarget
	}
	if w < minTarget {
		return minTarget
	}
	if w > maxTarget {
		return maxTarget
	}
	return w
}

// Ensure returns the artifact path for source, generating it on a miss.
// Concurrent calls for the same key may both generate; the final atomic
// rename means a reader never observes a torn artifact, and the last
// writer wins. The source must be an existing image file under the
// storage root.
func (c *Cache) Ensure(ctx context.Context, source string, maxWidth int) (string, error) {
	src, err := vpath.Resolve(c.storageRoot, source)
	if err != nil {
		return "", err
	}
	if !fileops.IsImageName(src.Abs) {
		return "", apierr.ErrNotFound
	}
	st, err := os.Stat(src.Abs)
	if err != nil || !st.Mode().IsRegular() {
		return "", apierr.ErrNotFound
	}
	art, err := c.ArtifactPath(src.VPath)
	if err != nil {
		return "", err
	}
	if st, err := os.Stat(art.Abs); err == nil && st.Mode().IsRegular() {
		return art.Abs, nil
	}
	if err := ctx.Err(); err != nil {
		return "", apierr.ErrInternal.Wrap(err)
	}
	if err := c.generate(src.Abs, art.Abs, ClampWidth(maxWidth)); err != nil {
		return "", err
	}
	return art.Abs, nil
}

func (c *Cache) generate(srcAbs, artAbs string, target int) error {
	f, err := os.Open(srcAbs)
	if err != nil {
		return apierr.ErrNotFound.Wrap(err)
	}
	img, _, err := image.Decode(f)
	f.Close()
	if err != nil {
		return apierr.ErrBadRequest.WithMessage("unreadable image").Wrap(err)
	}

	b := img.Bounds()
	if b.Dx() > target || b.Dy() > target {
		// Downscale only; small sources are re-encoded as they are.
		img = imaging.Fit(img, target, target, imaging.Lanczos)
	}

	if err := os.MkdirAll(filepath.Dir(artAbs), 0o755); err != nil {
		return apierr.ErrInternal.Wrap(err)
	}
	tmp := fmt.Sprintf("%s.tmp-%d-%s", artAbs, time.Now().UnixNano(), uuid.NewString())
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return apierr.ErrInternal.Wrap(err)
	}
	if err := jpeg.Encode(out, img, &jpeg.Options{Quality: quality}); err != nil {
		out.Close()
		_ = os.Remove(tmp)
		return apierr.ErrInternal.Wrap(err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return apierr.ErrInternal.Wrap(err)
	}
	if err := os.Rename(tmp, artAbs); err != nil {
		_ = os.Remove(tmp)
		return apierr.ErrInternal.Wrap(err)
	}
	metrics.RecordThumbnailGenerated()
	return nil
}

// CommitArtifact installs a pre-generated file (e.g. a client-uploaded
// thumbnail) into the cache slot for source, replacing any existing
// artifact.
func (c *Cache) CommitArtifact(source, tmpFile string) error {
	art, err := c.ArtifactPath(source)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(art.Abs), 0o755); err != nil {
		return apierr.ErrInternal.Wrap(err)
	}
	return fileops.MoveFile(tmpFile, art.Abs)
}
