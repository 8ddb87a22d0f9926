package thumb_test

import (
	"context"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picnode/internal/apierr"
	"picnode/internal/thumb"
)

func newCache(t *testing.T) (*thumb.Cache, string) {
	t.Helper()
	root := t.TempDir()
	c, err := thumb.New(root, t.TempDir())
	require.NoError(t, err)
	return c, root
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	require.NoError(t, png.Encode(f, img))
}

func decodeJPEG(t *testing.T, path string) image.Image {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	img, err := jpeg.Decode(f)
	require.NoError(t, err)
	return img
}

func TestClampWidth(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 1600, thumb.ClampWidth(0))
	assert.Equal(t, 1600, thumb.ClampWidth(-5))
	assert.Equal(t, 1024, thumb.ClampWidth(100))
	assert.Equal(t, 1024, thumb.ClampWidth(1024))
	assert.Equal(t, 1500, thumb.ClampWidth(1500))
	assert.Equal(t, 2048, thumb.ClampWidth(9000))
}

func TestEnsureGeneratesAndCaches(t *testing.T) {
	t.Parallel()

	c, root := newCache(t)
	writePNG(t, filepath.Join(root, "pics", "cat.png"), 64, 48)

	abs, err := c.Ensure(context.Background(), "/pics/cat.png", 0)
	require.NoError(t, err)
	assert.Equal(t, ".jpg", filepath.Ext(abs))

	// Small sources are re-encoded without resizing.
	img := decodeJPEG(t, abs)
	assert.Equal(t, 64, img.Bounds().Dx())
	assert.Equal(t, 48, img.Bounds().Dy())

	st1, err := os.Stat(abs)
	require.NoError(t, err)

	abs2, err := c.Ensure(context.Background(), "/pics/cat.png", 1200)
	require.NoError(t, err)
	assert.Equal(t, abs, abs2)
	st2, err := os.Stat(abs2)
	require.NoError(t, err)
	assert.Equal(t, st1.ModTime(), st2.ModTime(), "cache hit must not regenerate")
}

func TestEnsureDownscalesLargeSource(t *testing.T) {
	t.Parallel()

	c, root := newCache(t)
	writePNG(t, filepath.Join(root, "big.png"), 2100, 1050)

	abs, err := c.Ensure(context.Background(), "/big.png", 1024)
	require.NoError(t, err)

	img := decodeJPEG(t, abs)
	assert.Equal(t, 1024, img.Bounds().Dx())
	assert.Equal(t, 512, img.Bounds().Dy())
}

func TestEnsureRejectsNonImages(t *testing.T) {
	t.Parallel()

	c, root := newCache(t)
	ctx := context.Background()

	_, err := c.Ensure(ctx, "/missing.png", 0)
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("text"), 0o644))
	_, err = c.Ensure(ctx, "/notes.txt", 0)
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	require.NoError(t, os.Mkdir(filepath.Join(root, "dir.png"), 0o755))
	_, err = c.Ensure(ctx, "/dir.png", 0)
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	// An image extension on garbage bytes is a caller error.
	require.NoError(t, os.WriteFile(filepath.Join(root, "fake.png"), []byte("not a png"), 0o644))
	_, err = c.Ensure(ctx, "/fake.png", 0)
	assert.ErrorIs(t, err, apierr.ErrBadRequest)
}

func TestLookupMiss(t *testing.T) {
	t.Parallel()

	c, root := newCache(t)
	writePNG(t, filepath.Join(root, "cat.png"), 8, 8)

	_, err := c.Lookup("/cat.png")
	assert.ErrorIs(t, err, apierr.ErrNotFound)

	abs, err := c.Ensure(context.Background(), "/cat.png", 0)
	require.NoError(t, err)

	got, err := c.Lookup("/cat.png")
	require.NoError(t, err)
	assert.Equal(t, abs, got)
}

func TestEnsureConcurrent(t *testing.T) {
	t.Parallel()

	c, root := newCache(t)
	writePNG(t, filepath.Join(root, "cat.png"), 400, 300)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.Ensure(context.Background(), "/cat.png", 0)
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	abs, err := c.Lookup("/cat.png")
	require.NoError(t, err)
	img := decodeJPEG(t, abs)
	assert.Equal(t, 400, img.Bounds().Dx())
}

func TestCommitArtifact(t *testing.T) {
	t.Parallel()

	c, _ := newCache(t)
	tmpDir := t.TempDir()
	tmp := filepath.Join(tmpDir, "staged")
	require.NoError(t, os.WriteFile(tmp, []byte("client-thumb"), 0o644))

	require.NoError(t, c.CommitArtifact("/pics/cat.png", tmp))
	assert.NoFileExists(t, tmp)

	abs, err := c.Lookup("/pics/cat.png")
	require.NoError(t, err)
	b, rerr := os.ReadFile(abs)
	require.NoError(t, rerr)
	assert.Equal(t, "client-thumb", string(b))
}
