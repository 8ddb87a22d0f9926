package upload_test

import (
	"bytes"
	"encoding/base64"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"picnode/internal/apierr"
	"picnode/internal/config"
	"picnode/internal/thumb"
	"picnode/internal/upload"
)

func newPipeline(t *testing.T) *upload.Pipeline {
	t.Helper()
	root := t.TempDir()
	cache := t.TempDir()
	thumbs, err := thumb.New(root, cache)
	require.NoError(t, err)
	return &upload.Pipeline{
		StorageRoot: root,
		StagingDir:  filepath.Join(t.TempDir(), "staging"),
		Limits: config.Limits{
			UploadBase64Bytes: 1 << 20,
			UploadFileBytes:   1 << 20,
			UploadFields:      10,
		},
		Thumbs: thumbs,
	}
}

func TestDecodeBase64(t *testing.T) {
	t.Parallel()

	payload := []byte("hello, picnode")
	std := base64.StdEncoding.EncodeToString(payload)

	t.Run("plain", func(t *testing.T) {
		t.Parallel()
		got, err := upload.DecodeBase64(std, 1<<20)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("data url prefix", func(t *testing.T) {
		t.Parallel()
		got, err := upload.DecodeBase64("data:image/png;base64,"+std, 1<<20)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("url safe alphabet", func(t *testing.T) {
		t.Parallel()
		raw := []byte{0xfb, 0xff, 0xbf}
		enc := base64.RawURLEncoding.EncodeToString(raw)
		require.Contains(t, enc, "-")
		got, err := upload.DecodeBase64(enc, 1<<20)
		require.NoError(t, err)
		assert.Equal(t, raw, got)
	})

	t.Run("whitespace stripped", func(t *testing.T) {
		t.Parallel()
		wrapped := std[:4] + "\r\n" + std[4:8] + " " + std[8:]
		got, err := upload.DecodeBase64(wrapped, 1<<20)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("missing padding repaired", func(t *testing.T) {
		t.Parallel()
		got, err := upload.DecodeBase64(strings.TrimRight(std, "="), 1<<20)
		require.NoError(t, err)
		assert.Equal(t, payload, got)
	})

	t.Run("invalid alphabet", func(t *testing.T) {
		t.Parallel()
		_, err := upload.DecodeBase64("abc!def=", 1<<20)
		assert.ErrorIs(t, err, apierr.ErrBadRequest)
	})

	t.Run("empty", func(t *testing.T) {
		t.Parallel()
		_, err := upload.DecodeBase64("   ", 1<<20)
		assert.ErrorIs(t, err, apierr.ErrBadRequest)
		_, err = upload.DecodeBase64("data:image/png;base64,", 1<<20)
		assert.ErrorIs(t, err, apierr.ErrBadRequest)
	})

	t.Run("oversize rejected before decode", func(t *testing.T) {
		t.Parallel()
		big := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte("x"), 100))
		_, err := upload.DecodeBase64(big, 99)
		assert.ErrorIs(t, err, apierr.ErrPayloadTooLarge)
		got, err := upload.DecodeBase64(big, 100)
		require.NoError(t, err)
		assert.Len(t, got, 100)
	})
}

func TestSaveBytes(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)

	res, err := p.SaveBytes("/pics", "cat.png", []byte("png"), false)
	require.NoError(t, err)
	assert.Equal(t, "/pics/cat.png", res.VPath)
	assert.Equal(t, int64(3), res.Size)
	assert.False(t, res.Thumb)
	assert.FileExists(t, filepath.Join(p.StorageRoot, "pics", "cat.png"))

	_, err = p.SaveBytes("/pics", "cat.png", []byte("other"), false)
	assert.ErrorIs(t, err, apierr.ErrConflict)

	res, err = p.SaveBytes("/pics", "cat.png", []byte("other"), true)
	require.NoError(t, err)
	b, rerr := os.ReadFile(filepath.Join(p.StorageRoot, "pics", "cat.png"))
	require.NoError(t, rerr)
	assert.Equal(t, "other", string(b))

	_, err = p.SaveBytes("/pics", "../escape.png", []byte("x"), false)
	assert.ErrorIs(t, err, apierr.ErrBadRequest)

	assertStagingEmpty(t, p)
}

func TestSaveThumbBytes(t *testing.T) {
	t.Parallel()

	p := newPipeline(t)

	res, err := p.SaveThumbBytes("/pics/cat.png", []byte("jpegbytes"))
	require.NoError(t, err)
	assert.True(t, res.Thumb)
	assert.Equal(t, "/pics/cat.png", res.VPath)

	abs, err := p.Thumbs.Lookup("/pics/cat.png")
	require.NoError(t, err)
	b, rerr := os.ReadFile(abs)
	require.NoError(t, rerr)
	assert.Equal(t, "jpegbytes", string(b))

	// Overwrite is allowed for thumbnails.
	_, err = p.SaveThumbBytes("/pics/cat.png", []byte("v2"))
	require.NoError(t, err)

	_, err = p.SaveThumbBytes("/", []byte("x"))
	assert.ErrorIs(t, err, apierr.ErrBadRequest)
	_, err = p.SaveThumbBytes("/pics/notes.txt", []byte("x"))
	assert.ErrorIs(t, err, apierr.ErrBadRequest)

	assertStagingEmpty(t, p)
}

func multipartBody(t *testing.T, fields map[string]string, fileField, fileName string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	if fileField != "" {
		fw, err := w.CreateFormFile(fileField, fileName)
		require.NoError(t, err)
		_, err = fw.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func multipartRequest(t *testing.T, fields map[string]string, fileField, fileName string, content []byte) *http.Request {
	t.Helper()
	buf, ctype := multipartBody(t, fields, fileField, fileName, content)
	r := httptest.NewRequest(http.MethodPost, "/api/images/upload", buf)
	r.Header.Set("Content-Type", ctype)
	return r
}

func TestMultipart(t *testing.T) {
	t.Parallel()

	t.Run("happy path", func(t *testing.T) {
		t.Parallel()
		p := newPipeline(t)
		r := multipartRequest(t, map[string]string{"path": "/pics"}, "file", "cat.png", []byte("pngdata"))
		res, err := p.Multipart(r)
		require.NoError(t, err)
		assert.Equal(t, "/pics/cat.png", res.VPath)
		assert.Equal(t, int64(7), res.Size)
		assert.FileExists(t, filepath.Join(p.StorageRoot, "pics", "cat.png"))
		assertStagingEmpty(t, p)
	})

	t.Run("missing file part", func(t *testing.T) {
		t.Parallel()
		p := newPipeline(t)
		r := multipartRequest(t, map[string]string{"path": "/pics"}, "", "", nil)
		_, err := p.Multipart(r)
		assert.ErrorIs(t, err, apierr.ErrBadRequest)
	})

	t.Run("conflict without override", func(t *testing.T) {
		t.Parallel()
		p := newPipeline(t)
		_, err := p.Multipart(multipartRequest(t, map[string]string{"path": "/pics"}, "file", "cat.png", []byte("a")))
		require.NoError(t, err)
		_, err = p.Multipart(multipartRequest(t, map[string]string{"path": "/pics"}, "file", "cat.png", []byte("b")))
		assert.ErrorIs(t, err, apierr.ErrConflict)
		assertStagingEmpty(t, p)

		res, err := p.Multipart(multipartRequest(t, map[string]string{"path": "/pics", "override": "1"}, "file", "cat.png", []byte("b")))
		require.NoError(t, err)
		assert.Equal(t, "/pics/cat.png", res.VPath)
		b, rerr := os.ReadFile(filepath.Join(p.StorageRoot, "pics", "cat.png"))
		require.NoError(t, rerr)
		assert.Equal(t, "b", string(b))
	})

	t.Run("file too large", func(t *testing.T) {
		t.Parallel()
		p := newPipeline(t)
		p.Limits.UploadFileBytes = 8
		r := multipartRequest(t, map[string]string{"path": "/"}, "file", "big.bin", bytes.Repeat([]byte("x"), 9))
		_, err := p.Multipart(r)
		assert.ErrorIs(t, err, apierr.ErrPayloadTooLarge)
		assert.NoFileExists(t, filepath.Join(p.StorageRoot, "big.bin"))
		assertStagingEmpty(t, p)
	})

	t.Run("too many fields", func(t *testing.T) {
		t.Parallel()
		p := newPipeline(t)
		p.Limits.UploadFields = 2
		fields := map[string]string{"a": "1", "b": "2", "c": "3"}
		_, err := p.Multipart(multipartRequest(t, fields, "file", "cat.png", []byte("x")))
		assert.ErrorIs(t, err, apierr.ErrBadRequest)
		assertStagingEmpty(t, p)
	})

	t.Run("bad filename", func(t *testing.T) {
		t.Parallel()
		p := newPipeline(t)
		r := multipartRequest(t, map[string]string{"path": "/"}, "file", "..", []byte("x"))
		_, err := p.Multipart(r)
		assert.ErrorIs(t, err, apierr.ErrBadRequest)
		assertStagingEmpty(t, p)
	})

	t.Run("unrelated file part drained", func(t *testing.T) {
		t.Parallel()
		p := newPipeline(t)
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		fw, err := w.CreateFormFile("decoy", "decoy.bin")
		require.NoError(t, err)
		_, err = fw.Write([]byte("ignored"))
		require.NoError(t, err)
		fw, err = w.CreateFormFile("file", "real.png")
		require.NoError(t, err)
		_, err = io.Copy(fw, strings.NewReader("kept"))
		require.NoError(t, err)
		require.NoError(t, w.Close())
		r := httptest.NewRequest(http.MethodPost, "/api/images/upload", &buf)
		r.Header.Set("Content-Type", w.FormDataContentType())

		res, merr := p.Multipart(r)
		require.NoError(t, merr)
		assert.Equal(t, "/real.png", res.VPath)
		assert.NoFileExists(t, filepath.Join(p.StorageRoot, "decoy.bin"))
	})

	t.Run("thumb variant", func(t *testing.T) {
		t.Parallel()
		p := newPipeline(t)
		fields := map[string]string{"thumb": "1", "originPath": "/pics/cat.png"}
		res, err := p.Multipart(multipartRequest(t, fields, "file", "cat.jpg", []byte("jpegdata")))
		require.NoError(t, err)
		assert.True(t, res.Thumb)
		assert.Equal(t, "/pics/cat.png", res.VPath)
		_, err = p.Thumbs.Lookup("/pics/cat.png")
		assert.NoError(t, err)
		assertStagingEmpty(t, p)
	})

	t.Run("not multipart", func(t *testing.T) {
		t.Parallel()
		p := newPipeline(t)
		r := httptest.NewRequest(http.MethodPost, "/api/images/upload", strings.NewReader("{}"))
		r.Header.Set("Content-Type", "application/json")
		_, err := p.Multipart(r)
		assert.ErrorIs(t, err, apierr.ErrBadRequest)
	})
}

// assertStagingEmpty verifies no staged temp file survived the call.
func assertStagingEmpty(t *testing.T, p *upload.Pipeline) {
	t.Helper()
	ents, err := os.ReadDir(p.StagingDir)
	if os.IsNotExist(err) {
		return
	}
	require.NoError(t, err)
	assert.Empty(t, ents, "staging dir must be empty after the pipeline returns")
}

func TestRecoverFilename(t *testing.T) {
	t.Parallel()

	// "é" sent as the two Latin-1 code points 0xC3 0xA9.
	mangled := string([]rune{0xC3, 0xA9}) + ".png"
	assert.Equal(t, "é.png", upload.RecoverFilename(mangled))

	// Already-correct UTF-8 passes through.
	assert.Equal(t, "plain.png", upload.RecoverFilename("plain.png"))
	assert.Equal(t, "日本語.png", upload.RecoverFilename("日本語.png"))

	// Latin-1 bytes that do not form valid UTF-8 stay as-is.
	latin1 := string([]rune{0xE9}) + ".png"
	assert.Equal(t, latin1, upload.RecoverFilename(latin1))
}
