// Package upload implements the ingestion pipeline. Both modes share
// the same contract: the filename is validated before any byte is
// written, bytes land in a staging file first, commit is an atomic move,
// and every failure path removes the staged file. A pipeline call
// produces exactly one outcome value, so the handler can only respond
// once.
package upload

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"picnode/internal/apierr"
	"picnode/internal/config"
	"picnode/internal/fileops"
	"picnode/internal/thumb"
	"picnode/internal/vpath"
)

// fields are small; anything beyond this is not a legitimate form value.
const maxFieldBytes = 1 << 20

type Pipeline struct {
	StorageRoot string
	StagingDir  string
	Limits      config.Limits
	Thumbs      *thumb.Cache
}

// Result reports where a committed upload landed.
type Result struct {
	VPath string // destination in the storage tree, or the thumb origin path
	Thumb bool   // true when the upload went into the thumbnail cache
	Size  int64
}

// stagingPath returns a collision-free temp location for one upload.
func (p *Pipeline) stagingPath() string {
	return filepath.Join(p.StagingDir, fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString()))
}

// DecodeBase64 strips an optional data-URL prefix, repairs URL-safe
// alphabet and padding, validates the alphabet, and rejects oversized
// payloads from the encoded length alone, so the decoded buffer is never
// allocated for them.
func DecodeBase64(input string, maxBytes int64) ([]byte, error) {
	raw := strings.TrimSpace(input)
	if raw == "" {
		return nil, apierr.ErrBadRequest.WithMessage("empty payload")
	}
	// A data-URL prefix ends at the first comma.
	if i := strings.IndexByte(raw, ','); i >= 0 {
		raw = raw[i+1:]
	}
	data := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		case '-':
			return '+'
		case '_':
			return '/'
		}
		return r
	}, raw)
	if data == "" {
		return nil, apierr.ErrBadRequest.WithMessage("empty payload")
	}
	if n := len(data) % 4; n != 0 {
		data += strings.Repeat("=", 4-n)
	}
	padding := 0
	for i := len(data) - 1; i >= 0 && data[i] == '='; i-- {
		padding++
	}
	if padding > 2 {
		return nil, apierr.ErrBadRequest.WithMessage("malformed base64")
	}
	for i := 0; i < len(data)-padding; i++ {
		c := data[i]
		if !(c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '+' || c == '/') {
			return nil, apierr.ErrBadRequest.WithMessage("malformed base64")
		}
	}
	estimated := int64(len(data)/4*3 - padding)
	if estimated > maxBytes {
		return nil, apierr.ErrPayloadTooLarge
	}
	buf, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, apierr.ErrBadRequest.WithMessage("malformed base64").Wrap(err)
	}
	return buf, nil
}

// SaveBytes commits decoded content at dir/filename through the staging
// area. The name must already be sanitized. An occupied destination
// fails with Conflict unless override is set.
func (p *Pipeline) SaveBytes(dir, filename string, content []byte, override bool) (Result, error) {
	name := fileops.SanitizeName(filename)
	if name == "" {
		return Result{}, apierr.ErrBadRequest.WithMessage("invalid filename")
	}
	dst, err := vpath.Resolve(p.StorageRoot, vpath.Join(dir, name))
	if err != nil {
		return Result{}, err
	}
	if !override {
		if _, err := os.Stat(dst.Abs); err == nil {
			return Result{}, apierr.ErrConflict.WithMessage("file already exists")
		}
	}
	tmp := p.stagingPath()
	if err := os.MkdirAll(p.StagingDir, 0o755); err != nil {
		return Result{}, apierr.ErrInternal.Wrap(err)
	}
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		_ = os.Remove(tmp)
		return Result{}, apierr.ErrInternal.Wrap(err)
	}
	if err := os.MkdirAll(filepath.Dir(dst.Abs), 0o755); err != nil {
		_ = os.Remove(tmp)
		return Result{}, apierr.ErrInternal.Wrap(err)
	}
	if err := fileops.MoveFile(tmp, dst.Abs); err != nil {
		_ = os.Remove(tmp)
		return Result{}, err
	}
	return Result{VPath: dst.VPath, Size: int64(len(content))}, nil
}

// SaveThumbBytes installs decoded content as the cached thumbnail for
// originPath, overwriting any existing artifact.
func (p *Pipeline) SaveThumbBytes(originPath string, content []byte) (Result, error) {
	origin := vpath.Normalize(originPath)
	if origin == "/" || !fileops.IsImageName(origin) {
		return Result{}, apierr.ErrBadRequest.WithMessage("invalid origin path")
	}
	tmp := p.stagingPath()
	if err := os.MkdirAll(p.StagingDir, 0o755); err != nil {
		return Result{}, apierr.ErrInternal.Wrap(err)
	}
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		_ = os.Remove(tmp)
		return Result{}, apierr.ErrInternal.Wrap(err)
	}
	if err := p.Thumbs.CommitArtifact(origin, tmp); err != nil {
		_ = os.Remove(tmp)
		return Result{}, err
	}
	return Result{VPath: origin, Thumb: true, Size: int64(len(content))}, nil
}

// Multipart streams one multipart upload to the staging area and commits
// it. Limits are enforced while the stream is read: at most one file
// part (field name "file"), at most Limits.UploadFields form fields, at
// most Limits.UploadFileBytes file bytes. Any violation or stream error
// aborts the write and removes the staged file before the error is
// returned.
func (p *Pipeline) Multipart(r *http.Request) (res Result, err error) {
	mr, merr := r.MultipartReader()
	if merr != nil {
		return Result{}, apierr.ErrBadRequest.WithMessage("malformed multipart body").Wrap(merr)
	}

	var (
		tmp      string
		size     int64
		fileName string
		fields   = map[string]string{}
	)
	defer func() {
		if err != nil && tmp != "" {
			_ = os.Remove(tmp)
		}
	}()

	for {
		part, perr := mr.NextPart()
		if perr == io.EOF {
			break
		}
		if perr != nil {
			return Result{}, apierr.ErrBadRequest.WithMessage("malformed multipart body").Wrap(perr)
		}
		if part.FileName() == "" {
			if len(fields) >= p.Limits.UploadFields {
				part.Close()
				return Result{}, apierr.ErrBadRequest.WithMessage("too many fields")
			}
			name := part.FormName()
			v, verr := readField(part)
			part.Close()
			if verr != nil {
				return Result{}, verr
			}
			fields[name] = v
			continue
		}
		if part.FormName() != "file" {
			// Drain unrelated file parts without staging them.
			_, _ = io.Copy(io.Discard, part)
			part.Close()
			continue
		}
		if tmp != "" {
			part.Close()
			return Result{}, apierr.ErrBadRequest.WithMessage("multiple file parts")
		}
		fileName = fileops.SanitizeName(RecoverFilename(part.FileName()))
		if fileName == "" {
			part.Close()
			return Result{}, apierr.ErrBadRequest.WithMessage("invalid filename")
		}
		if err := os.MkdirAll(p.StagingDir, 0o755); err != nil {
			part.Close()
			return Result{}, apierr.ErrInternal.Wrap(err)
		}
		tmp = p.stagingPath()
		size, err = stageStream(tmp, part, p.Limits.UploadFileBytes)
		part.Close()
		if err != nil {
			return Result{}, err
		}
	}

	if tmp == "" {
		return Result{}, apierr.ErrBadRequest.WithMessage("missing file")
	}

	override := fields["override"] == "1"
	if fields["thumb"] == "1" {
		origin := vpath.Normalize(fields["originPath"])
		if origin == "/" || !fileops.IsImageName(origin) {
			return Result{}, apierr.ErrBadRequest.WithMessage("invalid origin path")
		}
		if err := p.Thumbs.CommitArtifact(origin, tmp); err != nil {
			return Result{}, err
		}
		tmp = ""
		return Result{VPath: origin, Thumb: true, Size: size}, nil
	}

	dst, rerr := vpath.Resolve(p.StorageRoot, vpath.Join(fields["path"], fileName))
	if rerr != nil {
		return Result{}, rerr
	}
	if !override {
		if _, serr := os.Stat(dst.Abs); serr == nil {
			return Result{}, apierr.ErrConflict.WithMessage("file already exists")
		}
	}
	if err := os.MkdirAll(filepath.Dir(dst.Abs), 0o755); err != nil {
		return Result{}, apierr.ErrInternal.Wrap(err)
	}
	if err := fileops.MoveFile(tmp, dst.Abs); err != nil {
		return Result{}, err
	}
	tmp = ""
	return Result{VPath: dst.VPath, Size: size}, nil
}

// stageStream copies the part into tmp, enforcing the byte limit during
// the copy. The destination write paces the read, so a slow disk
// backpressures the client. On any failure the temp file is removed.
func stageStream(tmp string, src io.Reader, maxBytes int64) (int64, error) {
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return 0, apierr.ErrInternal.Wrap(err)
	}
	n, cerr := io.Copy(f, io.LimitReader(src, maxBytes+1))
	if cerr != nil {
		f.Close()
		_ = os.Remove(tmp)
		return 0, apierr.ErrBadRequest.WithMessage("upload interrupted").Wrap(cerr)
	}
	if n > maxBytes {
		f.Close()
		_ = os.Remove(tmp)
		return 0, apierr.ErrPayloadTooLarge
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return 0, apierr.ErrInternal.Wrap(err)
	}
	return n, nil
}

func readField(part *multipart.Part) (string, error) {
	b, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return "", apierr.ErrBadRequest.WithMessage("malformed field").Wrap(err)
	}
	if len(b) > maxFieldBytes {
		return "", apierr.ErrBadRequest.WithMessage("field too large")
	}
	return string(b), nil
}

// RecoverFilename undoes the historical Latin-1-as-UTF-8 mangling some
// multipart clients produce. The raw name is reinterpreted as UTF-8
// bytes read through Latin-1; the reinterpretation is kept only when
// re-encoding it to Latin-1 reproduces the original exactly.
func RecoverFilename(raw string) string {
	bytes := make([]byte, 0, len(raw))
	for _, r := range raw {
		if r > 0xFF {
			return raw
		}
		bytes = append(bytes, byte(r))
	}
	if !utf8.Valid(bytes) {
		return raw
	}
	return string(bytes)
}
