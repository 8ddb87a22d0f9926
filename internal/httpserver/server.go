// Package httpserver exposes the node API: file management under
// /api/images, status push channels, gated static mounts over the
// storage root, Prometheus metrics and an optional WebDAV mount.
//
// Every JSON response uses the envelope {code, message, data} with
// code 0 on success; error codes come from apierr.
package httpserver

import (
	"bufio"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/net/webdav"

	"picnode/internal/apierr"
	"picnode/internal/config"
	"picnode/internal/fileops"
	"picnode/internal/logging"
	"picnode/internal/metrics"
	"picnode/internal/netguard"
	"picnode/internal/status"
	"picnode/internal/thumb"
	"picnode/internal/upload"
	"picnode/internal/visibility"
	"picnode/internal/vpath"
)

type Options struct {
	Config    config.Config
	Store     visibility.Store
	Guard     *netguard.Guard
	Collector *status.Collector
	Traffic   *status.Traffic
	Pipeline  *upload.Pipeline
	Thumbs    *thumb.Cache
}

type Server struct {
	cfg       config.Config
	store     visibility.Store
	guard     *netguard.Guard
	collector *status.Collector
	traffic   *status.Traffic
	pipeline  *upload.Pipeline
	thumbs    *thumb.Cache
}

func New(opts Options) *Server {
	return &Server{
		cfg:       opts.Config,
		store:     opts.Store,
		guard:     opts.Guard,
		collector: opts.Collector,
		traffic:   opts.Traffic,
		pipeline:  opts.Pipeline,
		thumbs:    opts.Thumbs,
	}
}

// Handler assembles the full middleware chain. The whitelist runs on
// the raw connection, before any byte of response is produced.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)

	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/status/stream", s.handleStatusStream)
	mux.HandleFunc("/api/status/ws", s.handleStatusWS)

	mux.HandleFunc("/api/images/list", s.handleList)
	mux.HandleFunc("/api/images/exists", s.handleExists)
	mux.HandleFunc("/api/images/thumb", s.handleThumb)
	mux.HandleFunc("/api/images/mkdir", s.handleMkdir)
	mux.HandleFunc("/api/images/delete", s.handleDelete)
	mux.HandleFunc("/api/images/copy", s.handleCopy)
	mux.HandleFunc("/api/images/move", s.handleMove)
	mux.HandleFunc("/api/images/rename", s.handleRename)
	mux.HandleFunc("/api/images/public", s.handlePublic)
	mux.HandleFunc("/api/images/public-status", s.handlePublicStatus)
	mux.HandleFunc("/api/images/upload", s.handleUpload)
	mux.HandleFunc("/api/images/upload-base64", s.handleUploadBase64)

	mux.Handle("/uploads/", s.staticHandler("/uploads/"))
	mux.Handle("/blob/", s.staticHandler("/blob/"))

	mux.Handle("/metrics", s.tokenOnly(metrics.Handler()))

	if s.cfg.WebDAV {
		dav := &webdav.Handler{
			Prefix:     "/dav",
			FileSystem: webdav.Dir(s.pipeline.StorageRoot),
			LockSystem: webdav.NewMemLS(),
		}
		// WebDAV is never public-bypassed; it writes.
		mux.Handle("/dav/", s.tokenOnly(dav))
	}

	var h http.Handler = mux
	h = s.recordMetrics(h)
	h = s.traffic.Middleware(h)
	h = s.whitelist(h)
	return h
}

// whitelist drops unlisted callers at the connection level. No status
// line, no body; the client sees a closed socket.
func (s *Server) whitelist(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := s.guard.ClientIP(r)
		if !s.guard.Whitelisted(ip) {
			metrics.RecordWhitelistReject()
			logging.Warn("whitelist reject", zap.String("ip", ip), zap.String("path", r.URL.Path))
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					_ = conn.Close()
					return
				}
			}
			panic(http.ErrAbortHandler)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recordMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.RecordRequest(r.Method, rec.code)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	return hj.Hijack()
}

type envelope struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func writeOK(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(envelope{Code: 0, Message: "ok", Data: data})
}

func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	e := apierr.From(err)
	if e.Status >= 500 {
		logging.Error("request failed",
			zap.String("path", r.URL.Path), zap.Int("code", e.Code), zap.Error(err))
	} else {
		logging.Debug("request rejected",
			zap.String("path", r.URL.Path), zap.Int("code", e.Code), zap.String("reason", e.Message))
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(envelope{Code: e.Code, Message: e.Message})
}

// authorize runs token auth, optionally bypassed when publicDir is a
// directory the visibility store marks public. A store failure never
// grants the bypass. Returns false after writing the error response.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, publicDir string) bool {
	bypass := false
	if publicDir != "" && s.guard.AuthEnabled() {
		ok, err := visibility.Contains(r.Context(), s.store, publicDir)
		if err != nil {
			logging.Warn("visibility lookup failed", zap.String("dir", publicDir), zap.Error(err))
		} else {
			bypass = ok
		}
	}
	if err := s.guard.Authenticate(r, bypass); err != nil {
		s.writeErr(w, r, err)
		return false
	}
	return true
}

// tokenOnly gates a sub-handler on the token with no public bypass and
// plain-text errors, for mounts that speak their own protocol.
func (s *Server) tokenOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.guard.Authenticate(r, false); err != nil {
			e := apierr.From(err)
			http.Error(w, e.Message, e.Status)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		w.Header().Set("Allow", method)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// decodeBody reads a small JSON request body into v.
func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		return apierr.ErrBadRequest.WithMessage("malformed request body")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeOK(w, map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.authorize(w, r, "") {
		return
	}
	writeOK(w, s.collector.Payload())
}

// handleStatusStream pushes the status document once a second over SSE
// until the client disconnects.
func (s *Server) handleStatusStream(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.authorize(w, r, "") {
		return
	}
	fl, ok := w.(http.Flusher)
	if !ok {
		s.writeErr(w, r, apierr.ErrInternal.WithMessage("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send := func() bool {
		b, err := json.Marshal(s.collector.Payload())
		if err != nil {
			return false
		}
		if _, err := w.Write([]byte("data: ")); err != nil {
			return false
		}
		if _, err := w.Write(b); err != nil {
			return false
		}
		if _, err := w.Write([]byte("\n\n")); err != nil {
			return false
		}
		fl.Flush()
		return true
	}

	if !send() {
		return
	}
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
			if !send() {
				return
			}
		}
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Token auth already ran; the socket carries no cookies worth
	// protecting from cross-origin pages.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleStatusWS is the WebSocket variant of the stream: same payload,
// same one-second tick.
func (s *Server) handleStatusWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r, "") {
		return
	}
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func() bool {
		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(s.collector.Payload()) == nil
	}
	if !send() {
		return
	}
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-tick.C:
			if !send() {
				return
			}
		}
	}
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	dir := vpath.Normalize(r.URL.Query().Get("path"))
	if !s.authorize(w, r, dir) {
		return
	}
	listing, err := fileops.List(s.pipeline.StorageRoot, dir)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeOK(w, listing)
}

func (s *Server) handleExists(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if !s.authorize(w, r, "") {
		return
	}
	q := r.URL.Query()
	dir, name := q.Get("path"), q.Get("name")
	if name == "" {
		full := vpath.Normalize(dir)
		if full != "/" {
			dir, name = vpath.Dir(full), path.Base(full)
		}
	}
	if name == "" {
		s.writeErr(w, r, apierr.ErrBadRequest.WithMessage("missing name"))
		return
	}
	ok, err := fileops.Exists(s.pipeline.StorageRoot, dir, name)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeOK(w, map[string]any{"exists": ok})
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	source := vpath.Normalize(r.URL.Query().Get("path"))
	if source == "/" {
		s.writeErr(w, r, apierr.ErrBadRequest.WithMessage("missing path"))
		return
	}
	if !s.authorize(w, r, vpath.Dir(source)) {
		return
	}
	var (
		abs string
		err error
	)
	if r.URL.Query().Get("noGenerate") == "1" {
		abs, err = s.thumbs.Lookup(source)
	} else {
		maxWidth, _ := strconv.Atoi(r.URL.Query().Get("maxWidth"))
		abs, err = s.thumbs.Ensure(r.Context(), source, maxWidth)
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	http.ServeFile(w, r, abs)
}

func (s *Server) handleMkdir(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.authorize(w, r, "") {
		return
	}
	var req struct {
		Path string `json:"path"`
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	dir, name := req.Path, req.Name
	if name == "" {
		full := vpath.Normalize(dir)
		if full != "/" {
			dir, name = vpath.Dir(full), path.Base(full)
		}
	}
	if err := fileops.Mkdir(s.pipeline.StorageRoot, dir, name); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeOK(w, map[string]any{"path": vpath.Join(vpath.Normalize(dir), name)})
}

// handleDelete removes one path or a batch. Absent members succeed, so
// retried batches stay idempotent.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.authorize(w, r, "") {
		return
	}
	var req struct {
		Path  string   `json:"path"`
		Paths []string `json:"paths"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	targets := batchTargets(req.Path, req.Paths)
	if len(targets) == 0 {
		s.writeErr(w, r, apierr.ErrBadRequest.WithMessage("missing path"))
		return
	}
	deleted := make([]string, 0, len(targets))
	for _, target := range targets {
		if err := fileops.Remove(s.pipeline.StorageRoot, target); err != nil {
			s.writeErr(w, r, err)
			return
		}
		deleted = append(deleted, vpath.Normalize(target))
	}
	writeOK(w, map[string]any{"paths": deleted})
}

func (s *Server) handleCopy(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, func(root, src, destDir string, _ bool) error {
		return fileops.CopyRecursive(root, src, destDir)
	})
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	s.handleTransfer(w, r, fileops.Move)
}

// handleTransfer runs copy/move for one path or a batch of items into a
// single destination directory. The batch stops at the first failure;
// earlier members stay transferred, matching the no-rollback contract of
// overlapping tree mutations.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request, op func(root, src, destDir string, override bool) error) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.authorize(w, r, "") {
		return
	}
	var req struct {
		Path     string   `json:"path"`
		Items    []string `json:"items"`
		Dest     string   `json:"dest"`
		ToPath   string   `json:"toPath"`
		Override bool     `json:"override"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	dest := req.Dest
	if dest == "" {
		dest = req.ToPath
	}
	sources := batchTargets(req.Path, req.Items)
	if len(sources) == 0 {
		s.writeErr(w, r, apierr.ErrBadRequest.WithMessage("missing path"))
		return
	}
	moved := make([]string, 0, len(sources))
	for _, src := range sources {
		if err := op(s.pipeline.StorageRoot, src, dest, req.Override); err != nil {
			s.writeErr(w, r, err)
			return
		}
		moved = append(moved, vpath.Join(vpath.Normalize(dest), path.Base(vpath.Normalize(src))))
	}
	writeOK(w, map[string]any{"paths": moved})
}

// batchTargets merges the single-path and array request shapes.
func batchTargets(single string, many []string) []string {
	if len(many) > 0 {
		return many
	}
	if single != "" {
		return []string{single}
	}
	return nil
}

func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.authorize(w, r, "") {
		return
	}
	var req struct {
		Path     string `json:"path"`
		NewName  string `json:"newName"`
		Override bool   `json:"override"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if err := fileops.Rename(s.pipeline.StorageRoot, req.Path, req.NewName, req.Override); err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeOK(w, map[string]any{"path": vpath.Join(vpath.Dir(vpath.Normalize(req.Path)), req.NewName)})
}

func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.authorize(w, r, "") {
		return
	}
	var req struct {
		Path    string `json:"path"`
		Enabled *bool  `json:"enabled"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	target := vpath.Normalize(req.Path)
	if err := visibility.CheckPath(target); err != nil {
		s.writeErr(w, r, err)
		return
	}
	enabled := false
	if req.Enabled != nil {
		enabled = *req.Enabled
	} else {
		// No explicit state toggles the current one.
		current, err := visibility.Contains(r.Context(), s.store, target)
		if err != nil {
			s.writeErr(w, r, apierr.ErrStorageUnavailable.Wrap(err))
			return
		}
		enabled = !current
	}
	if err := s.store.SetPublic(r.Context(), target, enabled); err != nil {
		s.writeErr(w, r, apierr.ErrStorageUnavailable.Wrap(err))
		return
	}
	writeOK(w, map[string]any{"path": target, "enabled": enabled})
}

func (s *Server) handlePublicStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	target := vpath.Normalize(r.URL.Query().Get("path"))
	if !s.authorize(w, r, target) {
		return
	}
	enabled, err := visibility.Contains(r.Context(), s.store, target)
	if err != nil {
		s.writeErr(w, r, apierr.ErrStorageUnavailable.Wrap(err))
		return
	}
	writeOK(w, map[string]any{"path": target, "enabled": enabled})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.authorize(w, r, "") {
		return
	}
	res, err := s.pipeline.Multipart(r)
	metrics.RecordUpload("multipart", err == nil, res.Size)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeOK(w, uploadData(res))
}

func (s *Server) handleUploadBase64(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !s.authorize(w, r, "") {
		return
	}
	var req struct {
		Path     string `json:"path"`
		Filename string `json:"filename"`
		Content  string `json:"content"`
		Override bool   `json:"override"`
		Thumb    bool   `json:"thumb"`
		Origin   string `json:"origin"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	content, err := upload.DecodeBase64(req.Content, s.cfg.Limits.UploadBase64Bytes)
	if err != nil {
		metrics.RecordUpload("base64", false, 0)
		s.writeErr(w, r, err)
		return
	}
	var res upload.Result
	if req.Thumb {
		origin := req.Origin
		if origin == "" {
			origin = vpath.Join(req.Path, req.Filename)
		}
		res, err = s.pipeline.SaveThumbBytes(origin, content)
	} else {
		res, err = s.pipeline.SaveBytes(req.Path, req.Filename, content, req.Override)
	}
	metrics.RecordUpload("base64", err == nil, res.Size)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeOK(w, uploadData(res))
}

func uploadData(res upload.Result) map[string]any {
	data := map[string]any{"path": res.VPath, "size": res.Size, "thumb": res.Thumb}
	if !res.Thumb {
		data["url"] = "/uploads" + res.VPath
	}
	return data
}

// staticHandler serves files from the storage root under prefix.
// Directory listings and dotfiles are denied; responses carry headers
// that keep browsers from executing served content.
func (s *Server) staticHandler(prefix string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		file := vpath.Normalize(strings.TrimPrefix(r.URL.Path, prefix))
		for _, seg := range strings.Split(file, "/") {
			if strings.HasPrefix(seg, ".") && seg != "" {
				s.writeErr(w, r, apierr.ErrNotFound)
				return
			}
		}
		if !s.authorize(w, r, vpath.Dir(file)) {
			return
		}
		res, err := vpath.Resolve(s.pipeline.StorageRoot, file)
		if err != nil {
			s.writeErr(w, r, err)
			return
		}
		st, err := os.Stat(res.Abs)
		if err != nil || !st.Mode().IsRegular() {
			s.writeErr(w, r, apierr.ErrNotFound)
			return
		}
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Content-Security-Policy", "sandbox")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-site")
		http.ServeFile(w, r, res.Abs)
	})
}
