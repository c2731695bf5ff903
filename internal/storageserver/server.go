// Package storageserver exposes any Backend over the httpstore wire
// protocol. It backs the CLI's serve command and the httpstore tests.
package storageserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"yhtransfer/internal/backend"
	"yhtransfer/internal/backend/httpstore"
	"yhtransfer/internal/transfer/types"
	"yhtransfer/internal/utils"
)

const maxChunkBody = 64 << 20

type Option func(*Server)

// WithRateLimit answers 429 with a Retry-After header once requests exceed
// r per second.
func WithRateLimit(r rate.Limit, burst int) Option {
	return func(s *Server) {
		s.limiter = rate.NewLimiter(r, burst)
	}
}

// WithDebug puts gin in debug mode.
func WithDebug(debug bool) Option {
	return func(s *Server) {
		s.debug = debug
	}
}

type Server struct {
	backend backend.Backend
	limiter *rate.Limiter
	debug   bool

	mu     sync.Mutex
	engine *gin.Engine
	server *http.Server
}

func New(b backend.Backend, opts ...Option) *Server {
	s := &Server{backend: b}
	for _, opt := range opts {
		opt(s)
	}
	s.engine = s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() *gin.Engine {
	if s.debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.identity)
	if s.limiter != nil {
		engine.Use(s.rateLimit)
	}

	v1 := engine.Group("/v1")
	{
		v1.GET("/objects/:fid", s.stat)
		v1.GET("/objects/:fid/content", s.content)
		v1.GET("/objects/:fid/url", s.objectURL)
		v1.GET("/objects/:fid/thumb", s.thumbURL)
		v1.POST("/uploads", s.beginUpload)
		v1.PUT("/uploads/:id", s.putChunk)
		v1.POST("/uploads/:id/commit", s.commitUpload)
		v1.DELETE("/uploads/:id", s.abortUpload)
		v1.POST("/dirs", s.createDir)
	}
	return engine
}

// Handler returns the router, for httptest servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe blocks until Shutdown or a listener error.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.server
	s.mu.Unlock()

	utils.DefaultLogger.Infof("storage server listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) identity(c *gin.Context) {
	h := c.Request.Header
	id := backend.Identity{
		Appid:     h.Get(httpstore.HeaderAppid),
		Appuid:    h.Get(httpstore.HeaderAppuid),
		Devid:     h.Get(httpstore.HeaderDevid),
		Sid:       h.Get(httpstore.HeaderSid),
		Clusterid: h.Get(httpstore.HeaderClusterid),
	}
	c.Request = c.Request.WithContext(backend.WithIdentity(c.Request.Context(), id))
	c.Next()
}

func (s *Server) rateLimit(c *gin.Context) {
	res := s.limiter.Reserve()
	if !res.OK() {
		s.fail(c, fmt.Errorf("rate limited: %w", types.ErrUnavailable))
		return
	}
	delay := res.Delay()
	if delay <= 0 {
		c.Next()
		return
	}
	res.Cancel()
	secs := int(delay / time.Second)
	if delay%time.Second != 0 {
		secs++
	}
	c.Header("Retry-After", strconv.Itoa(secs))
	writeJSON(c, http.StatusTooManyRequests, httpstore.ErrorBody{Error: "too many requests", Code: httpstore.CodeUnavailable})
	c.Abort()
}

func writeJSON(c *gin.Context, status int, v any) {
	payload, err := sonic.Marshal(v)
	if err != nil {
		c.Data(http.StatusInternalServerError, "application/json", []byte(`{"error":"encode failed","code":"internal"}`))
		return
	}
	c.Data(status, "application/json", payload)
}

func readJSON(c *gin.Context, v any) error {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidArgument, err)
	}
	if err := sonic.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: %v", types.ErrInvalidArgument, err)
	}
	return nil
}

// fail maps backend errors onto status codes and wire error codes.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, httpstore.CodeInternal
	switch {
	case errors.Is(err, types.ErrNotFound):
		status, code = http.StatusNotFound, httpstore.CodeNotFound
	case errors.Is(err, types.ErrSizeMismatch):
		status, code = http.StatusUnprocessableEntity, httpstore.CodeSizeMismatch
	case errors.Is(err, types.ErrInvalidArgument):
		status, code = http.StatusBadRequest, httpstore.CodeInvalidArgument
	case errors.Is(err, types.ErrRejected):
		status, code = http.StatusConflict, httpstore.CodeRejected
	case errors.Is(err, types.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, httpstore.CodeUnavailable
	}
	if status == http.StatusInternalServerError {
		utils.Warn("storageserver: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	writeJSON(c, status, httpstore.ErrorBody{Error: err.Error(), Code: code})
	c.Abort()
}

func (s *Server) stat(c *gin.Context) {
	info, err := s.backend.Stat(c.Request.Context(), c.Param("fid"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, info)
}

// parseRange accepts a single "bytes=start-end" range.
func parseRange(h string, size int64) (start, end int64, ok bool, err error) {
	if h == "" {
		return 0, size - 1, false, nil
	}
	spec, found := strings.CutPrefix(h, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false, fmt.Errorf("%w: unsupported range %q", types.ErrInvalidArgument, h)
	}
	first, last, found := strings.Cut(spec, "-")
	if !found || first == "" {
		return 0, 0, false, fmt.Errorf("%w: unsupported range %q", types.ErrInvalidArgument, h)
	}
	start, err = strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, false, fmt.Errorf("%w: bad range start %q", types.ErrInvalidArgument, first)
	}
	end = size - 1
	if last != "" {
		end, err = strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return 0, 0, false, fmt.Errorf("%w: bad range end %q", types.ErrInvalidArgument, last)
		}
	}
	return start, min(end, size-1), true, nil
}

func (s *Server) content(c *gin.Context) {
	ctx := c.Request.Context()
	fid := c.Param("fid")
	info, err := s.backend.Stat(ctx, fid)
	if err != nil {
		s.fail(c, err)
		return
	}
	start, end, ranged, err := parseRange(c.GetHeader("Range"), info.Size)
	if err != nil {
		s.fail(c, err)
		return
	}
	if ranged && start >= info.Size {
		c.Header("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
		writeJSON(c, http.StatusRequestedRangeNotSatisfiable, httpstore.ErrorBody{Error: "range not satisfiable"})
		return
	}
	data, err := s.backend.ReadChunk(ctx, fid, start, end-start+1)
	if err != nil {
		s.fail(c, err)
		return
	}
	contentType := info.ContentType
	if contentType == "" || info.Encrypt != types.EncryptNone {
		contentType = "application/octet-stream"
	}
	if ranged {
		c.Header("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, start+int64(len(data))-1, info.Size))
		c.Data(http.StatusPartialContent, contentType, data)
		return
	}
	c.Data(http.StatusOK, contentType, data)
}

func (s *Server) objectURL(c *gin.Context) {
	var version int64
	if v := c.Query("version"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.fail(c, fmt.Errorf("%w: bad version %q", types.ErrInvalidArgument, v))
			return
		}
		version = n
	}
	u, err := s.backend.URL(c.Request.Context(), c.Param("fid"), version, c.Query("path"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, httpstore.URLResponse{URL: u})
}

func (s *Server) thumbURL(c *gin.Context) {
	kind, err := strconv.Atoi(c.DefaultQuery("kind", "0"))
	if err != nil {
		s.fail(c, fmt.Errorf("%w: bad thumb kind", types.ErrInvalidArgument))
		return
	}
	u, err := s.backend.ThumbURL(c.Request.Context(), c.Param("fid"), types.ThumbType(kind))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, httpstore.URLResponse{URL: u})
}

func (s *Server) beginUpload(c *gin.Context) {
	var spec backend.UploadSpec
	if err := readJSON(c, &spec); err != nil {
		s.fail(c, err)
		return
	}
	if id, ok := backend.IdentityFrom(c.Request.Context()); ok && spec.OwnerAppid == "" && spec.OwnerAppuid == "" {
		spec.OwnerAppid, spec.OwnerAppuid = id.Appid, id.Appuid
	}
	uploadID, err := s.backend.BeginUpload(c.Request.Context(), spec)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, httpstore.BeginResponse{UploadID: uploadID})
}

func (s *Server) putChunk(c *gin.Context) {
	offset, err := strconv.ParseInt(c.Query("offset"), 10, 64)
	if err != nil {
		s.fail(c, fmt.Errorf("%w: bad offset", types.ErrInvalidArgument))
		return
	}
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxChunkBody+1))
	if err != nil {
		s.fail(c, fmt.Errorf("failed to read chunk: %w", types.ErrUnavailable))
		return
	}
	if len(data) > maxChunkBody {
		s.fail(c, fmt.Errorf("%w: chunk larger than %d bytes", types.ErrRejected, maxChunkBody))
		return
	}
	if err := s.backend.PutChunk(c.Request.Context(), c.Param("id"), offset, data); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) commitUpload(c *gin.Context) {
	info, err := s.backend.CommitUpload(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusOK, info)
}

func (s *Server) abortUpload(c *gin.Context) {
	if err := s.backend.AbortUpload(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) createDir(c *gin.Context) {
	var req httpstore.CreateDirRequest
	if err := readJSON(c, &req); err != nil {
		s.fail(c, err)
		return
	}
	fid, err := s.backend.CreateDir(c.Request.Context(), req.ParentFid, req.Name)
	if err != nil {
		s.fail(c, err)
		return
	}
	writeJSON(c, http.StatusCreated, httpstore.FidResponse{Fid: fid})
}
