// Package server exposes the RAG service over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"ragindex/internal/catalog"
	"ragindex/internal/domain"
	"ragindex/internal/ingest"
)

// DeleteConfirmation must be sent to DELETE /v1/collection.
const DeleteConfirmation = "DELETE_ALL"

const (
	defaultMaxUpload = 32 << 20
	queryTimeout     = 60 * time.Second
)

// Service is the subset of the RAG service the API calls.
type Service interface {
	IngestDocument(ctx context.Context, path string, meta map[string]string) domain.IngestionOutcome
	IngestText(ctx context.Context, name, text string, meta map[string]string) domain.IngestionOutcome
	IngestBatch(ctx context.Context, paths []string, meta map[string]string) domain.BatchOutcome
	Search(ctx context.Context, query string, k int, rerank bool) ([]domain.RankedDocument, error)
	CollectionStats(ctx context.Context) domain.CollectionStats
	ListDocuments(ctx context.Context, limit int) ([]catalog.Document, error)
	DeleteAllDocuments(ctx context.Context) error
}

// Response is the envelope of every API reply. Code 0 means success.
type Response struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type Options struct {
	MaxUploadBytes int64
	// DocumentRoot is the only tree the path-based endpoints may read.
	// Relative request paths resolve against it. Empty disables them.
	DocumentRoot string
	Logger       *slog.Logger
}

type Server struct {
	svc       Service
	maxUpload int64
	root      string
	realRoot  string
	logger    *slog.Logger
}

var (
	errPathIngestDisabled = errors.New("path ingestion is disabled; set server.document_root or use /v1/documents/upload")
	errOutsideRoot        = errors.New("path is outside the document root")
)

// New builds the handler set. Call Router to obtain the http.Handler.
func New(svc Service, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = defaultMaxUpload
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	s := &Server{svc: svc, maxUpload: opts.MaxUploadBytes, logger: opts.Logger}
	if opts.DocumentRoot != "" {
		root, err := filepath.Abs(opts.DocumentRoot)
		if err != nil {
			root = filepath.Clean(opts.DocumentRoot)
		}
		s.root, s.realRoot = root, root
		if resolved, err := filepath.EvalSymlinks(root); err == nil {
			s.realRoot = resolved
		}
	}
	return s
}

// resolvePath maps a requested path into the document root and refuses
// anything that escapes it, including through symlinks.
func (s *Server) resolvePath(p string) (string, error) {
	if s.root == "" {
		return "", errPathIngestDisabled
	}
	full := p
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.root, full)
	}
	full = filepath.Clean(full)
	if !within(s.root, full) {
		return "", fmt.Errorf("%w: %s", errOutsideRoot, p)
	}
	if resolved, err := filepath.EvalSymlinks(full); err == nil && !within(s.realRoot, resolved) {
		return "", fmt.Errorf("%w: %s", errOutsideRoot, p)
	}
	return full, nil
}

func within(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Router wires every route onto a fresh gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())
	r.MaxMultipartMemory = s.maxUpload

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, Response{Message: "ok"})
	})
	v1 := r.Group("/v1")
	{
		v1.POST("/documents", s.ingestDocument)
		v1.POST("/documents/upload", s.uploadDocument)
		v1.POST("/documents/batch", s.ingestBatch)
		v1.GET("/documents", s.listDocuments)
		v1.POST("/search", s.search)
		v1.GET("/stats", s.stats)
		v1.DELETE("/collection", s.deleteCollection)
	}
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency", time.Since(start))
	}
}

func ok(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, Response{Message: message, Data: data})
}

func fail(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, Response{Code: status, Message: err.Error()})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrBackendUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrEmbeddingFailure):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrDimensionMismatch):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type ingestRequest struct {
	Path     string            `json:"path" binding:"required"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) ingestDocument(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	path, err := s.resolvePath(req.Path)
	if err != nil {
		fail(c, http.StatusForbidden, err)
		return
	}
	out := s.svc.IngestDocument(c.Request.Context(), path, req.Metadata)
	if !out.Success {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, Response{
			Code: http.StatusUnprocessableEntity, Message: out.Error, Data: out,
		})
		return
	}
	ok(c, "document ingested", out)
}

func (s *Server) uploadDocument(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.maxUpload)
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if !ingest.Supported(fh.Filename) {
		fail(c, http.StatusBadRequest, fmt.Errorf("%w: %s", ingest.ErrUnsupportedType, fh.Filename))
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	defer f.Close()
	body, err := io.ReadAll(f)
	if err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}

	meta := map[string]string{}
	for key, vals := range c.Request.MultipartForm.Value {
		if key != "file" && len(vals) > 0 {
			meta[key] = vals[0]
		}
	}
	out := s.svc.IngestText(c.Request.Context(), fh.Filename, string(body), meta)
	if !out.Success {
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, Response{
			Code: http.StatusUnprocessableEntity, Message: out.Error, Data: out,
		})
		return
	}
	ok(c, "document ingested", out)
}

type batchRequest struct {
	Paths    []string          `json:"paths" binding:"required,min=1"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) ingestBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	paths := make([]string, len(req.Paths))
	for i, p := range req.Paths {
		resolved, err := s.resolvePath(p)
		if err != nil {
			fail(c, http.StatusForbidden, err)
			return
		}
		paths[i] = resolved
	}
	ok(c, "batch processed", s.svc.IngestBatch(c.Request.Context(), paths, req.Metadata))
}

type searchRequest struct {
	Query  string `json:"query" binding:"required"`
	K      int    `json:"k"`
	Rerank *bool  `json:"rerank"`
}

type searchResponse struct {
	Query     string                  `json:"query"`
	Total     int                     `json:"total"`
	Documents []domain.RankedDocument `json:"documents"`
}

func (s *Server) search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	rerank := req.Rerank != nil && *req.Rerank

	ctx, cancel := context.WithTimeout(c.Request.Context(), queryTimeout)
	defer cancel()
	docs, err := s.svc.Search(ctx, req.Query, req.K, rerank)
	if err != nil {
		s.logger.Error("search failed", "query", req.Query, "error", err)
		fail(c, statusFor(err), err)
		return
	}
	if docs == nil {
		docs = []domain.RankedDocument{}
	}
	ok(c, "success", searchResponse{Query: req.Query, Total: len(docs), Documents: docs})
}

func (s *Server) stats(c *gin.Context) {
	ok(c, "success", s.svc.CollectionStats(c.Request.Context()))
}

func (s *Server) listDocuments(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		fail(c, http.StatusBadRequest, fmt.Errorf("invalid limit %q", c.Query("limit")))
		return
	}
	docs, err := s.svc.ListDocuments(c.Request.Context(), limit)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	if docs == nil {
		docs = []catalog.Document{}
	}
	ok(c, "success", docs)
}

type deleteRequest struct {
	Confirmation string `json:"confirmation"`
}

func (s *Server) deleteCollection(c *gin.Context) {
	var req deleteRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Confirmation != DeleteConfirmation {
		fail(c, http.StatusBadRequest, fmt.Errorf("confirmation %q required", DeleteConfirmation))
		return
	}
	if err := s.svc.DeleteAllDocuments(c.Request.Context()); err != nil {
		s.logger.Error("delete all failed", "error", err)
		fail(c, statusFor(err), err)
		return
	}
	ok(c, "collection deleted", nil)
}

// Run serves the API on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
