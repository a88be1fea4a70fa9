// Package server exposes the HTTP API: document lifecycle endpoints, the
// query endpoint, and its SSE streaming variant.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/docai-platform/docai/internal/agent"
	"github.com/docai-platform/docai/internal/auth"
	"github.com/docai-platform/docai/internal/generation"
	"github.com/docai-platform/docai/internal/ingestion"
	"github.com/docai-platform/docai/internal/repository"
	"github.com/docai-platform/docai/internal/service"
)

// maxUploadMemory is the multipart in-memory threshold.
const maxUploadMemory = 32 << 20

// HTTPServer serves the document intelligence API.
type HTTPServer struct {
	server    *http.Server
	router    *chi.Mux
	logger    *slog.Logger
	documents *service.DocumentService
	queries   *service.QueryService
}

// HTTPServerConfig holds configuration for the HTTP server.
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string
	AuthEnabled    bool
	AuthManager    *auth.Manager
	Documents      *service.DocumentService
	Queries        *service.QueryService
}

// NewHTTPServer creates the API server.
func NewHTTPServer(cfg HTTPServerConfig) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &HTTPServer{
		logger:    logger,
		documents: cfg.Documents,
		queries:   cfg.Queries,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/healthz", healthCheckHandler())

	router.Route("/api", func(r chi.Router) {
		r.Use(cfg.AuthManager.Middleware(cfg.AuthEnabled))

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", s.handleUpload)
			r.Get("/", s.handleList)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGet)
				r.Delete("/", s.handleDelete)
				r.Get("/status", s.handleStatus)
				r.Get("/versions", s.handleVersions)
				r.Get("/download", s.handleDownload)
				r.Get("/diff/{otherID}", s.handleDiff)
			})
		})

		r.Post("/query", s.handleQuery)
		r.Post("/query/stream", s.handleQueryStream)
	})

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // streaming LLM responses
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start starts the HTTP server.
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	return nil
}

func (s *HTTPServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}

	in := ingestion.UploadInput{
		Filename:   header.Filename,
		Data:       data,
		Title:      r.FormValue("title"),
		DocType:    r.FormValue("doc_type"),
		GroupID:    r.FormValue("group_id"),
		Visibility: r.FormValue("visibility"),
	}
	if tags := r.FormValue("tags"); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				in.Tags = append(in.Tags, tag)
			}
		}
	}
	if p, ok := auth.FromContext(r.Context()); ok {
		in.OwnerID = p.UserID
		in.Department = p.Department
	}

	doc, err := s.documents.UploadAsync(r.Context(), in)
	if err != nil {
		var dup *repository.DuplicateError
		switch {
		case errors.As(err, &dup):
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":       "duplicate document",
				"existing_id": dup.ExistingID,
			})
		case errors.Is(err, ingestion.ErrUnsupportedFormat),
			errors.Is(err, ingestion.ErrFileTooLarge),
			errors.Is(err, ingestion.ErrEmptyDocument):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.logger.Error("upload failed", "filename", header.Filename, "error", err)
			writeError(w, http.StatusInternalServerError, "upload failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":     doc.ID,
		"title":  doc.Title,
		"status": doc.Status,
	})
}

func (s *HTTPServer) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	filter := repository.ListFilter{
		DocType: q.Get("doc_type"),
		GroupID: q.Get("group_id"),
		Status:  q.Get("status"),
		Limit:   limit,
		Offset:  offset,
	}
	if tags := q.Get("tags"); tags != "" {
		filter.Tags = strings.Split(tags, ",")
	}

	docs, total, err := s.documents.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list documents failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list documents")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": documentViews(docs),
		"total":     total,
	})
}

func (s *HTTPServer) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	doc, err := s.documents.Get(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newDocumentView(doc))
}

func (s *HTTPServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	if err := s.documents.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		s.logger.Error("delete document failed", "doc_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete document")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	status, err := s.documents.Status(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *HTTPServer) handleVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	versions, err := s.documents.VersionHistory(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": documentViews(versions)})
}

func (s *HTTPServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	reader, filename, err := s.documents.Download(r.Context(), id)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, reader); err != nil {
		s.logger.Warn("download interrupted", "doc_id", id, "error", err)
	}
}

func (s *HTTPServer) handleDiff(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "id")
	if !ok {
		return
	}
	otherID, ok := parseID(w, r, "otherID")
	if !ok {
		return
	}
	diff, err := s.documents.Diff(r.Context(), id, otherID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		s.logger.Error("diff failed", "old_id", id, "new_id", otherID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute diff")
		return
	}
	writeJSON(w, http.StatusOK, diff)
}

func (s *HTTPServer) handleQuery(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	result, err := s.queries.Query(r.Context(), in)
	if err != nil {
		s.logger.Error("query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "query failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// handleQueryStream answers over SSE. Events are JSON objects on data lines:
// route_info, sources, token, agent_step, error; the stream ends with [DONE].
func (s *HTTPServer) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeQuery(w, r)
	if !ok {
		return
	}
	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	send := func(event any) {
		data, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
	}

	_, err := s.queries.QueryStream(r.Context(), in, service.StreamEvents{
		OnRouteInfo: func(route, queryType string) {
			send(map[string]any{"type": "route_info", "route": route, "query_type": queryType})
		},
		OnSources: func(citations []generation.Citation) {
			send(map[string]any{"type": "sources", "sources": citations})
		},
		OnToken: func(token string) {
			send(map[string]any{"type": "token", "content": token})
		},
		OnAgentStep: func(step agent.Step) {
			send(map[string]any{"type": "agent_step", "step": step})
		},
	})
	if err != nil {
		s.logger.Error("streaming query failed", "error", err)
		send(map[string]any{"type": "error", "message": "query failed"})
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *HTTPServer) decodeQuery(w http.ResponseWriter, r *http.Request) (service.QueryInput, bool) {
	var in service.QueryInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return in, false
	}
	if strings.TrimSpace(in.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return in, false
	}

	if p, ok := auth.FromContext(r.Context()); ok && !p.Admin() {
		ids, err := s.documents.AccessibleDocIDs(r.Context(), p.UserID, p.Department, p.Groups)
		if err != nil {
			s.logger.Error("failed to resolve accessible documents", "user", p.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, "authorization failed")
			return in, false
		}
		if ids == nil {
			ids = []string{}
		}
		in.AccessibleDocIDs = ids
	}
	return in, true
}

// documentView is the API shape of a document.
type documentView struct {
	ID            uuid.UUID  `json:"id"`
	Title         string     `json:"title"`
	Filename      string     `json:"filename"`
	DocType       string     `json:"doc_type"`
	Tags          []string   `json:"tags,omitempty"`
	GroupID       string     `json:"group_id,omitempty"`
	Status        string     `json:"status"`
	Summary       string     `json:"summary,omitempty"`
	VersionNumber string     `json:"version_number"`
	VersionStatus string     `json:"version_status"`
	IsLatest      bool       `json:"is_latest"`
	ParentID      *uuid.UUID `json:"parent_version_id,omitempty"`
	PageCount     int        `json:"page_count"`
	ChunkCount    int        `json:"chunk_count"`
	CreatedAt     time.Time  `json:"created_at"`
}

func newDocumentView(d *repository.Document) documentView {
	return documentView{
		ID:            d.ID,
		Title:         d.Title,
		Filename:      d.Filename,
		DocType:       d.DocType,
		Tags:          d.Tags,
		GroupID:       d.GroupID,
		Status:        d.Status,
		Summary:       d.Summary,
		VersionNumber: d.VersionNumber,
		VersionStatus: d.VersionStatus,
		IsLatest:      d.IsLatest,
		ParentID:      d.ParentVersionID,
		PageCount:     d.PageCount,
		ChunkCount:    d.ChunkCount,
		CreatedAt:     d.CreatedAt,
	}
}

func documentViews(docs []*repository.Document) []documentView {
	out := make([]documentView, len(docs))
	for i, d := range docs {
		out[i] = newDocumentView(d)
	}
	return out
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid document id")
		return uuid.Nil, false
	}
	return id, true
}

func writeRepoError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLoggingMiddleware logs HTTP requests.
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers.
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}
