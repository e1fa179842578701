// Package httpapi implements the HTTP surface: indexing, job, and query
// endpoints routed with chi, translating core errors to status codes.
package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/SpillwaveSolutions/agent-brain/internal/queryservice"
	"github.com/SpillwaveSolutions/agent-brain/internal/queue"
	"github.com/SpillwaveSolutions/agent-brain/internal/store"
	"github.com/SpillwaveSolutions/agent-brain/pkg/version"
)

// IndexingCoordinator is the minimal surface the HTTP layer needs to
// enqueue and inspect indexing work, satisfied by *queue.Queue.
type IndexingCoordinator interface {
	Enqueue(req queue.Request) (*queue.Job, bool, error)
	List(limit, offset int) ([]*queue.Job, int)
	Get(id string) (*queue.Job, error)
	Cancel(id string) error
}

// Server bundles the collaborators the HTTP handlers need.
type Server struct {
	Queue    IndexingCoordinator
	Backend  store.Backend
	Query    *queryservice.Service
	Log      *slog.Logger
	Indexing func() bool // true while a RUNNING job exists
	Metrics  *Metrics    // nil disables instrumentation and /metrics
}

// Router builds the chi router implementing the documented HTTP surface.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	if s.Metrics != nil {
		r.Get("/metrics", s.Metrics.Handler().ServeHTTP)
	}

	r.Route("/health", func(r chi.Router) {
		r.Get("/", s.metricsMiddleware("/health", s.handleHealth))
		r.Get("/status", s.metricsMiddleware("/health/status", s.handleHealthStatus))
		r.Get("/{backend}", s.metricsMiddleware("/health/{backend}", s.handleHealthBackend))
	})
	r.Route("/index", func(r chi.Router) {
		r.Post("/", s.metricsMiddleware("/index", s.handleIndex))
		r.Post("/add", s.metricsMiddleware("/index/add", s.handleIndexAdd))
		r.Delete("/", s.metricsMiddleware("/index", s.handleReset))
	})
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.metricsMiddleware("/jobs", s.handleListJobs))
		r.Get("/{id}", s.metricsMiddleware("/jobs/{id}", s.handleGetJob))
		r.Delete("/{id}", s.metricsMiddleware("/jobs/{id}", s.handleCancelJob))
	})
	r.Route("/query", func(r chi.Router) {
		r.Post("/", s.metricsMiddleware("/query", s.handleQuery))
		r.Get("/count", s.metricsMiddleware("/query/count", s.handleQueryCount))
	})
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	message := "ready"
	if s.Indexing != nil && s.Indexing() {
		status = "indexing"
		message = "indexing in progress"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"message":   message,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   version.Version,
	})
}

func (s *Server) handleHealthStatus(w http.ResponseWriter, r *http.Request) {
	ready, _ := s.Query.IsReady(r.Context())
	count, _ := s.Backend.GetCount(r.Context(), nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"indexing":     s.Indexing != nil && s.Indexing(),
		"ready":        ready,
		"total_chunks": count,
	})
}

func (s *Server) handleHealthBackend(w http.ResponseWriter, r *http.Request) {
	backend := chi.URLParam(r, "backend")
	count, err := s.Backend.GetCount(r.Context(), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backend": backend, "total_chunks": count})
}

type indexRequest struct {
	FolderPath   string `json:"folder_path"`
	ChunkSize    int    `json:"chunk_size,omitempty"`
	ChunkOverlap int    `json:"chunk_overlap,omitempty"`
	Recursive    bool   `json:"recursive,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	s.enqueueIndex(w, r, "index")
}

func (s *Server) handleIndexAdd(w http.ResponseWriter, r *http.Request) {
	s.enqueueIndex(w, r, "add")
}

func (s *Server) enqueueIndex(w http.ResponseWriter, r *http.Request, operation string) {
	var req indexRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FolderPath == "" {
		writeError(w, http.StatusBadRequest, "folder_path is required")
		return
	}
	info, err := os.Stat(req.FolderPath)
	if err != nil {
		writeError(w, http.StatusBadRequest, "folder_path does not exist or is not accessible")
		return
	}
	if !info.IsDir() {
		writeError(w, http.StatusBadRequest, "folder_path is not a directory")
		return
	}

	job, existed, err := s.Queue.Enqueue(queue.Request{
		Operation:    operation,
		FolderPath:   req.FolderPath,
		Recursive:    req.Recursive,
		ChunkSize:    req.ChunkSize,
		ChunkOverlap: req.ChunkOverlap,
	})
	if errors.Is(err, queue.ErrQueueFull) {
		writeError(w, http.StatusServiceUnavailable, "job queue is full")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if existed && job.Status == queue.StatusRunning {
		writeJSON(w, http.StatusConflict, map[string]any{"job_id": job.ID, "status": job.Status, "message": "an equivalent job is already running"})
		return
	}
	if s.Metrics != nil {
		_, total := s.Queue.List(0, 0)
		s.Metrics.recordJobEnqueued(operation, total)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_id": job.ID, "status": job.Status, "message": "indexing enqueued"})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.Indexing != nil && s.Indexing() {
		writeError(w, http.StatusConflict, "cannot reset while indexing is in progress")
		return
	}
	if err := s.Backend.Reset(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "index reset"})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			offset = n
		}
	}
	jobs, total := s.Queue.List(limit, offset)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.Queue.Get(id)
	if errors.Is(err, queue.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := s.Queue.Cancel(id)
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, queue.ErrTerminal):
		writeError(w, http.StatusConflict, "job already finished")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"message": "cancellation requested"})
	}
}

type queryRequest struct {
	Query      string              `json:"query"`
	TopK       int                 `json:"top_k,omitempty"`
	Threshold  float64             `json:"similarity_threshold,omitempty"`
	Mode       string              `json:"mode,omitempty"`
	Alpha      float64             `json:"alpha,omitempty"`
	Rerank     bool                `json:"rerank,omitempty"`
	SourceTypes []string           `json:"source_types,omitempty"`
	Languages  []string            `json:"languages,omitempty"`
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var filter *store.Filter
	if len(req.SourceTypes) > 0 || len(req.Languages) > 0 {
		filter = &store.Filter{SourceTypes: req.SourceTypes, Languages: req.Languages}
	}

	mode := defaultString(req.Mode, "hybrid")
	start := time.Now()
	resp, err := s.Query.Query(r.Context(), queryservice.Request{
		Query:    req.Query,
		TopK:     defaultInt(req.TopK, 5),
		MinScore: req.Threshold,
		Mode:     queryservice.Mode(mode),
		Alpha:    req.Alpha,
		Filter:   filter,
		Rerank:   req.Rerank,
	})
	if s.Metrics != nil && err == nil {
		s.Metrics.recordQuery(mode, time.Since(start), resp.TotalResults)
	}
	switch {
	case errors.Is(err, queryservice.ErrEmptyQuery):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, queryservice.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, queryservice.ErrDimensionMismatch):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, queryservice.ErrGraphDisabled):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"results":       resp.Results,
			"query_time_ms": resp.QueryTimeMS,
			"total_results": resp.TotalResults,
		})
	}
}

func (s *Server) handleQueryCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.Backend.GetCount(r.Context(), nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	ready, _ := s.Query.IsReady(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"total_chunks": count, "ready": ready})
}

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
