package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"chat-maintenance-scheduler/internal/config"
	"chat-maintenance-scheduler/internal/models"
	"chat-maintenance-scheduler/internal/store"
	"chat-maintenance-scheduler/internal/telemetry"
)

// Registry is the slice of the store the admin API reads and writes.
type Registry interface {
	RegisterJob(ctx context.Context, p store.RegisterJobParams) (models.Job, error)
	GetJob(ctx context.Context, name string) (models.Job, error)
	ListJobs(ctx context.Context, status, kind string) ([]models.Job, error)
	GetHistory(ctx context.Context, name string, limit int64) ([]models.ExecutionRecord, error)
	RetryJob(ctx context.Context, name string) (models.Job, error)
	RetryFailed(ctx context.Context) (int64, error)
	GetDailyStats(ctx context.Context, days int) ([]models.DailyStats, error)
	CountAll(ctx context.Context) (int64, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
}

// Limiter guards the mutating routes.
type Limiter interface {
	Middleware(next http.Handler) http.Handler
}

// Server wires HTTP handlers for the operator API. It never touches leases or
// drives execution; workers find newly registered jobs on their next poll.
type Server struct {
	cfg      config.Config
	registry Registry
	limiter  Limiter
}

// New constructs the API server.
func New(cfg config.Config, registry Registry, limiter Limiter) *Server {
	return &Server{
		cfg:      cfg,
		registry: registry,
		limiter:  limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		if s.limiter != nil {
			r.Use(s.limiter.Middleware)
		}
		r.Post("/jobs", s.handleRegister)
		r.Post("/jobs/retry", s.handleRetryAll)
		r.Post("/jobs/{name}/retry", s.handleRetryJob)
	})

	r.Get("/jobs", s.handleListJobs)
	r.Get("/jobs/{name}", s.handleGetJob)
	r.Get("/jobs/{name}/history", s.handleHistory)
	r.Get("/stats", s.handleStats)
	return r
}

type registerRequest struct {
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	Description string         `json:"description"`
	Target      string         `json:"target"`
	TotalItems  int64          `json:"total_items"`
	BatchSize   int            `json:"batch_size"`
	PauseMs     int            `json:"batch_pause_ms"`
	DependsOn   []string       `json:"depends_on"`
	MaxRetries  int            `json:"max_retries"`
	Metadata    map[string]any `json:"metadata"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.Kind == "" {
		http.Error(w, "kind is required", http.StatusBadRequest)
		return
	}
	if req.BatchSize == 0 {
		req.BatchSize = s.cfg.DefaultBatchSize
	}
	if req.PauseMs == 0 {
		req.PauseMs = s.cfg.DefaultPauseMs
	}
	if req.MaxRetries == 0 {
		req.MaxRetries = s.cfg.DefaultRetries
	}

	job, err := s.registry.RegisterJob(r.Context(), store.RegisterJobParams{
		Name:        req.Name,
		Kind:        req.Kind,
		Description: req.Description,
		Target:      req.Target,
		TotalItems:  req.TotalItems,
		BatchSize:   req.BatchSize,
		PauseMs:     req.PauseMs,
		DependsOn:   req.DependsOn,
		MaxRetries:  req.MaxRetries,
		Metadata:    req.Metadata,
	})
	if errors.Is(err, store.ErrDuplicateJob) {
		http.Error(w, "job already registered", http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.JobsRegistered.Inc()
	writeJSON(w, http.StatusCreated, job)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	kind := r.URL.Query().Get("kind")
	jobs, err := s.registry.ListJobs(r.Context(), status, kind)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if jobs == nil {
		jobs = []models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, err := s.registry.GetJob(r.Context(), name)
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	limit, _ := strconv.ParseInt(r.URL.Query().Get("limit"), 10, 64)
	records, err := s.registry.GetHistory(r.Context(), name, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []models.ExecutionRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": records})
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	job, err := s.registry.RetryJob(r.Context(), name)
	if errors.Is(err, store.ErrJobNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, store.ErrNotRetryable) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.JobsRetried.Inc()
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.registry.RetryFailed(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	telemetry.JobsRetried.Add(float64(n))
	writeJSON(w, http.StatusOK, map[string]int64{"retried": n})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	days, _ := strconv.Atoi(r.URL.Query().Get("days"))
	stats, err := s.registry.GetDailyStats(r.Context(), days)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if stats == nil {
		stats = []models.DailyStats{}
	}

	summary := map[string]int64{}
	if total, err := s.registry.CountAll(r.Context()); err == nil {
		summary["total"] = total
	}
	for _, status := range []string{models.StatusPending, models.StatusRunning, models.StatusCompleted, models.StatusFailed} {
		if n, err := s.registry.CountByStatus(r.Context(), status); err == nil {
			summary[status] = n
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"summary": summary, "stats": stats})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
