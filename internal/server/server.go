// Package server exposes the backtest engine over a small JSON API:
// submit a configuration, poll the job, fetch the result, and browse
// the hypothesis store.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/quantbrew/ivbacktest/internal/config"
	"github.com/quantbrew/ivbacktest/internal/data"
	"github.com/quantbrew/ivbacktest/internal/engine"
	"github.com/quantbrew/ivbacktest/internal/hypothesis"
)

// JobStatus is the lifecycle state of a submitted backtest.
type JobStatus string

const (
	JobPending   JobStatus = "PENDING"
	JobRunning   JobStatus = "RUNNING"
	JobCompleted JobStatus = "COMPLETED"
	JobFailed    JobStatus = "FAILED"
)

// Job tracks one submitted backtest run.
type Job struct {
	ID          string         `json:"id"`
	Status      JobStatus      `json:"status"`
	SubmittedAt time.Time      `json:"submitted_at"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	Progress    int            `json:"progress"`
	Message     string         `json:"message,omitempty"`
	Error       string         `json:"error,omitempty"`
	Result      *engine.Result `json:"result,omitempty"`
}

// Config holds the server settings.
type Config struct {
	Port      int
	AuthToken string
}

// Server wraps the engine and hypothesis store behind HTTP handlers
// with an in-memory job table.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	logger    *logrus.Logger
	port      int
	authToken string

	store *hypothesis.Store

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewServer creates the server. The hypothesis store may be nil, in
// which case the hypothesis endpoints return an empty list.
func NewServer(cfg Config, store *hypothesis.Store, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		store:     store,
		jobs:      make(map[string]*Job),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Post("/api/backtests", s.handleSubmit)
	s.router.Get("/api/backtests", s.handleListJobs)
	s.router.Get("/api/backtests/{id}", s.handleGetJob)
	s.router.Get("/api/hypotheses", s.handleListHypotheses)
	s.router.Get("/api/health", s.handleHealth)
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			next.ServeHTTP(w, r)
			return
		}
		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until Shutdown or a listener error.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infof("Starting backtest server on port %d", s.port)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests. Running jobs continue in their
// goroutines; their state stays queryable until the process exits.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

// handleSubmit accepts a JSON configuration, validates it, and starts
// the run in the background. Responds 202 with the job id.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var cfg config.Config
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
		return
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		http.Error(w, fmt.Sprintf("invalid config: %v", err), http.StatusBadRequest)
		return
	}

	job := &Job{
		ID:          uuid.New().String()[:8],
		Status:      JobPending,
		SubmittedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	go s.runJob(job, &cfg)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	if err := json.NewEncoder(w).Encode(map[string]string{"id": job.ID}); err != nil {
		s.logger.WithError(err).Error("Failed to encode job id")
	}
}

func (s *Server) runJob(job *Job, cfg *config.Config) {
	s.setStatus(job, JobRunning, "")

	loader := data.NewLoader(cfg.DataDir, s.logger)
	eng := engine.New(cfg, loader, s.logger)
	eng.SetProgress(func(pct int, msg string) bool {
		s.mu.Lock()
		job.Progress = pct
		job.Message = msg
		s.mu.Unlock()
		return true
	})

	result, err := eng.Run(context.Background())
	now := time.Now().UTC()
	s.mu.Lock()
	job.FinishedAt = &now
	if err != nil {
		job.Status = JobFailed
		job.Error = err.Error()
	} else {
		job.Status = JobCompleted
		job.Result = result
		job.Progress = 100
	}
	s.mu.Unlock()
	if err != nil {
		s.logger.WithError(err).WithField("job_id", job.ID).Error("backtest job failed")
	}
}

func (s *Server) setStatus(job *Job, status JobStatus, msg string) {
	s.mu.Lock()
	job.Status = status
	if msg != "" {
		job.Message = msg
	}
	s.mu.Unlock()
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.mu.RLock()
	job, ok := s.jobs[id]
	var snapshot Job
	if ok {
		snapshot = *job
	}
	s.mu.RUnlock()
	if !ok {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, &snapshot)
}

func (s *Server) handleListJobs(w http.ResponseWriter, _ *http.Request) {
	s.mu.RLock()
	jobs := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, *j)
	}
	s.mu.RUnlock()
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].SubmittedAt.After(jobs[j].SubmittedAt)
	})
	s.writeJSON(w, jobs)
}

func (s *Server) handleListHypotheses(w http.ResponseWriter, _ *http.Request) {
	if s.store == nil {
		s.writeJSON(w, []struct{}{})
		return
	}
	s.writeJSON(w, s.store.List())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
