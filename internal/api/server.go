package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/seriesfetch/internal/config"
	"github.com/JakeFAU/seriesfetch/internal/dispatcher"
	"github.com/JakeFAU/seriesfetch/internal/metrics"
	"github.com/JakeFAU/seriesfetch/internal/scheduler"
	"github.com/JakeFAU/seriesfetch/internal/scraper"
)

// Manager is the management facade the handlers drive.
type Manager interface {
	EnqueueJob(ctx context.Context, req dispatcher.Request) ([]scraper.Job, error)
	QueueSnapshot() scraper.QueueSnapshot
	Job(id string) (scraper.Job, bool)
	FailedJobs() []scraper.Job
	StartSchedulerAll(ctx context.Context) (int, error)
	StopSchedulerAll()
	StartSource(ctx context.Context, id string) error
	PauseSource(id string) error
	UpdateInterval(ctx context.Context, id string, minutes int) error
	RemoveSource(id string)
	Schedules() []scheduler.SourceSchedule
	ProxyStats() []scraper.ProxyStats
	RotateProxy() scraper.ProxyEndpoint
	ResetFailedProxies()
}

// Server wires HTTP handlers to the management facade.
type Server struct {
	router  chi.Router
	manager Manager
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(manager Manager, auth config.AuthConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		manager: manager,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		r.Get("/queue", s.queueSnapshot)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/failed", s.failedJobs)
			r.Get("/{job_id}", s.getJob)
		})
		r.Route("/scheduler", func(r chi.Router) {
			r.Get("/", s.listSchedules)
			r.Post("/start", s.startScheduler)
			r.Post("/stop", s.stopScheduler)
		})
		r.Route("/sources/{source_id}", func(r chi.Router) {
			r.Post("/start", s.startSource)
			r.Post("/pause", s.pauseSource)
			r.Put("/interval", s.updateInterval)
			r.Delete("/schedule", s.removeSource)
		})
		r.Route("/proxies", func(r chi.Router) {
			r.Get("/", s.proxyStats)
			r.Post("/rotate", s.rotateProxy)
			r.Post("/reset", s.resetProxies)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobRequest struct {
	SourceID  string            `json:"source_id"`
	Kind      scraper.JobKind   `json:"kind"`
	Params    scraper.JobParams `json:"params"`
	StartPage int               `json:"start_page"`
	EndPage   int               `json:"end_page"`
	Priority  int               `json:"priority"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobs, err := s.manager.EnqueueJob(r.Context(), dispatcher.Request(req))
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	ids := make([]string, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"job_ids": ids})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, ok := s.manager.Job(chi.URLParam(r, "job_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) failedJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.manager.FailedJobs()})
}

func (s *Server) queueSnapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.QueueSnapshot())
}

func (s *Server) listSchedules(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sources": s.manager.Schedules()})
}

func (s *Server) startScheduler(w http.ResponseWriter, r *http.Request) {
	n, err := s.manager.StartSchedulerAll(r.Context())
	if err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"started": n})
}

func (s *Server) stopScheduler(w http.ResponseWriter, _ *http.Request) {
	s.manager.StopSchedulerAll()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) startSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	if err := s.manager.StartSource(r.Context(), id); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source_id": id, "state": string(scheduler.StateRunning)})
}

func (s *Server) pauseSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	if err := s.manager.PauseSource(id); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"source_id": id, "state": string(scheduler.StateStopped)})
}

type intervalRequest struct {
	Minutes int `json:"minutes"`
}

func (s *Server) updateInterval(w http.ResponseWriter, r *http.Request) {
	var req intervalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	id := chi.URLParam(r, "source_id")
	if err := s.manager.UpdateInterval(r.Context(), id, req.Minutes); err != nil {
		s.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"source_id": id, "interval_minutes": req.Minutes})
}

func (s *Server) removeSource(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "source_id")
	s.manager.RemoveSource(id)
	writeJSON(w, http.StatusOK, map[string]string{"source_id": id, "state": string(scheduler.StateUnscheduled)})
}

func (s *Server) proxyStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"proxies": s.manager.ProxyStats()})
}

func (s *Server) rotateProxy(w http.ResponseWriter, _ *http.Request) {
	next := s.manager.RotateProxy()
	writeJSON(w, http.StatusOK, map[string]string{"current": next.Label})
}

func (s *Server) resetProxies(w http.ResponseWriter, _ *http.Request) {
	s.manager.ResetFailedProxies()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scraper.ErrConfig):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrNotScheduled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("management operation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
