package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stakeordie/emp-job-queue-sub011/internal/domain"
	"github.com/stakeordie/emp-job-queue-sub011/internal/usecase"
)

// maxBodyBytes bounds submission bodies; oversized payloads are a
// contract violation, not a server fault.
const maxBodyBytes = 1 << 20

// Server bundles the gateway's handlers.
type Server struct {
	jobs    *usecase.JobService
	cleanup *usecase.CleanupService
	sse     *SSERegistry
	ready   func(context.Context) error
}

// NewServer constructs the gateway. ready is the readiness probe
// (store ping); nil means always ready.
func NewServer(jobs *usecase.JobService, cleanup *usecase.CleanupService, sse *SSERegistry, ready func(context.Context) error) *Server {
	return &Server{jobs: jobs, cleanup: cleanup, sse: sse, ready: ready}
}

// SSE exposes the registry for fanout wiring.
func (s *Server) SSE() *SSERegistry { return s.sse }

// SubmitJobHandler handles POST /api/jobs.
func (s *Server) SubmitJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.SubmitRequest
		body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			writeError(w, domain.ErrInvalidArgument)
			return
		}
		// HTTP submitters have no live connection to stream back to, so
		// no submitter binding is recorded.
		j, err := s.jobs.Submit(r.Context(), req, "")
		if err != nil {
			writeError(w, err)
			return
		}
		LoggerFrom(r).Info("job submitted",
			"job_id", j.ID,
			"service", j.ServiceRequired,
			"workflow_id", j.WorkflowID)
		ok(w, http.StatusCreated, map[string]any{"job_id": j.ID})
	}
}

// GetJobHandler handles GET /api/jobs/{id}.
func (s *Server) GetJobHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		j, err := s.jobs.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		ok(w, http.StatusOK, map[string]any{"job": j})
	}
}

// ListJobsHandler handles GET /api/jobs?status=&limit=&offset=.
func (s *Server) ListJobsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		limit := intParam(q.Get("limit"), 50)
		offset := intParam(q.Get("offset"), 0)
		status := domain.JobStatus(q.Get("status"))

		jobs, total, err := s.jobs.List(r.Context(), status, limit, offset)
		if err != nil {
			writeError(w, err)
			return
		}
		if jobs == nil {
			jobs = []domain.Job{}
		}
		ok(w, http.StatusOK, map[string]any{"jobs": jobs, "total": total})
	}
}

// CleanupHandler handles POST /api/cleanup.
func (s *Server) CleanupHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req usecase.CleanupRequest
		body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, domain.ErrInvalidArgument)
			return
		}
		res, err := s.cleanup.Run(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		LoggerFrom(r).Info("cleanup executed",
			"orphaned_requeued", res.OrphanedJobsRequeued,
			"workers_reset", res.WorkersReset,
			"stale_released", res.StaleJobsReleased)
		ok(w, http.StatusOK, map[string]any{"result": res})
	}
}

// HealthHandler handles GET /health.
func (s *Server) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "timestamp": domain.NowMS()})
	}
}

// ReadyzHandler handles GET /readyz: 200 only when the store answers.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.ready != nil {
			if err := s.ready(r.Context()); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]any{
					"status": "unavailable", "timestamp": domain.NowMS(),
				})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready", "timestamp": domain.NowMS()})
	}
}

func intParam(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
