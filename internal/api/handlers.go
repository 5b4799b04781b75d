// Package api exposes a scheduler over HTTP JSON endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	lg "github.com/Andrej220/go-utils/zlog"

	"github.com/azargarov/jobsched"
)

const maxBodyBytes = 1 << 20

// Scheduler is the subset of *jobsched.Scheduler the handlers need.
type Scheduler interface {
	Submit(jobType string, payload any, tier jobsched.Tier, opts ...jobsched.JobOption) (string, error)
	Job(id string) (jobsched.Job, bool)
	Status() jobsched.SchedulerStatus
	ClearQueues(c jobsched.ClearCriteria) int
}

// SubmitRequest is the body of POST /api/jobs.
type SubmitRequest struct {
	Type         string          `json:"type"`
	Tier         string          `json:"tier"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	MaxRetries   *int            `json:"max_retries,omitempty"`
	BatchID      string          `json:"batch_id,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
}

// SubmitResponse is returned for an admitted job.
type SubmitResponse struct {
	ID   string        `json:"id"`
	Tier jobsched.Tier `json:"tier"`
}

// ClearResponse is returned by DELETE /api/jobs.
type ClearResponse struct {
	Removed int `json:"removed"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	ctx   context.Context
	sched Scheduler
}

// NewServer creates a new API server. ctx carries the logger.
func NewServer(ctx context.Context, sched Scheduler) *Server {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Server{ctx: ctx, sched: sched}
}

// SubmitJob handles job submission
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	tier, err := jobsched.ParseTier(req.Tier)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var opts []jobsched.JobOption
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			writeError(w, http.StatusBadRequest, "max_retries must not be negative")
			return
		}
		opts = append(opts, jobsched.WithMaxRetries(*req.MaxRetries))
	}
	if req.BatchID != "" {
		opts = append(opts, jobsched.WithBatchID(req.BatchID))
	}
	if len(req.Dependencies) > 0 {
		opts = append(opts, jobsched.WithDependencies(req.Dependencies...))
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}

	id, err := s.sched.Submit(req.Type, payload, tier, opts...)
	if err != nil {
		var adm *jobsched.AdmissionError
		switch {
		case errors.As(err, &adm):
			w.Header().Set("Retry-After", "5")
			writeError(w, http.StatusServiceUnavailable, err.Error())
		case errors.Is(err, jobsched.ErrSchedulerStopped):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			lg.FromContext(s.ctx).Error("submit failed", lg.String("job_type", req.Type), lg.Any("error", err))
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusCreated, SubmitResponse{ID: id, Tier: tier})
}

// GetJobStatus returns a single job
func (s *Server) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "job id is required")
		return
	}
	job, ok := s.sched.Job(id)
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetStatus returns the scheduler snapshot
func (s *Server) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.sched.Status())
}

// ClearJobs removes queued jobs. Optional query parameters: tier (may be
// repeated) and older_than (a Go duration).
func (s *Server) ClearJobs(w http.ResponseWriter, r *http.Request) {
	var c jobsched.ClearCriteria
	q := r.URL.Query()
	for _, name := range q["tier"] {
		t, err := jobsched.ParseTier(name)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		c.Tiers = append(c.Tiers, t)
	}
	if v := q.Get("older_than"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, "older_than must be a non-negative duration")
			return
		}
		c.OlderThan = d
	}
	n := s.sched.ClearQueues(c)
	writeJSON(w, http.StatusOK, ClearResponse{Removed: n})
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.SubmitJob(w, r)
		case http.MethodDelete:
			s.ClearJobs(w, r)
		default:
			w.Header().Set("Allow", "POST, DELETE")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
	mux.HandleFunc("/api/jobs/status", s.onlyGet(s.GetJobStatus))
	mux.HandleFunc("/api/status", s.onlyGet(s.GetStatus))
}

func (s *Server) onlyGet(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", "GET")
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		h(w, r)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
