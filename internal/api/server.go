package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"adgen-orchestrator/internal/controller"
	"adgen-orchestrator/internal/logger"
	"adgen-orchestrator/internal/models"
	"adgen-orchestrator/internal/ratelimit"
	"adgen-orchestrator/internal/telemetry"
)

// JobService is the query surface the engine exposes upward.
type JobService interface {
	CreateJob(ctx context.Context, brief controller.Brief) (models.Job, error)
	GetJob(ctx context.Context, jobID string) (models.JobView, error)
	CancelJob(ctx context.Context, jobID string) (models.Job, error)
}

// Limiter meters the clips each tenant may request.
type Limiter interface {
	Take(ctx context.Context, tenant string, clips int) (ratelimit.Decision, error)
}

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the job API.
type Server struct {
	jobs    JobService
	limiter Limiter
	health  Pinger
}

// New constructs the API server. limiter and health may be nil.
func New(jobs JobService, limiter Limiter, health Pinger) *Server {
	return &Server{jobs: jobs, limiter: limiter, health: health}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Get("/jobs/{id}", s.handleGetJob)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.health.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createResponse struct {
	Job models.Job `json:"job"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var brief controller.Brief
	if err := json.NewDecoder(r.Body).Decode(&brief); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	tenant := tenantFromRequest(r, brief)
	if s.limiter != nil {
		d, err := s.limiter.Take(r.Context(), tenant, requestedClips(brief))
		switch {
		case err != nil:
			logger.FromContext(r.Context()).WithError(err).Warn("clip budget unavailable, admitting request")
		case !d.Allowed && d.RetryAfter == 0:
			telemetry.ClipBudgetRejects.Inc()
			writeError(w, http.StatusTooManyRequests, "job asks for more clips than the tenant budget holds")
			return
		case !d.Allowed:
			telemetry.ClipBudgetRejects.Inc()
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
			writeError(w, http.StatusTooManyRequests, "clip budget exhausted")
			return
		}
	}
	if brief.OwnerID == "" {
		brief.OwnerID = tenant
	}

	job, err := s.jobs.CreateJob(r.Context(), brief)
	if err != nil {
		var ve *controller.ValidationError
		if errors.As(err, &ve) {
			writeError(w, http.StatusBadRequest, ve.Error())
			return
		}
		logger.FromContext(r.Context()).WithError(err).Error("create job")
		writeError(w, http.StatusInternalServerError, "could not create job")
		return
	}
	writeJSON(w, http.StatusAccepted, createResponse{Job: job})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	view, err := s.jobs.GetJob(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.jobs.CancelJob(r.Context(), id)
	if err != nil {
		if errors.Is(err, controller.ErrJobTerminal) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		s.writeLookupError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": job.ID, "status": string(job.Status)})
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if controller.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	logger.FromContext(r.Context()).WithError(err).Error("job lookup")
	writeError(w, http.StatusInternalServerError, "internal error")
}

// requestedClips is the most clips a brief can turn into.
func requestedClips(brief controller.Brief) int {
	n := 0
	for _, c := range brief.Candidates {
		if c.Selectable() {
			n++
		}
	}
	if t := brief.Params.TargetCount; t != nil && *t > 0 && *t < n {
		n = *t
	}
	return n
}

func tenantFromRequest(r *http.Request, brief controller.Brief) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	if brief.OwnerID != "" {
		return brief.OwnerID
	}
	return "default"
}

// requestLogger attaches a request-scoped logger carrying request_id.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := logger.WithField(r.Context(), logger.FieldRequestID, id)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		logger.FromContext(ctx).WithFields(logger.Fields{
			logger.FieldStatus:     ww.Status(),
			logger.FieldDurationMs: time.Since(start).Milliseconds(),
		}).Debugf("%s %s", r.Method, r.URL.Path)
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
