// Package api exposes the producer HTTP surface: job submission and
// lookup, DLQ inspection, and the health endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"marketjobs/internal/config"
	"marketjobs/internal/models"
	"marketjobs/internal/orchestrator"
	"marketjobs/internal/probe"
	"marketjobs/internal/queue"
	"marketjobs/internal/ratelimit"
	"marketjobs/internal/store"
	"marketjobs/internal/telemetry"
)

const dlqPeekLimit = 100

// Server wires HTTP handlers over the orchestrator's producer path.
type Server struct {
	cfg     config.Config
	repo    store.Repository
	queue   queue.Client
	orch    *orchestrator.Orchestrator
	limiter *ratelimit.TokenBucket
	probe   *probe.Probe
	log     *slog.Logger
}

func New(cfg config.Config, repo store.Repository, q queue.Client, orch *orchestrator.Orchestrator, limiter *ratelimit.TokenBucket, prb *probe.Probe, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		repo:    repo,
		queue:   q,
		orch:    orch,
		limiter: limiter,
		probe:   prb,
		log:     logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/readyz", s.handleReady)
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleSubmit)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Get("/dlq", s.handleDLQ)
	})
	return r
}

type submitRequest struct {
	JobType     string `json:"job_type"`
	Symbol      string `json:"symbol"`
	Asof        string `json:"asof"`
	RequestedBy string `json:"requested_by"`
}

type submitResponse struct {
	JobID    string `json:"job_id"`
	Accepted bool   `json:"accepted"`
}

type errorResponse struct {
	Error string           `json:"error"`
	Code  models.ErrorCode `json:"code,omitempty"`
	JobID string           `json:"job_id,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json"})
		return
	}
	asof, err := time.Parse(models.DateFormat, req.Asof)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "asof must be a YYYY-MM-DD date"})
		return
	}

	if s.limiter != nil {
		allowed, _, err := s.limiter.Allow(r.Context(), "submit:"+callerFromRequest(r))
		if err != nil {
			s.log.ErrorContext(r.Context(), "rate limiter unavailable", "error", err)
			writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "rate limiter unavailable"})
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limited, retry later"})
			return
		}
	}

	res, err := s.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		JobType:     models.JobType(req.JobType),
		Symbol:      req.Symbol,
		Asof:        asof,
		RequestedBy: req.RequestedBy,
	})
	if err != nil {
		status, code := submitFailureStatus(err)
		writeJSON(w, status, errorResponse{Error: err.Error(), Code: code, JobID: res.JobID})
		return
	}
	writeJSON(w, http.StatusAccepted, submitResponse{JobID: res.JobID, Accepted: res.Created})
}

// submitFailureStatus maps producer-path failures onto HTTP statuses.
// Retryable availability failures read as 503 so callers back off;
// contract failures are the caller's to fix and never retried.
func submitFailureStatus(err error) (int, models.ErrorCode) {
	if errors.Is(err, models.ErrInvalidJobSpec) {
		return http.StatusBadRequest, ""
	}
	var jobErr *models.JobError
	if !errors.As(err, &jobErr) {
		return http.StatusInternalServerError, models.CodeInternal
	}
	switch jobErr.Code {
	case models.CodeMessageTooLarge:
		return http.StatusRequestEntityTooLarge, jobErr.Code
	case models.CodeInvalidMessage:
		return http.StatusUnprocessableEntity, jobErr.Code
	case models.CodeIdempotencyConflict:
		return http.StatusConflict, jobErr.Code
	case models.CodeQueueUnavailable, models.CodeRepoUnavailable:
		return http.StatusServiceUnavailable, jobErr.Code
	default:
		return http.StatusInternalServerError, jobErr.Code
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rec, err := s.repo.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "job not found"})
			return
		}
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "repository unavailable", Code: models.CodeRepoUnavailable})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type dlqItem struct {
	Message *models.JobMessage `json:"message,omitempty"`
	Raw     string             `json:"raw,omitempty"`
}

// handleDLQ returns the oldest dead-lettered payloads. Envelopes that
// still parse come back structured; poison payloads come back raw.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	payloads, err := s.queue.DLQPeek(r.Context(), dlqPeekLimit)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "dlq unavailable", Code: models.CodeQueueUnavailable})
		return
	}
	items := make([]dlqItem, 0, len(payloads))
	for _, p := range payloads {
		if msg, err := models.DecodeMessage(p); err == nil {
			items = append(items, dlqItem{Message: &msg})
			continue
		}
		items = append(items, dlqItem{Raw: string(p)})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "count": len(items)})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	report := s.probe.Check(r.Context())
	status := http.StatusOK
	if !report.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, report)
}

// callerFromRequest picks the rate-limit bucket for a submission.
func callerFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Client-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
