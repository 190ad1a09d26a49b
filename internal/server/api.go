package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"github.com/desertthunder/tapedeck/internal/models"
	"github.com/desertthunder/tapedeck/internal/shared"
	"github.com/desertthunder/tapedeck/internal/tasks"
)

const defaultJobLimit = 20

// SyncController starts and cancels runs. Implemented by [tasks.Coordinator].
type SyncController interface {
	Start(ctx context.Context, opts tasks.RunOptions) (*models.SyncJob, error)
	Cancel(profileID string) (string, error)
	Active() []tasks.ActiveRun
}

// JobReader loads persisted jobs.
type JobReader interface {
	Get(ctx context.Context, id string) (*models.SyncJob, error)
	ListByProfile(ctx context.Context, profileID string, limit int) ([]*models.SyncJob, error)
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string            `json:"status"`
	Active []tasks.ActiveRun `json:"active"`
}

// StartRequest is the optional body of POST /profiles/{id}/sync.
type StartRequest struct {
	Incremental bool `json:"incremental"`
	Resume      bool `json:"resume"`
}

// CancelResponse is returned by DELETE /profiles/{id}/sync.
type CancelResponse struct {
	ProfileID string `json:"profile_id"`
	JobID     string `json:"job_id"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	JobID string `json:"job_id,omitempty"`
}

// API serves the sync job endpoints.
type API struct {
	sync   SyncController
	jobs   JobReader
	logger *log.Logger
}

func NewAPI(sync SyncController, jobs JobReader, logger *log.Logger) *API {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &API{sync: sync, jobs: jobs, logger: logger}
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	active := a.sync.Active()
	if active == nil {
		active = []tasks.ActiveRun{}
	}
	a.writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Active: active})
}

func (a *API) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, job)
}

// ListJobs returns the profile's most recent jobs, newest first. ?limit= caps the count.
func (a *API) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := defaultJobLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			a.writeError(w, shared.ErrInvalidArgument)
			return
		}
		limit = n
	}

	jobs, err := a.jobs.ListByProfile(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		a.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.SyncJob{}
	}
	a.writeJSON(w, http.StatusOK, jobs)
}

// StartSync launches a background run and answers 202 with the job as it was created.
func (a *API) StartSync(w http.ResponseWriter, r *http.Request) {
	var req StartRequest
	if r.Body != nil {
		data, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
		if err != nil {
			a.writeError(w, err)
			return
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				a.writeError(w, shared.ErrInvalidInput)
				return
			}
		}
	}

	job, err := a.sync.Start(r.Context(), tasks.RunOptions{
		ProfileID:   chi.URLParam(r, "id"),
		Incremental: req.Incremental,
		Resume:      req.Resume,
	})
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.logger.Info("sync started via api", "profile_id", job.ProfileID, "job_id", job.ID)
	a.writeJSON(w, http.StatusAccepted, job)
}

func (a *API) CancelSync(w http.ResponseWriter, r *http.Request) {
	profileID := chi.URLParam(r, "id")
	jobID, err := a.sync.Cancel(profileID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, CancelResponse{ProfileID: profileID, JobID: jobID})
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("failed to encode response", "err", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status, body := errorStatus(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "err", err)
	}
	a.writeJSON(w, status, body)
}

// errorStatus maps sentinel errors onto HTTP status codes.
func errorStatus(err error) (int, ErrorResponse) {
	body := ErrorResponse{Error: err.Error()}

	var inProgress *tasks.SyncInProgressError
	switch {
	case errors.As(err, &inProgress):
		body.JobID = inProgress.JobID
		return http.StatusConflict, body
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound, body
	case errors.Is(err, shared.ErrMissingArgument), errors.Is(err, shared.ErrInvalidArgument),
		errors.Is(err, shared.ErrInvalidInput), errors.Is(err, shared.ErrJobNotResumable):
		return http.StatusBadRequest, body
	case errors.Is(err, shared.ErrNotAuthenticated), errors.Is(err, shared.ErrSessionInvalid):
		return http.StatusUnauthorized, body
	case errors.Is(err, shared.ErrNetworkUnavailable):
		return http.StatusServiceUnavailable, body
	default:
		return http.StatusInternalServerError, body
	}
}
