package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/api/shared"
	"github.com/phrazzld/archivist/internal/domain"
	"github.com/phrazzld/archivist/internal/platform/logger"
	"github.com/phrazzld/archivist/internal/service"
	"github.com/phrazzld/archivist/internal/store"
)

// DefaultOrphanAge is used by GET /api/orphans when older_than is absent.
const DefaultOrphanAge = 30 * time.Minute

// JobHandler serves the operator endpoints.
type JobHandler struct {
	jobs service.JobService
}

// NewJobHandler creates a JobHandler.
func NewJobHandler(jobs service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// SubmitJob handles POST /api/jobs.
func (h *JobHandler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	principal, _, ok := shared.Principal(r.Context())
	if !ok {
		shared.RespondWithError(w, r, http.StatusUnauthorized, "Authentication required")
		return
	}

	var req SubmitJobRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	job, err := h.jobs.Submit(r.Context(), req.Spec(principal))
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	logger.FromContext(r.Context()).Info("job accepted", "job_id", job.ID)
	shared.RespondWithJSON(w, r, http.StatusCreated, job)
}

// GetJob handles GET /api/jobs/{id}.
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	job, err := h.jobs.GetJob(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs?state=&limit=&mine=true.
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	filter := store.JobFilter{
		State: domain.JobState(r.URL.Query().Get("state")),
		Limit: limit,
	}
	if r.URL.Query().Get("mine") == "true" {
		filter.PrincipalID, _, _ = shared.Principal(r.Context())
	}

	jobs, err := h.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, newListResponse(jobs))
}

// CancelJob handles POST /api/jobs/{id}/cancel.
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.jobs.CancelJob)
}

// RestartJob handles POST /api/jobs/{id}/restart.
func (h *JobHandler) RestartJob(w http.ResponseWriter, r *http.Request) {
	h.jobAction(w, r, h.jobs.RestartJob)
}

// ListTasks handles GET /api/jobs/{id}/tasks?state=&limit=.
func (h *JobHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	tasks, err := h.jobs.ListTasks(r.Context(), id, store.TaskFilter{States: queryTaskStates(r), Limit: limit})
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, newListResponse(tasks))
}

// GetTask handles GET /api/tasks/{id}.
func (h *JobHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, h.jobs.GetTask)
}

// RetryTask handles POST /api/tasks/{id}/retry.
func (h *JobHandler) RetryTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, h.jobs.RetryTask)
}

// SkipTask handles POST /api/tasks/{id}/skip.
func (h *JobHandler) SkipTask(w http.ResponseWriter, r *http.Request) {
	h.taskAction(w, r, h.jobs.SkipTask)
}

// ListOrphans handles GET /api/orphans?older_than=&limit=.
func (h *JobHandler) ListOrphans(w http.ResponseWriter, r *http.Request) {
	age, err := queryDuration(r, "older_than", DefaultOrphanAge)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	tasks, err := h.jobs.ListOrphans(r.Context(), age, limit)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, newListResponse(tasks))
}

func (h *JobHandler) jobAction(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, id uuid.UUID) (*domain.Job, error),
) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	job, err := action(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, job)
}

func (h *JobHandler) taskAction(
	w http.ResponseWriter,
	r *http.Request,
	action func(ctx context.Context, id uuid.UUID) (*domain.Task, error),
) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	task, err := action(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, task)
}
