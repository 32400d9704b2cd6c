package api

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/api/shared"
	"github.com/phrazzld/archivist/internal/domain"
	"github.com/phrazzld/archivist/internal/worker"
)

// ReportHandler applies a task report.
type ReportHandler interface {
	Handle(ctx context.Context, report *domain.TaskReport) error
}

// WorkerHandler serves the endpoints workers call.
type WorkerHandler struct {
	reports  ReportHandler
	reporter worker.Reporter
}

// NewWorkerHandler creates a WorkerHandler. reporter may be nil when the
// configured registry does not accept heartbeats.
func NewWorkerHandler(reports ReportHandler, reporter worker.Reporter) *WorkerHandler {
	return &WorkerHandler{reports: reports, reporter: reporter}
}

// Reaction handles POST /api/tasks/{id}/reaction.
func (h *WorkerHandler) Reaction(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	var report domain.TaskReport
	if err := shared.DecodeJSON(r, &report); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if report.TaskID != uuid.Nil && report.TaskID != id {
		shared.RespondWithError(w, r, http.StatusBadRequest, "task_id does not match path")
		return
	}
	report.TaskID = id

	if err := h.reports.Handle(r.Context(), &report); err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ReactionResponse{TaskID: id, OK: true})
}

// Heartbeat handles POST /api/workers/heartbeat.
func (h *WorkerHandler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	if h.reporter == nil {
		shared.RespondWithError(w, r, http.StatusNotImplemented, "Worker registry does not accept heartbeats")
		return
	}

	var req HeartbeatRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	state := worker.NodeState(req.State)
	if state == "" {
		state = worker.NodeUp
	}
	err := h.reporter.Report(r.Context(), worker.Node{
		URL:           req.URL,
		ThreadsTotal:  req.ThreadsTotal,
		ThreadsActive: req.ThreadsActive,
		QueueSize:     req.QueueSize,
		State:         state,
	})
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
