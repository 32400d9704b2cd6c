package worker

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/domain"
)

// ExecutePath is the worker endpoint tasks are POSTed to.
const ExecutePath = "/api/tasks/execute"

// DispatchRequest is the body sent to a worker for one task.
type DispatchRequest struct {
	TaskID        uuid.UUID         `json:"task_id"`
	JobID         uuid.UUID         `json:"job_id"`
	Script        json.RawMessage   `json:"script"`
	SharedRoot    string            `json:"shared_root,omitempty"`
	MasterAddress string            `json:"master_address,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
}

// DispatchResponse is the worker's answer. A response carrying an exit
// status is a synchronous result; otherwise the worker reports later.
type DispatchResponse struct {
	Accepted   bool               `json:"accepted"`
	ExitStatus *int               `json:"exit_status,omitempty"`
	Reaction   domain.Reaction    `json:"reaction"`
	Errors     []domain.TaskError `json:"errors,omitempty"`
}

// Result is a completed dispatch.
type Result struct {
	Host     string
	Response DispatchResponse
}

// Report returns the synchronous completion report carried by the
// response, or nil when the worker will report asynchronously.
func (r *Result) Report(taskID uuid.UUID) *domain.TaskReport {
	if r.Response.ExitStatus == nil {
		return nil
	}
	return &domain.TaskReport{
		TaskID:     taskID,
		ExitStatus: r.Response.ExitStatus,
		Reaction:   r.Response.Reaction,
		Errors:     r.Response.Errors,
	}
}
