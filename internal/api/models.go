package api

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/phrazzld/archivist/internal/domain"
)

// SubmitJobRequest is the body of POST /api/jobs.
type SubmitJobRequest struct {
	Name     string            `json:"name"      validate:"required,max=255"`
	Type     string            `json:"type"      validate:"required,oneof=import export batch"`
	RootPath string            `json:"root_path" validate:"max=1024"`
	Args     map[string]any    `json:"args"`
	Env      map[string]string `json:"env"`
	// Script becomes the root task. A job without one has no tasks until
	// something creates them.
	Script json.RawMessage `json:"script"`
}

// Spec converts the request into a job spec owned by principal.
func (r SubmitJobRequest) Spec(principal uuid.UUID) domain.JobSpec {
	return domain.JobSpec{
		Name:        r.Name,
		Type:        domain.JobType(r.Type),
		PrincipalID: principal,
		RootPath:    r.RootPath,
		Args:        r.Args,
		Env:         r.Env,
		Script:      r.Script,
	}
}

// ListResponse wraps list results.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newListResponse[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}

// ReactionResponse acknowledges a task report.
type ReactionResponse struct {
	TaskID uuid.UUID `json:"task_id"`
	OK     bool      `json:"ok"`
}

// HeartbeatRequest is the body of POST /api/workers/heartbeat.
type HeartbeatRequest struct {
	URL           string `json:"url"            validate:"required,url"`
	ThreadsTotal  int    `json:"threads_total"  validate:"gte=0"`
	ThreadsActive int    `json:"threads_active" validate:"gte=0"`
	QueueSize     int    `json:"queue_size"     validate:"gte=0"`
	State         string `json:"state"          validate:"omitempty,oneof=up down"`
}
