package domain

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ExpandItem is a child task requested by a worker. Items flagged
// AfterChildren run only once every sibling created by the same report
// and the reporting task itself are terminal.
type ExpandItem struct {
	Name          string          `json:"name"`
	Script        json.RawMessage `json:"script"`
	AfterChildren bool            `json:"after_children"`
}

// Reaction carries the side effects a worker asks the scheduler to apply.
type Reaction struct {
	Expand []ExpandItem                  `json:"expand,omitempty"`
	Index  map[string][]json.RawMessage `json:"index,omitempty"`
	Stats  AssetCounts                   `json:"stats"`
}

// Empty reports whether the reaction requests nothing.
func (r Reaction) Empty() bool {
	return len(r.Expand) == 0 && len(r.Index) == 0 && r.Stats.IsZero()
}

// TaskError is an error reported by a worker while running a task.
// Fatal errors fail the task; the rest are counted as warnings.
type TaskError struct {
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	Fatal   bool   `json:"fatal"`
}

// TaskReport is a completion report for a single task, delivered either
// inline with a dispatch response or asynchronously.
type TaskReport struct {
	TaskID     uuid.UUID   `json:"task_id"`
	ExitStatus *int        `json:"exit_status,omitempty"`
	Reaction   Reaction    `json:"reaction"`
	Errors     []TaskError `json:"errors,omitempty"`
}

// Succeeded reports whether the task ended cleanly: a zero or missing exit
// status and no fatal errors.
func (r *TaskReport) Succeeded() bool {
	if r.ExitStatus != nil && *r.ExitStatus != 0 {
		return false
	}
	for _, e := range r.Errors {
		if e.Fatal {
			return false
		}
	}
	return true
}

// ErrorCounts splits reported errors into warnings and fatal errors.
func (r *TaskReport) ErrorCounts() (warnings, errors int64) {
	for _, e := range r.Errors {
		if e.Fatal {
			errors++
		} else {
			warnings++
		}
	}
	return warnings, errors
}
