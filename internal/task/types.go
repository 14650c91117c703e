package task

import (
	"errors"
	"time"
)

// ErrTaskNotFound is returned when a task id is not in the registry.
var ErrTaskNotFound = errors.New("task not found")

// State is a task lifecycle state. The ordering is meaningful: a task
// never moves to a lower state, and Done/Error are terminal.
type State int

const (
	StateSubmitted State = iota
	StateExecuting
	StateProgress
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StateExecuting:
		return "executing"
	case StateProgress:
		return "progress"
	case StateDone:
		return "done"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is allowed from s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

// Snapshot is the last observed progress of a task.
type Snapshot struct {
	CurrentNode int    `json:"current_node"`
	TotalNodes  int    `json:"total_nodes"`
	Percentage  int    `json:"percentage"`
	CurrentStep int    `json:"current_step,omitempty"`
	TotalSteps  int    `json:"total_steps,omitempty"`
	NodeID      string `json:"node_id,omitempty"`
}

// Task is one submitted execution instance, keyed by the backend-assigned
// prompt id.
type Task struct {
	ID         string    `json:"prompt_id"`
	WorkflowID string    `json:"workflow_id"`
	ClientID   string    `json:"client_id"`
	NodeCount  int       `json:"node_count"`
	State      State     `json:"-"`
	Progress   Snapshot  `json:"progress"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Percentage computes floor(current/total*100); a zero or negative total
// yields 0, never a division by zero.
func Percentage(current, total int) int {
	if total <= 0 {
		return 0
	}
	if current < 0 {
		current = 0
	}
	return current * 100 / total
}
