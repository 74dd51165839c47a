package domain

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
)

// Terminal reports whether the status is absorbing.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// ParseTaskStatus converts a wire string into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pending":
		return TaskPending, nil
	case "in_progress", "inprogress":
		return TaskInProgress, nil
	case "completed":
		return TaskCompleted, nil
	case "failed":
		return TaskFailed, nil
	default:
		return "", fmt.Errorf("%w: unknown task status %q", ErrInvalidArgument, s)
	}
}

// TaskPriority orders pending tasks for dispatch. Stored numerically so
// ordering never depends on string collation.
type TaskPriority int

const (
	PriorityLow TaskPriority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParseTaskPriority converts a wire string into a TaskPriority.
// An empty string defaults to Normal.
func ParseTaskPriority(s string) (TaskPriority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	case "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("%w: unknown priority %q", ErrInvalidArgument, s)
	}
}

// RequeryPrefix is the reserved task-id prefix returned by GetNext on timeout.
// Real task ids carry the "task-" prefix and can never collide with it.
const RequeryPrefix = "system:requery:"

// Task is a unit of work dispatched to exactly one agent.
//
// AgentID and PersonaID control routing: a non-empty AgentID pins the task to
// that agent; otherwise any agent whose persona matches PersonaID may claim
// it. Once claimed, AgentID is pinned and never changes.
type Task struct {
	ID          string
	AgentID     string
	PersonaID   string
	Description string
	Priority    TaskPriority
	Status      TaskStatus
	Result      string
	CreatedAt   time.Time
	ClaimedAt   *time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}
