package models

import "time"

// TaskStatus is the lifecycle state of a task as tracked by the task source.
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "open"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusComplete   TaskStatus = "complete"
)

// Task represents a unit of work owned by the external task source.
// The orchestrator only ever mutates Status.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Status      TaskStatus `json:"status"`
	Phase       string     `json:"phase"`
	Description string     `json:"description"`
	Assignee    string     `json:"assignee,omitempty"`
}

// Lease represents an exclusive reservation on a resource path granted by
// the lease broker. Leases live for the duration of a single task.
type Lease struct {
	LeaseID      string    `json:"lease_id"`
	ResourcePath string    `json:"resource_path"`
	Holder       string    `json:"holder"`
	AcquiredAt   time.Time `json:"acquired_at"`
}

// AgentStatus is the state reported on the status channel.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusWorking AgentStatus = "working"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// Outcome values recorded on lessons.
const (
	OutcomeSuccess = "success"
	// OutcomeErrorPrefix is prepended to the failure message for error outcomes.
	OutcomeErrorPrefix = "error: "
)

// Heartbeat is the payload announced on the status channel.
type Heartbeat struct {
	AgentName   string      `json:"agent_name"`
	Status      AgentStatus `json:"status"`
	Timestamp   time.Time   `json:"timestamp"`
	CurrentTask string      `json:"current_task,omitempty"`
	Error       string      `json:"error,omitempty"`
}
