package queue

import (
	"encoding/json"
	"errors"
	"time"
)

// Task names understood by workers.
const (
	TaskProcessDocument = "process_document"
	TaskTriggerWebhooks = "trigger_webhooks"
)

// Status is the queue-native lifecycle of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusStarted Status = "started"
	StatusRetry   Status = "retry"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusRevoked Status = "revoked"
)

// Terminal reports whether the task will not run again.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailure || s == StatusRevoked
}

// ErrTaskNotFound is returned by Get for unknown task ids.
var ErrTaskNotFound = errors.New("queue: task not found")

// Task is a queued unit of work and its bookkeeping.
type Task struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Priority    string          `json:"priority"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Decode unmarshals the task payload into dst.
func (t Task) Decode(dst any) error {
	return json.Unmarshal(t.Payload, dst)
}

// EnqueueOptions tune a single enqueue. TaskID lets callers record the handle
// before the task exists; it defaults to a new UUID.
type EnqueueOptions struct {
	TaskID      string
	Priority    string
	MaxAttempts int
	RunAt       time.Time
}
