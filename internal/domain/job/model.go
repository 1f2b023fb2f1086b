// Package job holds the persisted shape of a dispatcher job.
package job

import "time"

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting State = "WAITING"
	StateRunning State = "RUNNING"
	StateSuccess State = "SUCCESS"
	StateFailed  State = "FAILED"
	StateAborted State = "ABORTED"
)

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailed || s == StateAborted
}

// Progress is the externally visible progress of a running job.
type Progress struct {
	Percent     float64        `json:"percent"`
	Description string         `json:"description"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// Error is the recorded failure of a job.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Errno   int    `json:"errno,omitempty"`
}

// Record is the persisted terminal state of a non-transient job.
type Record struct {
	ID         int64
	Method     string
	Args       map[string]any // redacted
	Credential string
	State      State
	Progress   Progress
	Result     any
	Error      *Error
	QueuedAt   time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}
