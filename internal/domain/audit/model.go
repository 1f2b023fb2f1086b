package audit

import "time"

// Outcome classifies how a call finished.
type Outcome string

const (
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomeError   Outcome = "ERROR"
	OutcomeDenied  Outcome = "DENIED"
)

// Entry is one immutable audit record describing a single method call.
// Arguments are stored redacted; secret leaves never reach the record.
type Entry struct {
	ID          int64
	Timestamp   time.Time
	SessionID   string
	Principal   string
	Origin      string
	Method      string
	Description string
	Args        map[string]any
	Outcome     Outcome
	ErrorCode   string
	Duration    time.Duration
}
