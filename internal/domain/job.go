package domain

import "time"

// Job status constants
const (
	JobStatusPending = "PENDING"
	JobStatusSent    = "SENT"
	JobStatusFailed  = "FAILED"
)

// Job is one scheduled message and its delivery lifecycle.
// ScheduledAt never changes after creation, even when the dispatch layer
// re-delays the message for rate limiting.
type Job struct {
	JobID       string
	BatchID     string
	Recipient   string
	Subject     string
	Body        string
	Status      string
	Attempts    int
	LastError   string
	FailReason  string
	MessageID   string
	ScheduledAt time.Time
	SentAt      *time.Time
	FailedAt    *time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsTerminal reports whether the job reached SENT or FAILED.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusSent || j.Status == JobStatusFailed
}

// Batch is a transient submit request. It is never persisted.
type Batch struct {
	Subject    string
	Body       string
	Recipients []string
	// StartTime is optional; past values are clamped to now.
	StartTime *time.Time
	// Gap is the delay between consecutive recipients.
	Gap time.Duration
}
