package dto

// ScheduleRequest is the JSON or multipart body of POST /emails/schedule.
// In multipart requests the recipients may come from a CSV file instead.
type ScheduleRequest struct {
	Subject    string   `json:"subject" form:"subject" binding:"required"`
	Body       string   `json:"body" form:"body" binding:"required"`
	Recipients []string `json:"recipients" form:"recipients"`
	// StartTime is RFC3339; empty means now
	StartTime string `json:"start_time" form:"start_time"`
	// DelayBetweenEmails is in seconds
	DelayBetweenEmails float64 `json:"delay_between_emails" form:"delay_between_emails"`
}

type ScheduledJobDTO struct {
	ID          string `json:"id"`
	Recipient   string `json:"recipient"`
	ScheduledAt string `json:"scheduled_at"`
}

type ScheduleResponse struct {
	Message string            `json:"message"`
	BatchID string            `json:"batch_id"`
	Jobs    []ScheduledJobDTO `json:"jobs"`
}

type ListJobsRequest struct {
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID       string `json:"job_id"`
	BatchID     string `json:"batch_id"`
	Recipient   string `json:"recipient"`
	Subject     string `json:"subject"`
	Body        string `json:"body"`
	Status      string `json:"status"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	FailReason  string `json:"fail_reason,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	ScheduledAt string `json:"scheduled_at"`
	SentAt      string `json:"sent_at,omitempty"`
	FailedAt    string `json:"failed_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
