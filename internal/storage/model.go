package storage

import (
	"database/sql"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/domain"
)

// jobRow mirrors one email_jobs row
type jobRow struct {
	JobID       string         `db:"job_id"`
	BatchID     string         `db:"batch_id"`
	Recipient   string         `db:"recipient"`
	Subject     string         `db:"subject"`
	Body        string         `db:"body"`
	Status      string         `db:"status"`
	Attempts    int            `db:"attempts"`
	LastError   sql.NullString `db:"last_error"`
	FailReason  sql.NullString `db:"fail_reason"`
	MessageID   sql.NullString `db:"message_id"`
	ScheduledAt time.Time      `db:"scheduled_at"`
	SentAt      sql.NullTime   `db:"sent_at"`
	FailedAt    sql.NullTime   `db:"failed_at"`
	CompletedAt sql.NullTime   `db:"completed_at"`
	CreatedAt   time.Time      `db:"created_at"`
	UpdatedAt   time.Time      `db:"updated_at"`
}

const jobColumns = `job_id, batch_id, recipient, subject, body, status, attempts,
	last_error, fail_reason, message_id, scheduled_at, sent_at, failed_at,
	completed_at, created_at, updated_at`

func (r *jobRow) toDomain() domain.Job {
	return domain.Job{
		JobID:       r.JobID,
		BatchID:     r.BatchID,
		Recipient:   r.Recipient,
		Subject:     r.Subject,
		Body:        r.Body,
		Status:      r.Status,
		Attempts:    r.Attempts,
		LastError:   r.LastError.String,
		FailReason:  r.FailReason.String,
		MessageID:   r.MessageID.String,
		ScheduledAt: r.ScheduledAt.UTC(),
		SentAt:      nullTimePtr(r.SentAt),
		FailedAt:    nullTimePtr(r.FailedAt),
		CompletedAt: nullTimePtr(r.CompletedAt),
		CreatedAt:   r.CreatedAt.UTC(),
		UpdatedAt:   r.UpdatedAt.UTC(),
	}
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// dbTime normalizes timestamps to the precision both drivers keep.
func dbTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}
