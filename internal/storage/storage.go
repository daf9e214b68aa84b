// Package storage persists email jobs with sqlx. The same queries run on
// PostgreSQL (lib/pq) and SQLite (modernc.org/sqlite): they are written with
// '?' placeholders and rebound for the active driver.
package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/domain"
	"github.com/jmoiron/sqlx"
)

//go:embed migrations.sql
var migrationsSQL string

// Order selects the sort order and cursor column of ListJobs
type Order int

const (
	// OrderScheduledAsc sorts by scheduled_at, job_id ascending
	OrderScheduledAsc Order = iota
	// OrderCompletedDesc sorts by completed_at, job_id descending
	OrderCompletedDesc
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type JobFilter struct {
	Statuses []string
	// ScheduledBefore keeps jobs with scheduled_at strictly before it
	ScheduledBefore *time.Time
	Order           Order
	PageSize        int
	Cursor          *JobCursor
}

// JobPage is one page of ListJobs. Next is nil on the last page.
type JobPage struct {
	Jobs []domain.Job
	Next *JobCursor
}

// Storage handles all database operations on email jobs
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
		now:    time.Now,
	}
}

// Migrate creates the email_jobs table and its indexes if missing
func (s *Storage) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(migrationsSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	s.logger.Info("Database schema is up to date", slog.String("driver", s.db.DriverName()))
	return nil
}

// CreateJob inserts a PENDING job. Timestamps are normalized in place.
func (s *Storage) CreateJob(ctx context.Context, job *domain.Job) error {
	now := dbTime(s.now())
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	if job.UpdatedAt.IsZero() {
		job.UpdatedAt = job.CreatedAt
	}
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	job.ScheduledAt = dbTime(job.ScheduledAt)
	job.CreatedAt = dbTime(job.CreatedAt)
	job.UpdatedAt = dbTime(job.UpdatedAt)

	query := s.db.Rebind(`
		INSERT INTO email_jobs (
			job_id, batch_id, recipient, subject, body, status, attempts,
			scheduled_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)

	_, err := s.db.ExecContext(ctx, query,
		job.JobID,
		job.BatchID,
		job.Recipient,
		job.Subject,
		job.Body,
		job.Status,
		job.Attempts,
		job.ScheduledAt,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

func (s *Storage) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var row jobRow
	query := s.db.Rebind(`SELECT ` + jobColumns + ` FROM email_jobs WHERE job_id = ?`)

	err := s.db.GetContext(ctx, &row, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	job := row.toDomain()
	return &job, nil
}

// MarkSent moves a PENDING job to SENT
func (s *Storage) MarkSent(ctx context.Context, jobID string, sentAt time.Time, messageID string, attempts int) error {
	sentAt = dbTime(sentAt)
	query := s.db.Rebind(`
		UPDATE email_jobs
		SET status = ?,
		    sent_at = ?,
		    completed_at = ?,
		    message_id = ?,
		    attempts = ?,
		    updated_at = ?
		WHERE job_id = ? AND status = ?
	`)

	res, err := s.db.ExecContext(ctx, query,
		domain.JobStatusSent, sentAt, sentAt, nullString(messageID), attempts, dbTime(s.now()),
		jobID, domain.JobStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job sent: %w", err)
	}
	return s.checkTransition(ctx, res, jobID, domain.JobStatusSent)
}

// MarkFailed moves a PENDING job to FAILED
func (s *Storage) MarkFailed(ctx context.Context, jobID string, failedAt time.Time, reason string, attempts int) error {
	failedAt = dbTime(failedAt)
	query := s.db.Rebind(`
		UPDATE email_jobs
		SET status = ?,
		    failed_at = ?,
		    completed_at = ?,
		    fail_reason = ?,
		    last_error = ?,
		    attempts = ?,
		    updated_at = ?
		WHERE job_id = ? AND status = ?
	`)

	res, err := s.db.ExecContext(ctx, query,
		domain.JobStatusFailed, failedAt, failedAt, nullString(reason), nullString(reason), attempts, dbTime(s.now()),
		jobID, domain.JobStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return s.checkTransition(ctx, res, jobID, domain.JobStatusFailed)
}

// RecordAttempt stores a non-terminal failure; the job stays PENDING
func (s *Storage) RecordAttempt(ctx context.Context, jobID string, attempts int, lastError string) error {
	query := s.db.Rebind(`
		UPDATE email_jobs
		SET attempts = ?,
		    last_error = ?,
		    updated_at = ?
		WHERE job_id = ? AND status = ?
	`)

	res, err := s.db.ExecContext(ctx, query,
		attempts, nullString(lastError), dbTime(s.now()),
		jobID, domain.JobStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to record attempt: %w", err)
	}
	return s.checkTransition(ctx, res, jobID, domain.JobStatusPending)
}

// checkTransition turns a zero-row guarded update into ErrJobNotFound or ErrInvalidTransition
func (s *Storage) checkTransition(ctx context.Context, res sql.Result, jobID, target string) error {
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected > 0 {
		return nil
	}

	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	s.logger.Warn("Rejected status update on terminal job",
		slog.String("job_id", jobID),
		slog.String("status", job.Status),
		slog.String("target", target),
	)
	return fmt.Errorf("%w: job %s is %s", domain.ErrInvalidTransition, jobID, job.Status)
}

func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) (JobPage, error) {
	if filter.PageSize <= 0 {
		filter.PageSize = DefaultPageSize
	}
	if filter.PageSize > MaxPageSize {
		filter.PageSize = MaxPageSize
	}

	query := `SELECT ` + jobColumns + ` FROM email_jobs WHERE 1=1`
	args := []interface{}{}

	if len(filter.Statuses) > 0 {
		query += " AND status IN (?)"
		args = append(args, filter.Statuses)
	}

	if filter.ScheduledBefore != nil {
		query += " AND scheduled_at < ?"
		args = append(args, dbTime(*filter.ScheduledBefore))
	}

	switch filter.Order {
	case OrderCompletedDesc:
		if filter.Cursor != nil {
			query += " AND (completed_at, job_id) < (?, ?)"
			args = append(args, dbTime(filter.Cursor.At), filter.Cursor.JobID)
		}
		query += " ORDER BY completed_at DESC, job_id DESC"
	default:
		if filter.Cursor != nil {
			query += " AND (scheduled_at, job_id) > (?, ?)"
			args = append(args, dbTime(filter.Cursor.At), filter.Cursor.JobID)
		}
		query += " ORDER BY scheduled_at ASC, job_id ASC"
	}

	// Fetch one extra to determine if there are more results
	query += " LIMIT ?"
	args = append(args, filter.PageSize+1)

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return JobPage{}, fmt.Errorf("failed to build list query: %w", err)
	}

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return JobPage{}, fmt.Errorf("failed to list jobs: %w", err)
	}

	page := JobPage{Jobs: make([]domain.Job, 0, len(rows))}
	for i := range rows {
		if i == filter.PageSize {
			break
		}
		page.Jobs = append(page.Jobs, rows[i].toDomain())
	}

	if len(rows) > filter.PageSize {
		last := page.Jobs[len(page.Jobs)-1]
		at := last.ScheduledAt
		if filter.Order == OrderCompletedDesc && last.CompletedAt != nil {
			at = *last.CompletedAt
		}
		page.Next = &JobCursor{At: at, JobID: last.JobID}
	}

	return page, nil
}
