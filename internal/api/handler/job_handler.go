package handler

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cuongbtq/mail-scheduler/internal/api/dto"
	"github.com/cuongbtq/mail-scheduler/internal/domain"
	"github.com/cuongbtq/mail-scheduler/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
)

// ScheduleEmails handles POST /api/v1/emails/schedule
// Accepts JSON, or a multipart form whose CSV "file" supplies the recipients
func (h *JobHandler) ScheduleEmails(c *gin.Context) {
	h.logger.Info("ScheduleEmails called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("content_type", c.ContentType()),
	)

	// 1. Bind the request body
	var req dto.ScheduleRequest
	if err := c.ShouldBind(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Invalid request body",
			Details: err.Error(),
		})
		return
	}

	// 2. Collect recipients from the CSV upload, if any
	recipients := req.Recipients
	if c.ContentType() == binding.MIMEMultipartPOSTForm {
		fromFile, err := h.recipientsFromUpload(c)
		if err != nil {
			h.respondError(c, err, "Failed to read recipients file")
			return
		}
		if fromFile != nil {
			recipients = fromFile
		}
	}

	// 3. Build the batch
	batch, err := buildBatch(&req, recipients)
	if err != nil {
		h.respondError(c, err, "Invalid request")
		return
	}

	// 4. Fan out
	jobs, err := h.scheduler.Schedule(c.Request.Context(), batch)
	if err != nil {
		if len(jobs) > 0 {
			h.logger.Error("Batch partially scheduled",
				slog.Int("created", len(jobs)),
				slog.Int("requested", len(batch.Recipients)),
				slog.Any("error", err),
			)
		}
		h.respondError(c, err, "Failed to schedule emails")
		return
	}

	resp := dto.ScheduleResponse{
		Message: fmt.Sprintf("Scheduled %d emails", len(jobs)),
		Jobs:    make([]dto.ScheduledJobDTO, len(jobs)),
	}
	if len(jobs) > 0 {
		resp.BatchID = jobs[0].BatchID
	}
	for i, job := range jobs {
		resp.Jobs[i] = dto.ScheduledJobDTO{
			ID:          job.JobID,
			Recipient:   job.Recipient,
			ScheduledAt: formatTime(job.ScheduledAt),
		}
	}

	c.JSON(http.StatusOK, resp)
}

// GetJob handles GET /api/v1/emails/:job_id
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	h.logger.Info("GetJob called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("job_id", jobID),
	)

	// 1. Validate job_id format (UUID)
	if _, err := uuid.Parse(jobID); err != nil {
		h.logger.Error("Invalid job_id format", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "job_id must be a valid UUID",
		})
		return
	}

	// 2. Query job from database
	job, err := h.store.GetJob(c.Request.Context(), jobID)
	if err != nil {
		h.respondError(c, err, "Failed to get job")
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListScheduled handles GET /api/v1/emails/scheduled
// PENDING jobs, earliest scheduled first
func (h *JobHandler) ListScheduled(c *gin.Context) {
	h.listJobs(c, storage.JobFilter{
		Statuses: []string{domain.JobStatusPending},
		Order:    storage.OrderScheduledAsc,
	})
}

// ListSent handles GET /api/v1/emails/sent
// SENT and FAILED jobs, most recently completed first
func (h *JobHandler) ListSent(c *gin.Context) {
	h.listJobs(c, storage.JobFilter{
		Statuses: []string{domain.JobStatusSent, domain.JobStatusFailed},
		Order:    storage.OrderCompletedDesc,
	})
}

func (h *JobHandler) listJobs(c *gin.Context, filter storage.JobFilter) {
	h.logger.Info("ListJobs called",
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("query", c.Request.URL.RawQuery),
	)

	// 1. Parse query parameters
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "Invalid query parameters",
		})
		return
	}

	// 2. Decode cursor for pagination
	cursor, err := storage.DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error: "Invalid cursor",
		})
		return
	}

	// 3. Query jobs
	filter.PageSize = req.PageSize
	filter.Cursor = cursor
	page, err := h.store.ListJobs(c.Request.Context(), filter)
	if err != nil {
		h.respondError(c, err, "Failed to list jobs")
		return
	}

	resp := dto.ListJobsResponse{
		Jobs: make([]dto.JobDTO, len(page.Jobs)),
	}
	for i := range page.Jobs {
		resp.Jobs[i] = toJobDTO(&page.Jobs[i])
	}
	if page.Next != nil {
		resp.NextCursor = storage.EncodeJobCursor(page.Next)
	}

	c.JSON(http.StatusOK, resp)
}

// QueueStats handles GET /api/v1/queue/stats
func (h *JobHandler) QueueStats(c *gin.Context) {
	stats, err := h.queue.Stats(c.Request.Context())
	if err != nil {
		h.respondError(c, err, "Failed to read queue stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// respondError maps domain errors onto HTTP status codes
func (h *JobHandler) respondError(c *gin.Context, err error, msg string) {
	switch {
	case domain.IsValidationError(err):
		h.logger.Warn("Validation failed", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, dto.ErrorResponse{
			Error:   "Validation failed",
			Details: err.Error(),
		})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, dto.ErrorResponse{
			Error: "Job not found",
		})
	default:
		h.logger.Error(msg, slog.Any("error", err))
		c.JSON(http.StatusInternalServerError, dto.ErrorResponse{
			Error: msg,
		})
	}
}

func buildBatch(req *dto.ScheduleRequest, recipients []string) (domain.Batch, error) {
	batch := domain.Batch{
		Subject:    req.Subject,
		Body:       req.Body,
		Recipients: cleanRecipients(recipients),
		Gap:        time.Duration(req.DelayBetweenEmails * float64(time.Second)),
	}

	if s := strings.TrimSpace(req.StartTime); s != "" {
		start, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return domain.Batch{}, domain.NewValidationError("start_time", err)
		}
		batch.StartTime = &start
	}

	return batch, nil
}

// cleanRecipients trims addresses and drops blanks
func cleanRecipients(in []string) []string {
	out := make([]string, 0, len(in))
	for _, r := range in {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func toJobDTO(job *domain.Job) dto.JobDTO {
	return dto.JobDTO{
		JobID:       job.JobID,
		BatchID:     job.BatchID,
		Recipient:   job.Recipient,
		Subject:     job.Subject,
		Body:        job.Body,
		Status:      job.Status,
		Attempts:    job.Attempts,
		LastError:   job.LastError,
		FailReason:  job.FailReason,
		MessageID:   job.MessageID,
		ScheduledAt: formatTime(job.ScheduledAt),
		SentAt:      formatTimePtr(job.SentAt),
		FailedAt:    formatTimePtr(job.FailedAt),
		CompletedAt: formatTimePtr(job.CompletedAt),
		CreatedAt:   formatTime(job.CreatedAt),
		UpdatedAt:   formatTime(job.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
