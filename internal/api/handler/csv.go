package handler

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cuongbtq/mail-scheduler/internal/domain"
	"github.com/gin-gonic/gin"
)

// UploadField is the multipart field carrying the recipients CSV
const UploadField = "file"

var errNoEmailColumn = errors.New(`CSV has no "email" column`)

// recipientsFromUpload returns nil, nil when the form has no file
func (h *JobHandler) recipientsFromUpload(c *gin.Context) ([]string, error) {
	header, err := c.FormFile(UploadField)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read upload: %w", err)
	}

	f, err := header.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	recipients, err := parseRecipientsCSV(f)
	if err != nil {
		return nil, domain.NewValidationError(UploadField, err)
	}

	h.logger.Info("Recipients parsed from CSV",
		slog.String("filename", header.Filename),
		slog.Int("count", len(recipients)),
	)
	return recipients, nil
}

// parseRecipientsCSV reads the column whose header is "email", case-insensitively
func parseRecipientsCSV(r io.Reader) ([]string, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	headers, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errNoEmailColumn
		}
		return nil, fmt.Errorf("invalid CSV header: %w", err)
	}

	col := -1
	for i, h := range headers {
		h = strings.TrimPrefix(h, "\ufeff")
		if strings.EqualFold(strings.TrimSpace(h), "email") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, errNoEmailColumn
	}

	recipients := []string{}
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("invalid CSV row: %w", err)
		}
		if col >= len(record) {
			continue
		}
		if email := strings.TrimSpace(record[col]); email != "" {
			recipients = append(recipients, email)
		}
	}
	return recipients, nil
}
