package storage

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// JobCursor marks the last row of a page: the ordering timestamp and job ID
type JobCursor struct {
	At    time.Time
	JobID string
}

func DecodeJobCursor(cursorStr string) (*JobCursor, error) {
	if cursorStr == "" {
		return nil, nil
	}

	decoded, err := base64.URLEncoding.DecodeString(cursorStr)
	if err != nil {
		return nil, fmt.Errorf("invalid cursor encoding: %w", err)
	}

	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 || parts[1] == "" {
		return nil, fmt.Errorf("invalid cursor format")
	}

	var nanos int64
	if _, err := fmt.Sscanf(parts[0], "%d", &nanos); err != nil {
		return nil, fmt.Errorf("invalid timestamp in cursor: %w", err)
	}

	return &JobCursor{
		At:    time.Unix(0, nanos).UTC(),
		JobID: parts[1],
	}, nil
}

func EncodeJobCursor(cursor *JobCursor) string {
	if cursor == nil {
		return ""
	}
	cs := fmt.Sprintf("%d|%s", cursor.At.UnixNano(), cursor.JobID)
	return base64.URLEncoding.EncodeToString([]byte(cs))
}
