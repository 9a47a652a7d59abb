package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the closed set of job lifecycle states. Transitions only move
// forward: pending -> processing -> completed|failed.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func ParseStatus(in string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(in))) {
	case StatusPending:
		return StatusPending, nil
	case StatusProcessing:
		return StatusProcessing, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusFailed:
		return StatusFailed, nil
	default:
		return "", fmt.Errorf("unknown status: %q", in)
	}
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Job is one submitted document's end-to-end processing record.
type Job struct {
	ID             string    `json:"job_id"`
	Status         Status    `json:"status"`
	Filename       string    `json:"filename"`
	FileHash       string    `json:"file_hash,omitempty"`
	WebhookURL     string    `json:"webhook_url,omitempty"`
	TotalPages     int       `json:"total_pages"`
	ProcessedPages int       `json:"processed_pages"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

const maxUploadBytes = 100 << 20

// ErrInvalidSubmission marks upload validation failures so transport
// layers can answer with a client error.
var ErrInvalidSubmission = errors.New("invalid submission")

// ValidateSubmission checks an upload before a job record is created.
func ValidateSubmission(filename string, size int64) error {
	if strings.TrimSpace(filename) == "" {
		return fmt.Errorf("%w: filename is required", ErrInvalidSubmission)
	}
	if !strings.HasSuffix(strings.ToLower(filename), ".pdf") {
		return fmt.Errorf("%w: only PDF files are supported, got %q", ErrInvalidSubmission, filename)
	}
	if size <= 0 {
		return fmt.Errorf("%w: document is empty", ErrInvalidSubmission)
	}
	if size > maxUploadBytes {
		return fmt.Errorf("%w: document exceeds %d byte limit", ErrInvalidSubmission, int64(maxUploadBytes))
	}
	return nil
}
