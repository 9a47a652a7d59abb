package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ocrflow/ocrflow/internal/domain"
)

var (
	ErrNotFound          = errors.New("job not found")
	ErrDuplicateID       = errors.New("job id already exists")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// Update is a partial mutation of a job record. Nil fields are left
// untouched; updated_at is refreshed on every applied update.
type Update struct {
	Status         *domain.Status
	TotalPages     *int
	ProcessedPages *int
	ErrorMessage   *string
}

// TaskStore is the single source of truth for job state. Implementations
// must serialize writes per id and never expose a torn record to readers.
type TaskStore interface {
	Create(ctx context.Context, job domain.Job) error
	Get(ctx context.Context, id string) (domain.Job, error)
	Update(ctx context.Context, id string, upd Update) (domain.Job, error)
	List(ctx context.Context, filter *domain.Status) ([]domain.Job, error)
	Delete(ctx context.Context, id string) error
	FindCompletedByHash(ctx context.Context, hash string) (domain.Job, bool, error)
}

// applyUpdate merges upd into job, enforcing the lifecycle rules:
// forward-only status transitions, page counters only while processing,
// processed never exceeding a known total, and error_message only
// alongside a failed status.
func applyUpdate(job domain.Job, upd Update) (domain.Job, error) {
	if upd.Status != nil && *upd.Status != job.Status {
		if !job.Status.CanTransition(*upd.Status) {
			return domain.Job{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, job.Status, *upd.Status)
		}
		job.Status = *upd.Status
	}

	if upd.ErrorMessage != nil {
		if job.Status != domain.StatusFailed {
			return domain.Job{}, fmt.Errorf("%w: error message requires failed status, have %s", ErrIllegalTransition, job.Status)
		}
		job.ErrorMessage = *upd.ErrorMessage
	}

	if upd.TotalPages != nil || upd.ProcessedPages != nil {
		if job.Status != domain.StatusProcessing {
			return domain.Job{}, fmt.Errorf("%w: page counters are mutable only while processing, have %s", ErrIllegalTransition, job.Status)
		}
		if upd.TotalPages != nil {
			if *upd.TotalPages < 0 {
				return domain.Job{}, fmt.Errorf("%w: negative total_pages", ErrIllegalTransition)
			}
			job.TotalPages = *upd.TotalPages
		}
		if upd.ProcessedPages != nil {
			if *upd.ProcessedPages < job.ProcessedPages {
				return domain.Job{}, fmt.Errorf("%w: processed_pages may not decrease (%d -> %d)", ErrIllegalTransition, job.ProcessedPages, *upd.ProcessedPages)
			}
			if job.TotalPages > 0 && *upd.ProcessedPages > job.TotalPages {
				return domain.Job{}, fmt.Errorf("%w: processed_pages %d exceeds total_pages %d", ErrIllegalTransition, *upd.ProcessedPages, job.TotalPages)
			}
			job.ProcessedPages = *upd.ProcessedPages
		}
	}

	return job, nil
}
