package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ocrflow/ocrflow/internal/artifact"
	"github.com/ocrflow/ocrflow/internal/dispatch"
	"github.com/ocrflow/ocrflow/internal/domain"
	"github.com/ocrflow/ocrflow/internal/id"
	"github.com/ocrflow/ocrflow/internal/store"
)

// NotReadyError signals a result request against a job that has not
// completed yet.
type NotReadyError struct {
	Status domain.Status
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("job not completed, status is %s", e.Status)
}

// FailedError signals a result request against a job that ended in
// failure; Message is the persisted failure reason.
type FailedError struct {
	Message string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("job failed: %s", e.Message)
}

// Queue is the dispatcher surface the service depends on.
type Queue interface {
	Submit(jobID string) error
	Forget(jobID string) bool
	Snapshot() dispatch.Status
}

// JobService ties the task store, artifact store, and dispatcher together
// behind the operations the HTTP layer exposes.
type JobService struct {
	logger    *log.Logger
	tasks     store.TaskStore
	artifacts artifact.Store
	queue     Queue
}

func NewJobService(logger *log.Logger, tasks store.TaskStore, artifacts artifact.Store, queue Queue) *JobService {
	return &JobService{logger: logger, tasks: tasks, artifacts: artifacts, queue: queue}
}

// Submit validates an upload, persists the pending record and input
// document, and enqueues the job. A document whose hash matches an
// earlier completed job short-circuits to that job instead of running
// the pipeline again; the second return reports such a dedup hit.
func (s *JobService) Submit(ctx context.Context, filename, webhookURL string, data []byte) (domain.Job, bool, error) {
	if err := domain.ValidateSubmission(filename, int64(len(data))); err != nil {
		return domain.Job{}, false, err
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	if existing, ok, err := s.tasks.FindCompletedByHash(ctx, hash); err != nil {
		return domain.Job{}, false, fmt.Errorf("dedup lookup: %w", err)
	} else if ok {
		s.logger.Printf("duplicate upload, reusing job_id=%s hash=%s", existing.ID, hash)
		return existing, true, nil
	}

	now := time.Now().UTC()
	job := domain.Job{
		ID:         id.New(),
		Status:     domain.StatusPending,
		Filename:   filename,
		FileHash:   hash,
		WebhookURL: webhookURL,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.tasks.Create(ctx, job); err != nil {
		return domain.Job{}, false, fmt.Errorf("create job record: %w", err)
	}

	if err := s.artifacts.Allocate(ctx, job.ID); err != nil {
		s.discard(ctx, job.ID)
		return domain.Job{}, false, fmt.Errorf("allocate artifacts: %w", err)
	}
	if err := s.artifacts.WriteInput(ctx, job.ID, data); err != nil {
		s.discard(ctx, job.ID)
		return domain.Job{}, false, fmt.Errorf("store input document: %w", err)
	}

	if err := s.queue.Submit(job.ID); err != nil {
		s.discard(ctx, job.ID)
		return domain.Job{}, false, fmt.Errorf("enqueue job: %w", err)
	}

	s.logger.Printf("Accepted job_id=%s filename=%s bytes=%d", job.ID, filename, len(data))
	return job, false, nil
}

// discard undoes a partially accepted submission so the caller's error
// does not leave a record that will never run.
func (s *JobService) discard(ctx context.Context, jobID string) {
	if err := s.artifacts.Remove(ctx, jobID); err != nil {
		s.logger.Printf("discard artifacts failed job_id=%s err=%v", jobID, err)
	}
	if err := s.tasks.Delete(ctx, jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Printf("discard record failed job_id=%s err=%v", jobID, err)
	}
}

// Status returns the job record for polling.
func (s *JobService) Status(ctx context.Context, jobID string) (domain.Job, error) {
	return s.tasks.Get(ctx, jobID)
}

// List returns all jobs, optionally narrowed to one status, newest first.
func (s *JobService) List(ctx context.Context, filter *domain.Status) ([]domain.Job, error) {
	return s.tasks.List(ctx, filter)
}

// Result returns one published output artifact of a completed job.
// Incomplete jobs yield NotReadyError, failed jobs FailedError.
func (s *JobService) Result(ctx context.Context, jobID string, kind artifact.Kind) ([]byte, error) {
	if err := s.requireCompleted(ctx, jobID); err != nil {
		return nil, err
	}
	return s.artifacts.ReadOutput(ctx, jobID, kind)
}

// Images lists the extracted figure crops of a completed job.
func (s *JobService) Images(ctx context.Context, jobID string) ([]string, error) {
	if err := s.requireCompleted(ctx, jobID); err != nil {
		return nil, err
	}
	return s.artifacts.ListImages(ctx, jobID)
}

// Image returns one extracted figure crop by name.
func (s *JobService) Image(ctx context.Context, jobID, name string) ([]byte, error) {
	if err := s.requireCompleted(ctx, jobID); err != nil {
		return nil, err
	}
	return s.artifacts.ReadImage(ctx, jobID, name)
}

func (s *JobService) requireCompleted(ctx context.Context, jobID string) error {
	job, err := s.tasks.Get(ctx, jobID)
	if err != nil {
		return err
	}
	switch job.Status {
	case domain.StatusCompleted:
		return nil
	case domain.StatusFailed:
		return &FailedError{Message: job.ErrorMessage}
	default:
		return &NotReadyError{Status: job.Status}
	}
}

// Delete removes a job and everything stored for it. The queued copy is
// withdrawn first so a waiting job never starts after its record is gone.
// Artifacts go before the record: a crash in between leaves a record
// whose delete can be retried, never orphaned files.
func (s *JobService) Delete(ctx context.Context, jobID string) error {
	if _, err := s.tasks.Get(ctx, jobID); err != nil {
		return err
	}

	s.queue.Forget(jobID)

	if err := s.artifacts.Remove(ctx, jobID); err != nil {
		return fmt.Errorf("remove artifacts: %w", err)
	}
	if err := s.tasks.Delete(ctx, jobID); err != nil {
		return err
	}

	s.logger.Printf("Deleted job_id=%s", jobID)
	return nil
}

// QueueStatus exposes the dispatcher's current backlog.
func (s *JobService) QueueStatus() dispatch.Status {
	return s.queue.Snapshot()
}

// CleanupOlderThan deletes terminal jobs whose last update is older than
// age and reports how many were removed.
func (s *JobService) CleanupOlderThan(ctx context.Context, age time.Duration) (int, error) {
	jobs, err := s.tasks.List(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}

	cutoff := time.Now().UTC().Add(-age)
	removed := 0
	for _, job := range jobs {
		if !job.Status.Terminal() || job.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.Delete(ctx, job.ID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return removed, fmt.Errorf("cleanup job %s: %w", job.ID, err)
		}
		removed++
	}
	return removed, nil
}
