package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ocrflow/ocrflow/internal/domain"
)

// MemoryTaskStore keeps job records in process memory. It satisfies the
// full TaskStore contract except durability; used in tests and as an
// explicit opt-in backend.
type MemoryTaskStore struct {
	mu   sync.RWMutex
	jobs map[string]domain.Job
}

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{
		jobs: make(map[string]domain.Job),
	}
}

func (s *MemoryTaskStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return ErrDuplicateID
	}
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryTaskStore) Get(_ context.Context, id string) (domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}
	return job, nil
}

func (s *MemoryTaskStore) Update(_ context.Context, id string, upd Update) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrNotFound
	}

	merged, err := applyUpdate(job, upd)
	if err != nil {
		return domain.Job{}, err
	}
	merged.UpdatedAt = time.Now().UTC()
	s.jobs[id] = merged
	return merged, nil
}

func (s *MemoryTaskStore) List(_ context.Context, filter *domain.Status) ([]domain.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter != nil && job.Status != *filter {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryTaskStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryTaskStore) FindCompletedByHash(_ context.Context, hash string) (domain.Job, bool, error) {
	if hash == "" {
		return domain.Job{}, false, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		best  domain.Job
		found bool
	)
	for _, job := range s.jobs {
		if job.FileHash != hash || job.Status != domain.StatusCompleted {
			continue
		}
		if !found || job.CreatedAt.After(best.CreatedAt) {
			best = job
			found = true
		}
	}
	return best, found, nil
}
