package service

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/ocrflow/ocrflow/internal/artifact"
	"github.com/ocrflow/ocrflow/internal/dispatch"
	"github.com/ocrflow/ocrflow/internal/domain"
	"github.com/ocrflow/ocrflow/internal/store"
)

type fakeQueue struct {
	mu        sync.Mutex
	submitted []string
	forgotten []string
	submitErr error
}

func (q *fakeQueue) Submit(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.submitErr != nil {
		return q.submitErr
	}
	q.submitted = append(q.submitted, jobID)
	return nil
}

func (q *fakeQueue) Forget(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.forgotten = append(q.forgotten, jobID)
	return true
}

func (q *fakeQueue) Snapshot() dispatch.Status {
	q.mu.Lock()
	defer q.mu.Unlock()
	return dispatch.Status{Queued: append([]string(nil), q.submitted...)}
}

func newTestService(t *testing.T) (*JobService, store.TaskStore, artifact.Store, *fakeQueue) {
	t.Helper()
	tasks := store.NewMemoryTaskStore()
	artifacts, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("create artifact store: %v", err)
	}
	queue := &fakeQueue{}
	svc := NewJobService(log.New(io.Discard, "", 0), tasks, artifacts, queue)
	return svc, tasks, artifacts, queue
}

var pdfBytes = []byte("%PDF-1.4 sample document body")

func TestSubmitCreatesPendingJob(t *testing.T) {
	svc, tasks, artifacts, queue := newTestService(t)
	ctx := context.Background()

	job, dedup, err := svc.Submit(ctx, "paper.pdf", "https://hooks.example.com/ocr", pdfBytes)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if dedup {
		t.Fatal("fresh upload must not report a dedup hit")
	}
	if job.Status != domain.StatusPending {
		t.Fatalf("expected pending, got %s", job.Status)
	}
	if job.WebhookURL != "https://hooks.example.com/ocr" {
		t.Fatalf("webhook url lost: %q", job.WebhookURL)
	}

	sum := sha256.Sum256(pdfBytes)
	if job.FileHash != hex.EncodeToString(sum[:]) {
		t.Fatalf("unexpected file hash: %q", job.FileHash)
	}

	stored, err := tasks.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("record missing after submit: %v", err)
	}
	if stored.Filename != "paper.pdf" {
		t.Fatalf("unexpected filename: %q", stored.Filename)
	}

	input, err := artifacts.ReadInput(ctx, job.ID)
	if err != nil {
		t.Fatalf("input missing after submit: %v", err)
	}
	if !bytes.Equal(input, pdfBytes) {
		t.Fatal("input document corrupted")
	}

	if len(queue.submitted) != 1 || queue.submitted[0] != job.ID {
		t.Fatalf("job not enqueued: %v", queue.submitted)
	}
}

func TestSubmitRejectsInvalidUploads(t *testing.T) {
	svc, _, _, queue := newTestService(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		filename string
		data     []byte
	}{
		{"not a pdf", "scan.png", pdfBytes},
		{"empty document", "paper.pdf", nil},
		{"blank filename", "   ", pdfBytes},
	}
	for _, tc := range cases {
		if _, _, err := svc.Submit(ctx, tc.filename, "", tc.data); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
	if len(queue.submitted) != 0 {
		t.Fatalf("invalid uploads must not enqueue: %v", queue.submitted)
	}
}

func TestSubmitDeduplicatesCompletedUpload(t *testing.T) {
	svc, tasks, _, queue := newTestService(t)
	ctx := context.Background()

	sum := sha256.Sum256(pdfBytes)
	prior := domain.Job{
		ID: "prior", Status: domain.StatusCompleted, Filename: "paper.pdf",
		FileHash:  hex.EncodeToString(sum[:]),
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	if err := tasks.Create(ctx, prior); err != nil {
		t.Fatalf("seed prior job: %v", err)
	}

	job, dedup, err := svc.Submit(ctx, "paper-again.pdf", "", pdfBytes)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !dedup {
		t.Fatal("expected dedup hit")
	}
	if job.ID != "prior" {
		t.Fatalf("expected prior job, got %s", job.ID)
	}
	if len(queue.submitted) != 0 {
		t.Fatal("dedup hit must not enqueue")
	}
}

func TestSubmitEnqueueFailureRollsBack(t *testing.T) {
	svc, tasks, artifacts, queue := newTestService(t)
	queue.submitErr = dispatch.ErrQueueFull
	ctx := context.Background()

	if _, _, err := svc.Submit(ctx, "paper.pdf", "", pdfBytes); !errors.Is(err, dispatch.ErrQueueFull) {
		t.Fatalf("expected queue-full error, got %v", err)
	}

	jobs, err := tasks.List(ctx, nil)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("record must be rolled back, got %v", jobs)
	}

	// The artifact namespace must be reusable after rollback.
	if err := artifacts.Allocate(ctx, "fresh"); err != nil {
		t.Fatalf("allocate after rollback: %v", err)
	}
}

func TestResultGating(t *testing.T) {
	svc, tasks, artifacts, _ := newTestService(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := func(id string, status domain.Status, errMsg string) {
		t.Helper()
		if err := tasks.Create(ctx, domain.Job{
			ID: id, Status: status, Filename: "doc.pdf", ErrorMessage: errMsg,
			CreatedAt: now, UpdatedAt: now,
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	seed("waiting", domain.StatusPending, "")
	seed("broken", domain.StatusFailed, "rasterize stage: corrupt xref table")
	seed("done", domain.StatusCompleted, "")

	if err := artifacts.Allocate(ctx, "done"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := artifacts.WriteOutputs(ctx, "done", artifact.Outputs{
		Markdown:    []byte("# Done\n"),
		MarkdownDet: []byte("det"),
		LayoutPDF:   []byte("%PDF"),
		Images:      map[string][]byte{"0_0.jpg": {0xff, 0xd8}},
	}); err != nil {
		t.Fatalf("publish outputs: %v", err)
	}

	var notReady *NotReadyError
	if _, err := svc.Result(ctx, "waiting", artifact.KindMarkdown); !errors.As(err, &notReady) {
		t.Fatalf("expected NotReadyError, got %v", err)
	} else if notReady.Status != domain.StatusPending {
		t.Fatalf("unexpected status in error: %s", notReady.Status)
	}

	var failed *FailedError
	if _, err := svc.Result(ctx, "broken", artifact.KindMarkdown); !errors.As(err, &failed) {
		t.Fatalf("expected FailedError, got %v", err)
	} else if failed.Message == "" {
		t.Fatal("failure reason missing")
	}

	md, err := svc.Result(ctx, "done", artifact.KindMarkdown)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if !bytes.Equal(md, []byte("# Done\n")) {
		t.Fatalf("unexpected markdown: %q", md)
	}

	names, err := svc.Images(ctx, "done")
	if err != nil {
		t.Fatalf("images: %v", err)
	}
	if len(names) != 1 || names[0] != "0_0.jpg" {
		t.Fatalf("unexpected image listing: %v", names)
	}

	img, err := svc.Image(ctx, "done", "0_0.jpg")
	if err != nil {
		t.Fatalf("image: %v", err)
	}
	if len(img) == 0 {
		t.Fatal("empty image")
	}

	if _, err := svc.Result(ctx, "missing", artifact.KindMarkdown); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteRemovesEverything(t *testing.T) {
	svc, tasks, artifacts, queue := newTestService(t)
	ctx := context.Background()

	job, _, err := svc.Submit(ctx, "paper.pdf", "", pdfBytes)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	if err := svc.Delete(ctx, job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, err := tasks.Get(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record survived delete: %v", err)
	}
	if _, err := artifacts.ReadInput(ctx, job.ID); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("artifacts survived delete: %v", err)
	}
	if len(queue.forgotten) != 1 || queue.forgotten[0] != job.ID {
		t.Fatalf("queued copy not withdrawn: %v", queue.forgotten)
	}

	if err := svc.Delete(ctx, job.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete must report not found, got %v", err)
	}
}

func TestCleanupOlderThan(t *testing.T) {
	svc, tasks, _, _ := newTestService(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-48 * time.Hour)
	seed := func(id string, status domain.Status, updated time.Time) {
		t.Helper()
		if err := tasks.Create(ctx, domain.Job{
			ID: id, Status: status, Filename: "doc.pdf",
			CreatedAt: updated, UpdatedAt: updated,
		}); err != nil {
			t.Fatalf("seed %s: %v", id, err)
		}
	}

	seed("stale-done", domain.StatusCompleted, old)
	seed("stale-failed", domain.StatusFailed, old)
	seed("stale-pending", domain.StatusPending, old)
	seed("fresh-done", domain.StatusCompleted, time.Now().UTC())

	removed, err := svc.CleanupOlderThan(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 removals, got %d", removed)
	}

	for _, id := range []string{"stale-pending", "fresh-done"} {
		if _, err := tasks.Get(ctx, id); err != nil {
			t.Fatalf("%s must survive cleanup: %v", id, err)
		}
	}
	for _, id := range []string{"stale-done", "stale-failed"} {
		if _, err := tasks.Get(ctx, id); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("%s must be removed: %v", id, err)
		}
	}
}
