package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/ocrflow/ocrflow/internal/artifact"
	"github.com/ocrflow/ocrflow/internal/domain"
	"github.com/ocrflow/ocrflow/internal/ocr"
	"github.com/ocrflow/ocrflow/internal/store"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 40, 60))
	for y := 0; y < 60; y++ {
		for x := 0; x < 40; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

// fakeEngine scripts rasterization and per-page inference.
type fakeEngine struct {
	pages     [][]byte
	rasterErr error
	inferFn   func(page int) (ocr.PageResult, error)
	calls     int
}

func (f *fakeEngine) Rasterize(_ context.Context, _ []byte) ([][]byte, error) {
	if f.rasterErr != nil {
		return nil, f.rasterErr
	}
	return f.pages, nil
}

func (f *fakeEngine) Infer(_ context.Context, _ []byte) (ocr.PageResult, error) {
	f.calls++
	return f.inferFn(f.calls)
}

func (f *fakeEngine) Ready(_ context.Context) bool { return true }

// progressStore records every processed_pages value it is asked to write.
type progressStore struct {
	store.TaskStore
	mu       sync.Mutex
	progress []int
}

func (s *progressStore) Update(ctx context.Context, id string, upd store.Update) (domain.Job, error) {
	if upd.ProcessedPages != nil {
		s.mu.Lock()
		s.progress = append(s.progress, *upd.ProcessedPages)
		s.mu.Unlock()
	}
	return s.TaskStore.Update(ctx, id, upd)
}

func newRunnerFixture(t *testing.T, engine ocr.Engine) (*Runner, *progressStore, artifact.Store) {
	t.Helper()

	tasks := &progressStore{TaskStore: store.NewMemoryTaskStore()}
	artifacts, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("create artifact store: %v", err)
	}

	logger := log.New(io.Discard, "", 0)
	return NewRunner(logger, tasks, artifacts, engine), tasks, artifacts
}

func seedJob(t *testing.T, tasks store.TaskStore, artifacts artifact.Store, id string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if err := tasks.Create(ctx, domain.Job{
		ID: id, Status: domain.StatusPending, Filename: "doc.pdf",
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	if err := artifacts.Allocate(ctx, id); err != nil {
		t.Fatalf("allocate artifacts: %v", err)
	}
	if err := artifacts.WriteInput(ctx, id, []byte("%PDF")); err != nil {
		t.Fatalf("write input: %v", err)
	}
}

func pageText(n int) string {
	return fmt.Sprintf("# Page %d\n<|ref|>image<|/ref|><|det|>[[100,100,500,500]]<|/det|>body text", n)
}

func TestRunThreePagesToCompletion(t *testing.T) {
	page := testPNG(t)
	engine := &fakeEngine{
		pages: [][]byte{page, page, page},
		inferFn: func(n int) (ocr.PageResult, error) {
			return ocr.PageResult{Text: pageText(n)}, nil
		},
	}
	runner, tasks, artifacts := newRunnerFixture(t, engine)
	seedJob(t, tasks, artifacts, "job-1")

	ctx := context.Background()
	job, err := runner.Run(ctx, "job-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if job.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s (%s)", job.Status, job.ErrorMessage)
	}
	if job.TotalPages != 3 || job.ProcessedPages != 3 {
		t.Fatalf("unexpected counters: total=%d processed=%d", job.TotalPages, job.ProcessedPages)
	}

	wantProgress := []int{1, 2, 3}
	if len(tasks.progress) != len(wantProgress) {
		t.Fatalf("expected progress %v, got %v", wantProgress, tasks.progress)
	}
	for i, want := range wantProgress {
		if tasks.progress[i] != want {
			t.Fatalf("expected progress %v, got %v", wantProgress, tasks.progress)
		}
	}

	md, err := artifacts.ReadOutput(ctx, "job-1", artifact.KindMarkdown)
	if err != nil {
		t.Fatalf("read markdown: %v", err)
	}
	if !bytes.Contains(md, []byte("![](images/0_0.jpg)")) {
		t.Fatalf("expected rewritten image link, got %q", md)
	}
	if !bytes.Contains(md, []byte(PageSeparator)) {
		t.Fatal("expected page separators in markdown")
	}

	det, err := artifacts.ReadOutput(ctx, "job-1", artifact.KindMarkdownDet)
	if err != nil {
		t.Fatalf("read markdown_det: %v", err)
	}
	if !bytes.Contains(det, []byte("<|ref|>image<|/ref|>")) {
		t.Fatal("expected raw refs preserved in markdown_det")
	}

	layout, err := artifacts.ReadOutput(ctx, "job-1", artifact.KindLayoutPDF)
	if err != nil {
		t.Fatalf("read layout pdf: %v", err)
	}
	if !bytes.HasPrefix(layout, []byte("%PDF")) {
		t.Fatal("expected a PDF layout document")
	}

	images, err := artifacts.ListImages(ctx, "job-1")
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	if len(images) != 3 {
		t.Fatalf("expected one crop per page, got %v", images)
	}
}

func TestRunFailsOnInferenceError(t *testing.T) {
	page := testPNG(t)
	engine := &fakeEngine{
		pages: [][]byte{page, page, page},
		inferFn: func(n int) (ocr.PageResult, error) {
			if n == 2 {
				return ocr.PageResult{}, errors.New("CUDA out of memory")
			}
			return ocr.PageResult{Text: pageText(n)}, nil
		},
	}
	runner, tasks, artifacts := newRunnerFixture(t, engine)
	seedJob(t, tasks, artifacts, "job-1")

	ctx := context.Background()
	job, err := runner.Run(ctx, "job-1")
	if err == nil {
		t.Fatal("expected run error")
	}

	if job.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Fatal("expected error message on failed job")
	}
	if job.ProcessedPages != 1 {
		t.Fatalf("expected processed_pages=1, got %d", job.ProcessedPages)
	}

	// No output may be visible for a failed job.
	if _, err := artifacts.ReadOutput(ctx, "job-1", artifact.KindMarkdown); !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("expected no published outputs, got %v", err)
	}
}

func TestRunFailsOnRasterizeError(t *testing.T) {
	engine := &fakeEngine{rasterErr: errors.New("corrupt xref table")}
	runner, tasks, artifacts := newRunnerFixture(t, engine)
	seedJob(t, tasks, artifacts, "job-1")

	job, err := runner.Run(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected run error")
	}
	if job.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.TotalPages != 0 {
		t.Fatalf("expected unknown page count, got %d", job.TotalPages)
	}
}

func TestRunConvertsPanicToFailed(t *testing.T) {
	page := testPNG(t)
	engine := &fakeEngine{
		pages: [][]byte{page},
		inferFn: func(int) (ocr.PageResult, error) {
			panic("inference runtime crashed")
		},
	}
	runner, tasks, artifacts := newRunnerFixture(t, engine)
	seedJob(t, tasks, artifacts, "job-1")

	job, err := runner.Run(context.Background(), "job-1")
	if err == nil {
		t.Fatal("expected run error from panic")
	}
	if job.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", job.Status)
	}
	if job.ErrorMessage == "" {
		t.Fatal("expected captured panic message")
	}
}

func TestRunSkipsTruncatedPages(t *testing.T) {
	page := testPNG(t)
	engine := &fakeEngine{
		pages: [][]byte{page, page},
		inferFn: func(n int) (ocr.PageResult, error) {
			if n == 1 {
				return ocr.PageResult{Text: "looping output", Truncated: true}, nil
			}
			return ocr.PageResult{Text: "# Page 2"}, nil
		},
	}
	runner, tasks, artifacts := newRunnerFixture(t, engine)
	seedJob(t, tasks, artifacts, "job-1")

	ctx := context.Background()
	job, err := runner.Run(ctx, "job-1")
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if job.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %s", job.Status)
	}
	if job.ProcessedPages != 2 {
		t.Fatalf("skipped pages still count as processed, got %d", job.ProcessedPages)
	}

	md, err := artifacts.ReadOutput(ctx, "job-1", artifact.KindMarkdown)
	if err != nil {
		t.Fatalf("read markdown: %v", err)
	}
	if bytes.Contains(md, []byte("looping output")) {
		t.Fatal("truncated page content must be dropped")
	}
	if !bytes.Contains(md, []byte("# Page 2")) {
		t.Fatal("expected surviving page content")
	}
}
