package artifact

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

func newFSStore(t *testing.T) *FSStore {
	t.Helper()
	s, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return s
}

func sampleOutputs() Outputs {
	return Outputs{
		Markdown:    []byte("# page one\n"),
		MarkdownDet: []byte("<|ref|>title<|/ref|># page one\n"),
		LayoutPDF:   []byte("%PDF-1.7 fake"),
		Images: map[string][]byte{
			"0_0.jpg": {0xff, 0xd8, 0xff},
			"1_0.jpg": {0xff, 0xd8, 0xfe},
		},
	}
}

func TestAllocateTwiceFails(t *testing.T) {
	s := newFSStore(t)
	ctx := context.Background()

	if err := s.Allocate(ctx, "job-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := s.Allocate(ctx, "job-1"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestInputRoundTrip(t *testing.T) {
	s := newFSStore(t)
	ctx := context.Background()

	if err := s.WriteInput(ctx, "job-1", []byte("%PDF")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound before allocate, got %v", err)
	}

	if err := s.Allocate(ctx, "job-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := s.WriteInput(ctx, "job-1", []byte("%PDF")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	data, err := s.ReadInput(ctx, "job-1")
	if err != nil {
		t.Fatalf("read input: %v", err)
	}
	if !bytes.Equal(data, []byte("%PDF")) {
		t.Fatalf("unexpected input content: %q", data)
	}
}

func TestOutputsInvisibleUntilPublished(t *testing.T) {
	s := newFSStore(t)
	ctx := context.Background()

	if err := s.Allocate(ctx, "job-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := s.WritePageImages(ctx, "job-1", [][]byte{[]byte("p1"), []byte("p2")}); err != nil {
		t.Fatalf("write pages: %v", err)
	}

	// Nothing published yet: every output read must be NotFound.
	for _, kind := range []Kind{KindMarkdown, KindMarkdownDet, KindLayoutPDF} {
		if _, err := s.ReadOutput(ctx, "job-1", kind); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for %s before publish, got %v", kind, err)
		}
	}
	if _, err := s.ListImages(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for images before publish, got %v", err)
	}

	if err := s.WriteOutputs(ctx, "job-1", sampleOutputs()); err != nil {
		t.Fatalf("write outputs: %v", err)
	}

	md, err := s.ReadOutput(ctx, "job-1", KindMarkdown)
	if err != nil {
		t.Fatalf("read markdown: %v", err)
	}
	if !bytes.Contains(md, []byte("page one")) {
		t.Fatalf("unexpected markdown: %q", md)
	}

	names, err := s.ListImages(ctx, "job-1")
	if err != nil {
		t.Fatalf("list images: %v", err)
	}
	if len(names) != 2 || names[0] != "0_0.jpg" {
		t.Fatalf("unexpected image names: %v", names)
	}

	img, err := s.ReadImage(ctx, "job-1", "0_0.jpg")
	if err != nil {
		t.Fatalf("read image: %v", err)
	}
	if len(img) != 3 {
		t.Fatalf("unexpected image bytes: %v", img)
	}
}

func TestReadOutputUnknownKind(t *testing.T) {
	s := newFSStore(t)
	ctx := context.Background()

	if err := s.Allocate(ctx, "job-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := s.WriteOutputs(ctx, "job-1", sampleOutputs()); err != nil {
		t.Fatalf("write outputs: %v", err)
	}
	if _, err := s.ReadOutput(ctx, "job-1", Kind("archive")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown kind, got %v", err)
	}
}

func TestReadImageRejectsPathTraversal(t *testing.T) {
	s := newFSStore(t)
	ctx := context.Background()

	if err := s.Allocate(ctx, "job-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	for _, name := range []string{"../input.pdf", "a/b.jpg", "..\\x.jpg", "x.png", ""} {
		if _, err := s.ReadImage(ctx, "job-1", name); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for %q, got %v", name, err)
		}
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	s := newFSStore(t)
	ctx := context.Background()

	if err := s.Allocate(ctx, "job-1"); err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if err := s.WriteInput(ctx, "job-1", []byte("%PDF")); err != nil {
		t.Fatalf("write input: %v", err)
	}

	if err := s.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := s.Remove(ctx, "job-1"); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
	if _, err := s.ReadInput(ctx, "job-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected artifacts gone, got %v", err)
	}

	// The namespace can be allocated again after removal.
	if err := s.Allocate(ctx, "job-1"); err != nil {
		t.Fatalf("re-allocate after remove: %v", err)
	}
}
