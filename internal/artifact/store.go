package artifact

import (
	"context"
	"errors"
	"strings"
)

var (
	ErrNotFound      = errors.New("artifact not found")
	ErrAlreadyExists = errors.New("artifact namespace already exists")
)

// Kind names one of the published output artifacts of a completed job.
type Kind string

const (
	KindMarkdown    Kind = "markdown"
	KindMarkdownDet Kind = "markdown_det"
	KindLayoutPDF   Kind = "layout_pdf"
)

// Outputs is the complete output set of a successful pipeline run.
// Published as a unit; clients never observe a partial set.
type Outputs struct {
	Markdown    []byte
	MarkdownDet []byte
	LayoutPDF   []byte
	Images      map[string][]byte
}

// Store manages the per-job artifact namespace. Input and page images are
// written incrementally during the run; outputs are published atomically.
type Store interface {
	Allocate(ctx context.Context, id string) error
	WriteInput(ctx context.Context, id string, data []byte) error
	ReadInput(ctx context.Context, id string) ([]byte, error)
	WritePageImages(ctx context.Context, id string, pages [][]byte) error
	WriteOutputs(ctx context.Context, id string, out Outputs) error
	ReadOutput(ctx context.Context, id string, kind Kind) ([]byte, error)
	ListImages(ctx context.Context, id string) ([]string, error)
	ReadImage(ctx context.Context, id, name string) ([]byte, error)
	Remove(ctx context.Context, id string) error
}

func sanitizeToken(in string) string {
	in = strings.TrimSpace(in)
	if in == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func validImageName(name string) bool {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return false
	}
	return strings.HasSuffix(name, ".jpg")
}

func outputFilename(kind Kind) (string, bool) {
	switch kind {
	case KindMarkdown:
		return "output.mmd", true
	case KindMarkdownDet:
		return "output_det.mmd", true
	case KindLayoutPDF:
		return "output_layouts.pdf", true
	default:
		return "", false
	}
}
