package ocr

import "context"

// EndOfSequence marks a fully generated page. Output missing it was
// truncated by the model's repeat guard and may be skipped.
const EndOfSequence = "<|end_of_sequence|>"

// PageResult is the raw inference output for one page image. Text still
// carries the layout ref grammar; the pipeline's assemble stage parses it.
type PageResult struct {
	Text      string
	Truncated bool
}

// Engine is the seam to the external GPU-bound OCR system. Rasterize and
// Infer are opaque, potentially very slow blocking calls.
type Engine interface {
	Rasterize(ctx context.Context, pdf []byte) ([][]byte, error)
	Infer(ctx context.Context, pageImage []byte) (PageResult, error)
	Ready(ctx context.Context) bool
}
