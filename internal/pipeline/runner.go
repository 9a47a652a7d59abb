package pipeline

import (
	"context"
	"fmt"
	"image"
	"log"
	"strings"

	"github.com/ocrflow/ocrflow/internal/artifact"
	"github.com/ocrflow/ocrflow/internal/domain"
	"github.com/ocrflow/ocrflow/internal/ocr"
	"github.com/ocrflow/ocrflow/internal/render"
	"github.com/ocrflow/ocrflow/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Runner drives one job through the pipeline stages, translating progress
// into TaskStore updates. Every failure, including panics, ends in a
// terminal failed record; a job is never left stuck in processing by a
// returning Run call.
type Runner struct {
	logger      *log.Logger
	tasks       store.TaskStore
	artifacts   artifact.Store
	engine      ocr.Engine
	jpegQuality int
	tracer      trace.Tracer
}

func NewRunner(logger *log.Logger, tasks store.TaskStore, artifacts artifact.Store, engine ocr.Engine) *Runner {
	return &Runner{
		logger:      logger,
		tasks:       tasks,
		artifacts:   artifacts,
		engine:      engine,
		jpegQuality: 95,
		tracer:      otel.Tracer("ocrflow/pipeline"),
	}
}

// Run executes the full stage sequence for jobID and returns the final
// job record. The returned error reports why the job failed; the terminal
// state is already persisted when Run returns.
func (r *Runner) Run(ctx context.Context, jobID string) (domain.Job, error) {
	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("job.id", jobID))
	defer span.End()

	err := r.runGuarded(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "pipeline failed")
		r.markFailed(ctx, jobID, err)
	} else {
		span.SetStatus(codes.Ok, "processed")
	}

	job, getErr := r.tasks.Get(ctx, jobID)
	if getErr != nil {
		// Record deleted mid-run; nothing left to report against.
		return domain.Job{}, fmt.Errorf("load final record: %w", getErr)
	}
	return job, err
}

func (r *Runner) runGuarded(ctx context.Context, jobID string) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("pipeline panic: %v", rec)
		}
	}()
	return r.run(ctx, jobID)
}

func (r *Runner) run(ctx context.Context, jobID string) error {
	if _, err := r.tasks.Update(ctx, jobID, statusUpdate(domain.StatusProcessing)); err != nil {
		return fmt.Errorf("enter processing: %w", err)
	}

	input, err := r.artifacts.ReadInput(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load input document: %w", err)
	}

	pages, err := r.engine.Rasterize(ctx, input)
	if err != nil {
		return fmt.Errorf("rasterize stage: %w", err)
	}
	if err := r.artifacts.WritePageImages(ctx, jobID, pages); err != nil {
		return fmt.Errorf("persist page images: %w", err)
	}

	total := len(pages)
	if _, err := r.tasks.Update(ctx, jobID, store.Update{TotalPages: &total}); err != nil {
		return fmt.Errorf("record page count: %w", err)
	}

	var (
		markdown    strings.Builder
		markdownDet strings.Builder
		annotated   []image.Image
		crops       = map[string][]byte{}
	)

	for i, page := range pages {
		select {
		case <-ctx.Done():
			return fmt.Errorf("inference stage page %d: %w", i+1, ctx.Err())
		default:
		}

		result, err := r.engine.Infer(ctx, page)
		if err != nil {
			return fmt.Errorf("inference stage page %d: %w", i+1, err)
		}

		if result.Truncated {
			// Repeat-guard truncation: drop the page's content but keep
			// the job going.
			r.logger.Printf("skipping truncated page job_id=%s page=%d", jobID, i+1)
		} else {
			refs := parseRefs(result.Text)

			rendered, err := render.Annotate(page, boxesOf(refs))
			if err != nil {
				return fmt.Errorf("layout stage page %d: %w", i+1, err)
			}
			annotated = append(annotated, rendered.Annotated)

			for cropIdx, crop := range rendered.Crops {
				encoded, err := render.EncodeJPEG(crop, r.jpegQuality)
				if err != nil {
					return fmt.Errorf("layout stage page %d: %w", i+1, err)
				}
				crops[cropName(i, cropIdx)] = encoded
			}

			appendPage(&markdownDet, result.Text)
			appendPage(&markdown, cleanPage(result.Text, refs, i))
		}

		processed := i + 1
		if _, err := r.tasks.Update(ctx, jobID, store.Update{ProcessedPages: &processed}); err != nil {
			return fmt.Errorf("record progress: %w", err)
		}
	}

	layoutPDF, err := buildLayoutPDF(annotated)
	if err != nil {
		return fmt.Errorf("assemble stage: %w", err)
	}

	outputs := artifact.Outputs{
		Markdown:    []byte(markdown.String()),
		MarkdownDet: []byte(markdownDet.String()),
		LayoutPDF:   layoutPDF,
		Images:      crops,
	}
	if err := r.artifacts.WriteOutputs(ctx, jobID, outputs); err != nil {
		return fmt.Errorf("publish stage: %w", err)
	}

	if _, err := r.tasks.Update(ctx, jobID, statusUpdate(domain.StatusCompleted)); err != nil {
		return fmt.Errorf("enter completed: %w", err)
	}
	return nil
}

func (r *Runner) markFailed(ctx context.Context, jobID string, cause error) {
	msg := cause.Error()
	failed := domain.StatusFailed
	if _, err := r.tasks.Update(ctx, jobID, store.Update{Status: &failed, ErrorMessage: &msg}); err != nil {
		r.logger.Printf("failed-state update lost job_id=%s err=%v cause=%v", jobID, err, cause)
	}
}

func statusUpdate(s domain.Status) store.Update {
	return store.Update{Status: &s}
}
