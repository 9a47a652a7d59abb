package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"regexp"
	"strings"

	"github.com/ocrflow/ocrflow/internal/render"
	"github.com/wudi/pdfkit/builder"
	"github.com/wudi/pdfkit/ir/semantic"
	"github.com/wudi/pdfkit/writer"
)

// PageSeparator joins per-page markdown in the aggregate outputs.
const PageSeparator = "<--- Page Split --->"

// Inference output embeds layout detections as
// <|ref|>label<|/ref|><|det|>[[x1,y1,x2,y2],...]<|/det|> with coordinates
// on a 0-999 grid.
var refPattern = regexp.MustCompile(`(?s)<\|ref\|>(.*?)<\|/ref\|><\|det\|>(.*?)<\|/det\|>`)

type layoutRef struct {
	full  string
	label string
	boxes []render.Box
}

// parseRefs extracts every layout reference from one page's raw text.
// Malformed coordinate payloads drop the ref instead of failing the page.
func parseRefs(text string) []layoutRef {
	matches := refPattern.FindAllStringSubmatch(text, -1)
	refs := make([]layoutRef, 0, len(matches))
	for _, m := range matches {
		ref := layoutRef{full: m[0], label: m[1]}

		var coords [][]int
		if err := json.Unmarshal([]byte(m[2]), &coords); err != nil {
			continue
		}
		for _, c := range coords {
			if len(c) != 4 {
				continue
			}
			ref.boxes = append(ref.boxes, render.Box{
				Label: ref.label,
				X1:    c[0], Y1: c[1], X2: c[2], Y2: c[3],
			})
		}
		if len(ref.boxes) == 0 {
			continue
		}
		refs = append(refs, ref)
	}
	return refs
}

func boxesOf(refs []layoutRef) []render.Box {
	var boxes []render.Box
	for _, ref := range refs {
		boxes = append(boxes, ref.boxes...)
	}
	return boxes
}

// cleanPage rewrites one page's raw text into presentation markdown:
// image refs become markdown links to the extracted crops, remaining refs
// are stripped, and TeX aliases and blank runs are normalized.
func cleanPage(text string, refs []layoutRef, pageIdx int) string {
	imageIdx := 0
	for _, ref := range refs {
		if ref.label == "image" {
			link := fmt.Sprintf("![](images/%d_%d.jpg)\n", pageIdx, imageIdx)
			text = strings.Replace(text, ref.full, link, 1)
			imageIdx++
			continue
		}
		text = strings.Replace(text, ref.full, "", 1)
	}

	text = strings.ReplaceAll(text, `\coloneqq`, ":=")
	text = strings.ReplaceAll(text, `\eqqcolon`, "=:")
	text = strings.ReplaceAll(text, "\n\n\n\n", "\n\n")
	text = strings.ReplaceAll(text, "\n\n\n", "\n\n")
	return text
}

// cropName matches the markdown links emitted by cleanPage.
func cropName(pageIdx, imageIdx int) string {
	return fmt.Sprintf("%d_%d.jpg", pageIdx, imageIdx)
}

func appendPage(b *strings.Builder, content string) {
	b.WriteString(content)
	b.WriteString("\n\n")
	b.WriteString(PageSeparator)
	b.WriteString("\n")
}

// buildLayoutPDF packs the annotated page images into a single PDF, one
// page per image, scaled onto A4-width pages.
func buildLayoutPDF(pages []image.Image) ([]byte, error) {
	const pageWidth = 595.0

	b := builder.NewBuilder()
	for _, img := range pages {
		bounds := img.Bounds()
		w := bounds.Dx()
		h := bounds.Dy()
		if w == 0 || h == 0 {
			continue
		}

		scale := pageWidth / float64(w)
		pageHeight := float64(h) * scale

		pdfImg := &semantic.Image{
			Width:            w,
			Height:           h,
			BitsPerComponent: 8,
			ColorSpace:       semantic.DeviceColorSpace{Name: "DeviceRGB"},
			Data:             imageToRGB(img),
		}

		b.NewPage(pageWidth, pageHeight).
			DrawImage(pdfImg, 0, 0, pageWidth, pageHeight, builder.ImageOptions{}).
			Finish()
	}

	doc, err := b.Build()
	if err != nil {
		return nil, fmt.Errorf("build layout document: %w", err)
	}

	var buf bytes.Buffer
	w := writer.NewWriter()
	if err := w.Write(context.Background(), doc, &buf, writer.Config{}); err != nil {
		return nil, fmt.Errorf("write layout document: %w", err)
	}
	return buf.Bytes(), nil
}

func imageToRGB(img image.Image) []byte {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	data := make([]byte, 0, w*h*3)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			data = append(data, byte(r>>8), byte(g>>8), byte(b>>8))
		}
	}
	return data
}
