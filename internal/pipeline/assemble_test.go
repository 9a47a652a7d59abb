package pipeline

import (
	"bytes"
	"image"
	"image/color"
	"strings"
	"testing"
)

func TestParseRefs(t *testing.T) {
	text := "intro\n" +
		"<|ref|>title<|/ref|><|det|>[[10,20,800,90]]<|/det|>\n" +
		"<|ref|>image<|/ref|><|det|>[[100,100,500,500],[600,100,900,500]]<|/det|>\n" +
		"<|ref|>broken<|/ref|><|det|>not json<|/det|>\n" +
		"<|ref|>short<|/ref|><|det|>[[1,2,3]]<|/det|>\n"

	refs := parseRefs(text)
	if len(refs) != 2 {
		t.Fatalf("expected 2 parseable refs, got %d", len(refs))
	}

	if refs[0].label != "title" || len(refs[0].boxes) != 1 {
		t.Fatalf("unexpected first ref: %+v", refs[0])
	}
	if refs[1].label != "image" || len(refs[1].boxes) != 2 {
		t.Fatalf("unexpected second ref: %+v", refs[1])
	}

	box := refs[0].boxes[0]
	if box.X1 != 10 || box.Y1 != 20 || box.X2 != 800 || box.Y2 != 90 {
		t.Fatalf("unexpected box coordinates: %+v", box)
	}
	if box.Label != "title" {
		t.Fatalf("box label not propagated: %q", box.Label)
	}
}

func TestParseRefsMultilineCoords(t *testing.T) {
	text := "<|ref|>table<|/ref|><|det|>[[10,10,\n900,900]]<|/det|>"
	refs := parseRefs(text)
	if len(refs) != 1 {
		t.Fatalf("expected ref spanning lines to parse, got %d", len(refs))
	}
}

func TestCleanPageRewritesImageRefs(t *testing.T) {
	text := "# Title\n" +
		"<|ref|>image<|/ref|><|det|>[[100,100,500,500]]<|/det|>\n" +
		"<|ref|>image<|/ref|><|det|>[[100,600,500,900]]<|/det|>\n" +
		"<|ref|>text<|/ref|><|det|>[[10,10,900,90]]<|/det|>paragraph\n" +
		`a \coloneqq b and c \eqqcolon d`

	refs := parseRefs(text)
	out := cleanPage(text, refs, 3)

	if !strings.Contains(out, "![](images/3_0.jpg)") || !strings.Contains(out, "![](images/3_1.jpg)") {
		t.Fatalf("expected crop links for page 3, got %q", out)
	}
	if strings.Contains(out, "<|ref|>") || strings.Contains(out, "<|det|>") {
		t.Fatalf("expected all ref markup stripped, got %q", out)
	}
	if !strings.Contains(out, "a := b and c =: d") {
		t.Fatalf("expected TeX aliases normalized, got %q", out)
	}
}

func TestCropNameMatchesCleanPageLinks(t *testing.T) {
	if got := cropName(3, 1); got != "3_1.jpg" {
		t.Fatalf("crop name %q does not match markdown links", got)
	}
}

func TestAppendPage(t *testing.T) {
	var b strings.Builder
	appendPage(&b, "first")
	appendPage(&b, "second")

	parts := strings.Split(b.String(), PageSeparator)
	if len(parts) != 3 {
		t.Fatalf("expected 2 separators, got %d parts", len(parts)-1)
	}
	if !strings.Contains(parts[0], "first") || !strings.Contains(parts[1], "second") {
		t.Fatalf("pages out of order: %q", b.String())
	}
}

func TestBuildLayoutPDF(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 60, 80))
	for y := 0; y < 80; y++ {
		for x := 0; x < 60; x++ {
			img.Set(x, y, color.RGBA{R: 0xee, G: 0xee, B: 0xee, A: 0xff})
		}
	}

	pdf, err := buildLayoutPDF([]image.Image{img, img})
	if err != nil {
		t.Fatalf("build layout pdf: %v", err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		t.Fatal("expected PDF header")
	}
}

func TestBuildLayoutPDFEmpty(t *testing.T) {
	pdf, err := buildLayoutPDF(nil)
	if err != nil {
		t.Fatalf("build empty layout pdf: %v", err)
	}
	if !bytes.HasPrefix(pdf, []byte("%PDF")) {
		t.Fatal("expected PDF header even with no pages")
	}
}

func TestImageToRGB(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 0xff, A: 0xff})

	data := imageToRGB(img)
	if len(data) != 2*2*3 {
		t.Fatalf("expected packed RGB triples, got %d bytes", len(data))
	}
	if data[0] != 0xff || data[1] != 0x00 || data[2] != 0x00 {
		t.Fatalf("unexpected first pixel: %v", data[:3])
	}
}
