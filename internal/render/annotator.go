package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Box is one detected layout region. Coordinates are normalized to the
// 0-999 grid used by the inference output grammar.
type Box struct {
	Label          string
	X1, Y1, X2, Y2 int
}

const coordGrid = 999

// Result of annotating one page: the page with boxes drawn on it and the
// cropped regions of every "image"-labelled box, in document order.
type Result struct {
	Annotated image.Image
	Crops     []image.Image
}

var palette = []color.RGBA{
	{R: 0xd9, G: 0x3f, B: 0x3f, A: 0xff},
	{R: 0x2e, G: 0x7d, B: 0x32, A: 0xff},
	{R: 0x1a, G: 0x56, B: 0xdb, A: 0xff},
	{R: 0xb4, G: 0x5a, B: 0x0f, A: 0xff},
	{R: 0x6a, G: 0x1b, B: 0x9a, A: 0xff},
	{R: 0x00, G: 0x69, B: 0x6b, A: 0xff},
}

func labelColor(label string) color.RGBA {
	var h uint32
	for _, r := range label {
		h = h*31 + uint32(r)
	}
	return palette[h%uint32(len(palette))]
}

// Annotate decodes a page image, draws every labelled box on a copy, and
// crops the regions labelled "image". Boxes with degenerate coordinates
// are skipped rather than failing the page.
func Annotate(pageImage []byte, boxes []Box) (Result, error) {
	src, _, err := image.Decode(bytes.NewReader(pageImage))
	if err != nil {
		return Result{}, fmt.Errorf("decode page image: %w", err)
	}

	bounds := src.Bounds()
	dst := image.NewRGBA(bounds)
	draw.Draw(dst, bounds, src, bounds.Min, draw.Src)

	var crops []image.Image
	for _, box := range boxes {
		rect := box.pixelRect(bounds)
		if rect.Empty() {
			continue
		}

		if box.Label == "image" {
			crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
			draw.Draw(crop, crop.Bounds(), src, rect.Min, draw.Src)
			crops = append(crops, crop)
		}

		col := labelColor(box.Label)
		width := 2
		if box.Label == "title" {
			width = 4
		}
		drawRectOutline(dst, rect, col, width)
		fillRect(dst, rect, color.RGBA{R: col.R, G: col.G, B: col.B, A: 20})
		drawLabel(dst, rect, box.Label, col)
	}

	return Result{Annotated: dst, Crops: crops}, nil
}

// EncodeJPEG renders an image for storage or transport.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	if quality <= 0 || quality > 100 {
		quality = 95
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func (b Box) pixelRect(bounds image.Rectangle) image.Rectangle {
	w := bounds.Dx()
	h := bounds.Dy()
	rect := image.Rect(
		bounds.Min.X+b.X1*w/coordGrid,
		bounds.Min.Y+b.Y1*h/coordGrid,
		bounds.Min.X+b.X2*w/coordGrid,
		bounds.Min.Y+b.Y2*h/coordGrid,
	)
	return rect.Intersect(bounds)
}

func drawRectOutline(dst *image.RGBA, rect image.Rectangle, col color.RGBA, width int) {
	top := image.Rect(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Min.Y+width)
	bottom := image.Rect(rect.Min.X, rect.Max.Y-width, rect.Max.X, rect.Max.Y)
	left := image.Rect(rect.Min.X, rect.Min.Y, rect.Min.X+width, rect.Max.Y)
	right := image.Rect(rect.Max.X-width, rect.Min.Y, rect.Max.X, rect.Max.Y)
	for _, edge := range []image.Rectangle{top, bottom, left, right} {
		draw.Draw(dst, edge.Intersect(dst.Bounds()), &image.Uniform{C: col}, image.Point{}, draw.Over)
	}
}

func fillRect(dst *image.RGBA, rect image.Rectangle, col color.RGBA) {
	draw.Draw(dst, rect.Intersect(dst.Bounds()), &image.Uniform{C: col}, image.Point{}, draw.Over)
}

func drawLabel(dst *image.RGBA, rect image.Rectangle, label string, col color.RGBA) {
	if label == "" {
		return
	}

	y := rect.Min.Y - 4
	if y-basicfont.Face7x13.Ascent < dst.Bounds().Min.Y {
		y = rect.Min.Y + basicfont.Face7x13.Ascent + 2
	}

	drawer := font.Drawer{
		Dst:  dst,
		Src:  &image.Uniform{C: col},
		Face: basicfont.Face7x13,
		Dot: fixed.Point26_6{
			X: fixed.I(rect.Min.X),
			Y: fixed.I(y),
		},
	}
	drawer.DrawString(label)
}
