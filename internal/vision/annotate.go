// internal/vision/annotate.go
package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strconv"

	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/xkilldash9x/suture/api/schemas"
)

var (
	boxColor     = color.RGBA{R: 230, G: 0, B: 120, A: 255}
	labelBgColor = color.RGBA{R: 230, G: 0, B: 120, A: 220}
	labelFgColor = color.RGBA{R: 255, G: 255, B: 255, A: 255}
)

// basicfont.Face7x13 metrics.
const (
	glyphWidth  = 7
	glyphHeight = 13
)

// Annotate draws a numbered box around every candidate (set-of-marks) on a PNG
// screenshot and scales the result down to maxWidth pixels when wider. Candidate
// boxes are in CSS pixels and the screenshot is taken at a device scale of 1,
// so no coordinate conversion is needed before scaling.
func Annotate(screenshot []byte, cands []schemas.Candidate, maxWidth int) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(screenshot))
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}

	b := src.Bounds()
	canvas := image.NewRGBA(b)
	xdraw.Draw(canvas, b, src, b.Min, xdraw.Src)

	for _, c := range cands {
		r := image.Rect(int(c.Box.X), int(c.Box.Y), int(c.Box.X+c.Box.Width), int(c.Box.Y+c.Box.Height)).Add(b.Min)
		drawOutline(canvas, r.Intersect(b), 2)
		drawLabel(canvas, strconv.Itoa(c.Index), r.Min)
	}

	var out image.Image = canvas
	if maxWidth > 0 && b.Dx() > maxWidth {
		h := b.Dy() * maxWidth / b.Dx()
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), canvas, b, xdraw.Src, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, out); err != nil {
		return nil, fmt.Errorf("failed to encode annotated screenshot: %w", err)
	}
	return buf.Bytes(), nil
}

func drawOutline(img *image.RGBA, r image.Rectangle, thickness int) {
	if r.Empty() {
		return
	}
	fill := image.NewUniform(boxColor)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		xdraw.Draw(img, e.Intersect(r), fill, image.Point{}, xdraw.Src)
	}
}

// drawLabel renders text on a filled tag anchored at the box's top-left corner,
// kept inside the image.
func drawLabel(img *image.RGBA, text string, at image.Point) {
	bounds := img.Bounds()
	w := len(text)*glyphWidth + 4
	h := glyphHeight + 2
	tag := image.Rect(at.X, at.Y-h, at.X+w, at.Y)
	if tag.Min.Y < bounds.Min.Y {
		tag = tag.Add(image.Pt(0, bounds.Min.Y-tag.Min.Y))
	}
	if tag.Max.Y > bounds.Max.Y {
		tag = tag.Sub(image.Pt(0, tag.Max.Y-bounds.Max.Y))
	}
	if tag.Max.X > bounds.Max.X {
		tag = tag.Sub(image.Pt(tag.Max.X-bounds.Max.X, 0))
	}
	if tag.Min.X < bounds.Min.X {
		tag = tag.Add(image.Pt(bounds.Min.X-tag.Min.X, 0))
	}
	xdraw.Draw(img, tag.Intersect(bounds), image.NewUniform(labelBgColor), image.Point{}, xdraw.Src)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(labelFgColor),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(tag.Min.X+2, tag.Max.Y-3),
	}
	d.DrawString(text)
}
