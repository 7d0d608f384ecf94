package imaging

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/andresmejia3/faceverify/internal/types"
)

var (
	boxColor      = color.RGBA{0, 255, 0, 255}
	landmarkColor = color.RGBA{255, 0, 0, 255}
	labelColor    = color.RGBA{0, 255, 0, 255}
)

const (
	boxThickness   = 2
	landmarkRadius = 2
)

// OverlayFilename is the deterministic overlay name for a label, e.g. reference_detection.jpg.
func OverlayFilename(label string) string {
	return fmt.Sprintf("%s_detection.jpg", label)
}

// RenderOverlay writes a full-size copy of img with the raw (unexpanded)
// detection box, the landmarks, and the detection score drawn on top.
func RenderOverlay(img *Image, det *types.Detection, path string, quality int) error {
	canvas := image.NewRGBA(image.Rect(0, 0, img.Width, img.Height))
	draw.Draw(canvas, canvas.Bounds(), img.Pixels, img.Pixels.Bounds().Min, draw.Src)

	r := image.Rect(det.Box.X, det.Box.Y, det.Box.X+det.Box.Width, det.Box.Y+det.Box.Height)
	strokeRect(canvas, r, boxThickness, boxColor)

	for _, p := range det.Landmarks {
		fillDot(canvas, int(p.X), int(p.Y), landmarkRadius, landmarkColor)
	}

	drawLabel(canvas, fmt.Sprintf("%.3f", det.Score), det.Box.X, det.Box.Y-5)

	return writeJPEG(path, canvas, quality)
}

// strokeRect draws an outline of the given thickness inside r.
// Pixels outside the canvas are dropped by draw.Draw's clipping.
func strokeRect(dst *image.RGBA, r image.Rectangle, thickness int, c color.Color) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+thickness),
		image.Rect(r.Min.X, r.Max.Y-thickness, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+thickness, r.Max.Y),
		image.Rect(r.Max.X-thickness, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), u, image.Point{}, draw.Src)
	}
}

func fillDot(dst *image.RGBA, cx, cy, radius int, c color.Color) {
	b := dst.Bounds()
	for y := cy - radius; y <= cy+radius; y++ {
		for x := cx - radius; x <= cx+radius; x++ {
			dx, dy := x-cx, y-cy
			if dx*dx+dy*dy > radius*radius {
				continue
			}
			if image.Pt(x, y).In(b) {
				dst.Set(x, y, c)
			}
		}
	}
}

// drawLabel writes text with its baseline at (x, y), nudged back inside the
// canvas when the box touches the top edge.
func drawLabel(dst *image.RGBA, text string, x, y int) {
	face := basicfont.Face7x13
	if ascent := face.Metrics().Ascent.Ceil(); y < ascent {
		y = ascent
	}
	if x < 0 {
		x = 0
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(labelColor),
		Face: face,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
