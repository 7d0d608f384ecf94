// Package geometry computes crop rectangles for detected faces.
package geometry

import "github.com/andresmejia3/faceverify/internal/types"

// Expand grows box by zoom on each axis, centered on the original box, and
// clips the result to the image. The extra width/height is split evenly on
// both sides. Fractional values are truncated toward zero so the same input
// always yields the same crop.
func Expand(box types.BoundingBox, zoom float64, imageWidth, imageHeight int) types.BoundingBox {
	if zoom < 0 {
		zoom = 0
	}
	addW := float64(box.Width) * zoom
	addH := float64(box.Height) * zoom

	x := int(float64(box.X) - addW/2)
	y := int(float64(box.Y) - addH/2)
	if x < 0 {
		x = 0
	}
	if y < 0 {
		y = 0
	}

	w := int(float64(box.Width) + addW)
	h := int(float64(box.Height) + addH)
	if w > imageWidth-x {
		w = imageWidth - x
	}
	if h > imageHeight-y {
		h = imageHeight - y
	}

	return types.BoundingBox{X: x, Y: y, Width: w, Height: h}
}

// Clamp intersects a raw detector box with the image bounds. Detectors can
// report boxes that start at negative offsets or run past the right/bottom
// edge. The result may be empty if the box lies entirely outside the image.
func Clamp(box types.BoundingBox, imageWidth, imageHeight int) types.BoundingBox {
	x1, y1 := box.X, box.Y
	x2, y2 := box.X+box.Width, box.Y+box.Height

	x1 = clampInt(x1, 0, imageWidth)
	y1 = clampInt(y1, 0, imageHeight)
	x2 = clampInt(x2, 0, imageWidth)
	y2 = clampInt(y2, 0, imageHeight)

	if x2 <= x1 || y2 <= y1 {
		return types.BoundingBox{X: x1, Y: y1}
	}
	return types.BoundingBox{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
