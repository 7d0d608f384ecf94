package imaging

import (
	"fmt"
	"image"
	"image/draw"
	"path/filepath"

	"github.com/andresmejia3/faceverify/internal/geometry"
	"github.com/andresmejia3/faceverify/internal/types"
)

// CropFilename is the deterministic crop name for a label, e.g. face_reference.jpg.
func CropFilename(label string) string {
	return fmt.Sprintf("face_%s.jpg", label)
}

// Extractor saves zoomed-out face crops.
type Extractor struct {
	ZoomOutFactor float64
	JPEGQuality   int
}

// Extract crops the face described by det out of img, writes it as
// <dir>/face_<label>.jpg and returns the crop metadata. The crop is copied
// 1:1 into a canvas of the same size, so no resampling happens.
func (e Extractor) Extract(img *Image, det *types.Detection, label, dir string) (types.FaceCropArtifact, error) {
	box := geometry.Expand(det.Box, e.ZoomOutFactor, img.Width, img.Height)
	if box.Empty() {
		return types.FaceCropArtifact{}, fmt.Errorf("empty crop region for %s", label)
	}

	// Pixels may not start at (0,0) for every decoder.
	origin := img.Pixels.Bounds().Min
	src := image.Pt(origin.X+box.X, origin.Y+box.Y)

	dst := image.NewRGBA(image.Rect(0, 0, box.Width, box.Height))
	draw.Draw(dst, dst.Bounds(), img.Pixels, src, draw.Src)

	name := CropFilename(label)
	if err := writeJPEG(filepath.Join(dir, name), dst, e.JPEGQuality); err != nil {
		return types.FaceCropArtifact{}, err
	}

	return types.FaceCropArtifact{
		Filename:       name,
		Coordinates:    box,
		DetectionScore: det.Score,
	}, nil
}
