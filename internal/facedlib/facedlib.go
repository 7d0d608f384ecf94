//go:build dlib

// Package facedlib runs detection in-process with dlib through go-face.
// It needs the dlib models (shape_predictor_5_face_landmarks.dat,
// dlib_face_recognition_resnet_model_v1.dat, mmod_human_face_detector.dat)
// in the models directory and a cgo toolchain with dlib installed.
package facedlib

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"sync"

	"github.com/Kagami/go-face"

	"github.com/andresmejia3/faceverify/internal/imaging"
	"github.com/andresmejia3/faceverify/internal/types"
)

// dlib reports no per-face confidence; every face it returns counts as certain.
const detectionScore = 1.0

// Detector wraps a go-face recognizer. dlib is not reentrant, so calls are
// serialized.
type Detector struct {
	mu  sync.Mutex
	rec *face.Recognizer
}

// New loads the models found in modelsDir.
func New(modelsDir string) (*Detector, error) {
	rec, err := face.NewRecognizer(modelsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load dlib models from %s: %w", modelsDir, err)
	}
	return &Detector{rec: rec}, nil
}

func (d *Detector) DetectPrimaryFace(ctx context.Context, img *imaging.Image) (*types.Detection, error) {
	data, err := jpegBytes(img)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	faces, err := d.rec.Recognize(data)
	if err != nil {
		return nil, err
	}
	if len(faces) == 0 {
		return nil, nil
	}
	return toDetection(faces[0]), nil
}

func toDetection(f face.Face) *types.Detection {
	r := f.Rectangle
	det := &types.Detection{
		Box:        types.BoundingBox{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()},
		Score:      detectionScore,
		Landmarks:  make([]types.Point, len(f.Shapes)),
		Descriptor: make([]float64, len(f.Descriptor)),
	}
	for i, p := range f.Shapes {
		det.Landmarks[i] = types.Point{X: float64(p.X), Y: float64(p.Y)}
	}
	for i, v := range f.Descriptor {
		det.Descriptor[i] = float64(v)
	}
	return det
}

// jpegBytes returns img as JPEG, which is the only format go-face decodes.
func jpegBytes(img *imaging.Image) ([]byte, error) {
	if img.Format == "jpeg" {
		return img.Data, nil
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img.Pixels, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to re-encode %s as JPEG: %w", img.Name, err)
	}
	return buf.Bytes(), nil
}

// Close frees the dlib models.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec != nil {
		d.rec.Close()
		d.rec = nil
	}
	return nil
}
