// Package imaging decodes input photos and writes the face crop and
// detection overlay artifacts.
package imaging

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	_ "github.com/spakin/netpbm" // PBM/PGM/PPM/PAM scans from document readers
)

// Image is a decoded input photo. It is never modified after Load.
type Image struct {
	Path   string
	Name   string // base name, safe to put in reports
	Format string // as reported by image.Decode: "jpeg", "png", "ppm", ...
	Data   []byte // original encoded bytes, handed to model backends
	Pixels image.Image
	Width  int
	Height int
}

// Load reads and decodes the image at path.
func Load(path string) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(path, data)
}

// Decode builds an Image from already-read bytes.
func Decode(path string, data []byte) (*Image, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, fmt.Errorf("image %s has no pixels", filepath.Base(path))
	}
	return &Image{
		Path:   path,
		Name:   filepath.Base(path),
		Format: format,
		Data:   data,
		Pixels: img,
		Width:  b.Dx(),
		Height: b.Dy(),
	}, nil
}
