// Package report assembles and persists the verification record.
package report

import (
	"time"

	"github.com/google/uuid"

	"github.com/andresmejia3/faceverify/internal/types"
)

// TimestampLayout is ISO-8601 in UTC with millisecond precision.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ImageMeta is what the orchestrator knows about one input after extraction.
type ImageMeta struct {
	Filename   string
	Detection  *types.Detection
	Crop       types.FaceCropArtifact
	Dimensions types.Dimensions
}

// Assembler builds reports. Clock and NewID are replaceable for tests.
type Assembler struct {
	Clock func() time.Time
	NewID func() string
}

// NewAssembler returns an Assembler using wall-clock time and random UUIDs.
func NewAssembler() *Assembler {
	return &Assembler{Clock: time.Now, NewID: uuid.NewString}
}

// Assemble combines both image sections and the decision into one record.
// It never touches the filesystem.
func (a *Assembler) Assemble(reference, query ImageMeta, result types.VerificationResult, outputDir string) types.VerificationReport {
	return types.VerificationReport{
		VerificationID:  a.NewID(),
		Timestamp:       a.Clock().UTC().Format(TimestampLayout),
		Result:          result,
		ReferenceImage:  imageSection(reference),
		QueryImage:      imageSection(query),
		OutputDirectory: outputDir,
	}
}

func imageSection(m ImageMeta) types.ImageReport {
	sec := types.ImageReport{
		Filename:        m.Filename,
		FaceDetected:    m.Detection != nil,
		FaceFile:        m.Crop.Filename,
		Coordinates:     m.Crop.Coordinates,
		ImageDimensions: m.Dimensions,
	}
	if m.Detection != nil {
		sec.DetectionScore = m.Detection.Score
	}
	return sec
}
