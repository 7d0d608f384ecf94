package pipeline

import (
	"errors"
	"fmt"
)

// Failure kinds. Every error returned by Orchestrator.Verify is an *Error
// whose kind matches exactly one of these under errors.Is.
var (
	ErrInputNotFound       = errors.New("input image not found")
	ErrInputUnreadable     = errors.New("input image unreadable")
	ErrNoFaceDetected      = errors.New("no face detected")
	ErrLowDetectionQuality = errors.New("low detection score")
	ErrDetectionFailed     = errors.New("face detection failed")
	ErrArtifactIO          = errors.New("artifact write failed")
	ErrTimeout             = errors.New("verification timed out")
	ErrCanceled            = errors.New("verification canceled")
)

// Error is a terminal pipeline failure.
type Error struct {
	Kind     error
	State    State  // last state reached before failing
	Image    string // "reference" or "query"; empty for run-wide failures
	Path     string
	Score    float64
	MinScore float64
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case ErrInputNotFound:
		return fmt.Sprintf("%s image not found: %s", e.Image, e.Path)
	case ErrInputUnreadable:
		return fmt.Sprintf("%s image could not be read: %v", e.Image, e.Err)
	case ErrNoFaceDetected:
		return fmt.Sprintf("no face detected in %s image", e.Image)
	case ErrLowDetectionQuality:
		return fmt.Sprintf("low detection score for %s image: %s (minimum %s)",
			e.Image, formatScore(e.Score), formatScore(e.MinScore))
	case ErrDetectionFailed:
		return fmt.Sprintf("face detection failed for %s image: %v", e.Image, e.Err)
	case ErrArtifactIO:
		return fmt.Sprintf("failed to write %s: %v", e.Path, e.Err)
	case ErrTimeout:
		return fmt.Sprintf("verification timed out after %s", e.State)
	case ErrCanceled:
		return fmt.Sprintf("verification canceled after %s", e.State)
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "verification failed"
}

// Is matches the failure kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// formatScore matches the CLI summary. Scores from the Python worker are
// widened float32 values.
func formatScore(v float64) string {
	return fmt.Sprintf("%.3f", v)
}
