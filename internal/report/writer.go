package report

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/andresmejia3/faceverify/internal/types"
)

// Filename is the on-disk name of a report: <verificationId>.json.
func Filename(r *types.VerificationReport) string {
	return r.VerificationID + ".json"
}

// FileWriter persists reports as indented JSON inside a run directory.
type FileWriter struct{}

// Write stores r in dir and returns the report path. The JSON goes to a
// temp file first and is renamed into place, so readers never see a
// truncated report.
func (FileWriter) Write(dir string, r *types.VerificationReport) (string, error) {
	if r.VerificationID == "" {
		return "", fmt.Errorf("report has no verification id")
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to serialize report: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".report-*.tmp")
	if err != nil {
		return "", err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		cleanup()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return "", err
	}

	final := filepath.Join(dir, Filename(r))
	if err := os.Rename(tmpName, final); err != nil {
		cleanup()
		return "", err
	}
	return final, nil
}
