// Package decision turns two face descriptors into a verification verdict.
package decision

import (
	"fmt"
	"math"

	"github.com/andresmejia3/faceverify/internal/types"
)

// EuclideanDist returns the L2 distance between two descriptors.
// Descriptors of different length are a programming error and panic.
func EuclideanDist(a, b []float64) float64 {
	if len(a) != len(b) {
		panic(fmt.Sprintf("decision: descriptor dimension mismatch (%d vs %d)", len(a), len(b)))
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// Confidence maps a distance onto [0,1]: 1 at distance 0, falling linearly
// to 0 at the threshold and staying 0 beyond it.
func Confidence(distance, threshold float64) float64 {
	c := 1 - distance/threshold
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}

// Decide compares the reference and query descriptors against threshold.
// A distance equal to the threshold is a rejection.
func Decide(reference, query []float64, threshold float64) types.VerificationResult {
	dist := EuclideanDist(reference, query)
	isMatch := dist < threshold

	status := types.StatusRejected
	if isMatch {
		status = types.StatusVerified
	}

	return types.VerificationResult{
		IsMatch:      isMatch,
		FaceDistance: dist,
		Threshold:    threshold,
		Confidence:   Confidence(dist, threshold),
		Status:       status,
	}
}
