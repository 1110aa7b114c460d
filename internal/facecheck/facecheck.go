// Package facecheck turns face-detection and face-embedding capabilities into
// the guard's locator, identity matcher and enrollment loader.
package facecheck

import (
	"context"
	"errors"
	"math"

	"github.com/andresmejia3/presence-guard/internal/types"
)

// Detector finds face regions in a frame.
type Detector interface {
	Detect(ctx context.Context, frame *types.Frame) ([]types.Region, error)
}

// Embedder computes the identity embedding of one face region.
type Embedder interface {
	Embed(ctx context.Context, frame *types.Frame, region types.Region) (types.Embedding, error)
}

var (
	ErrNoEnrollmentDir = errors.New("enrollment directory not found")
	ErrNoEmbeddings    = errors.New("no usable enrollment embeddings")
	ErrEmptyEmbedding  = errors.New("empty embedding")
)

// EuclideanDistance returns +Inf for mismatched or empty vectors so invalid
// input can never fall under a tolerance.
func EuclideanDistance(a, b types.Embedding) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

// MinDistance is the distance from probe to the closest enrolled embedding.
func MinDistance(enrolled []types.Embedding, probe types.Embedding) float64 {
	best := math.Inf(1)
	for _, e := range enrolled {
		if d := EuclideanDistance(e, probe); d < best {
			best = d
		}
	}
	return best
}
