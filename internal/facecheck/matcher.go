package facecheck

import (
	"context"
	"fmt"

	"github.com/andresmejia3/presence-guard/internal/types"
)

// Matcher compares a live face against the enrolled set.
// The enrolled slice is never mutated after construction.
type Matcher struct {
	embedder Embedder
	enrolled []types.Embedding
}

func NewMatcher(embedder Embedder, enrolled []types.Embedding) *Matcher {
	return &Matcher{embedder: embedder, enrolled: enrolled}
}

// Distance returns the minimum Euclidean distance between region's embedding
// and the enrolled set. Any error must be treated as unauthorized.
func (m *Matcher) Distance(ctx context.Context, frame *types.Frame, region types.Region) (float64, error) {
	emb, err := m.embedder.Embed(ctx, frame, region)
	if err != nil {
		return 0, fmt.Errorf("compute embedding: %w", err)
	}
	if len(emb) == 0 {
		return 0, ErrEmptyEmbedding
	}
	return MinDistance(m.enrolled, emb), nil
}

// Enrolled reports the size of the reference set.
func (m *Matcher) Enrolled() int {
	return len(m.enrolled)
}
