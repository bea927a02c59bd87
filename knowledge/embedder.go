package knowledge

import (
	"context"
	"crypto/sha256"
	"math"

	clubchat "github.com/aadya75/clubchat"
)

// DefaultDimensions matches the all-MiniLM-class models the production
// deployment is expected to plug in.
const DefaultDimensions = 384

// HashEmbedder is a deterministic placeholder embedder: SHA-256 of the
// text, tiled to the configured dimension, converted to floats, and
// unit-normalized. Its semantic quality is poor; it exists so tests and
// offline runs are fully reproducible. A production deployment swaps in
// a real model behind the same contract (dimension preserved, rows
// unit-normalized).
type HashEmbedder struct {
	dim int
}

var _ clubchat.EmbeddingProvider = (*HashEmbedder)(nil)

// NewHashEmbedder creates a hash embedder of the given dimension.
// Non-positive dimensions fall back to DefaultDimensions.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = DefaultDimensions
	}
	return &HashEmbedder{dim: dim}
}

func (e *HashEmbedder) Name() string    { return "sha256-hash" }
func (e *HashEmbedder) Dimensions() int { return e.dim }

func (e *HashEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.embedOne(t)
	}
	return out, nil
}

func (e *HashEmbedder) embedOne(text string) []float32 {
	digest := sha256.Sum256([]byte(text))

	// Tile the 32 digest bytes to exactly dim values.
	vec := make([]float32, e.dim)
	var norm float64
	for i := range vec {
		v := float32(digest[i%len(digest)])
		vec[i] = v
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}
