// Package embedding provides the text-embedding capability consumed by the
// storage backends: a small Embedder interface plus an Ollama-backed
// implementation with rate limiting and a circuit breaker.
package embedding

import (
	"context"
	"errors"
	"math"
)

// ErrUnavailable indicates the embedding provider cannot serve right now
// (service down, circuit open, rate limit exceeded with a cancelled context).
// Callers degrade to lexical-only behavior instead of failing the request.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Embedder computes fixed-length float vectors for text.
// Implementations must be safe for concurrent use.
type Embedder interface {
	// Embed returns the embedding vector for text. Fails with ErrUnavailable
	// (possibly wrapped) on transient provider failures.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector length the provider produces.
	Dimensions() int
}

// CosineSimilarity computes the cosine of the angle between two vectors,
// in [-1,1]. Returns 0 for mismatched lengths or zero-magnitude vectors.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// UnitSimilarity clamps a cosine value from [-1,1] into the [0,1] score
// convention used by all backends. Anti-correlated vectors score 0 rather
// than a negative value, so unrelated content never drags a combined score
// below what the other signal alone would give.
func UnitSimilarity(cos float64) float64 {
	if cos > 1 {
		return 1
	}
	if cos < 0 {
		return 0
	}
	return cos
}
