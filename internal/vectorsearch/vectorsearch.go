// Package vectorsearch finds the knowledge-base passages closest to a query
// embedding, either from a local SQLite table or a remote gRPC index.
package vectorsearch

import (
	"context"
	"errors"
	"math"
)

// Match is one ranked search result.
type Match struct {
	ID    string  `json:"id"`
	Label string  `json:"label,omitempty"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Searcher returns up to topK matches for vector, best first.
type Searcher interface {
	Search(ctx context.Context, vector []float32, topK int) ([]Match, error)
}

var (
	errEmptyVector = errors.New("query vector is empty")
	errBadTopK     = errors.New("top_k must be positive")
)

func validateQuery(vector []float32, topK int) error {
	if len(vector) == 0 {
		return errEmptyVector
	}
	if topK <= 0 {
		return errBadTopK
	}
	return nil
}

// cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their dimensions differ.
func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
