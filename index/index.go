// Package index defines the vector index contract used by memory and
// knowledge retrieval.
//
// Entries are opaque int64 ids mapped to L2-normalised embeddings, so the
// score of a hit is its cosine similarity to the query. All entries of one
// index share a fixed dimension, fixed by the first Add or by Rebuild.
package index

import (
	"context"
	"math"
	"sort"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from
	// the dimension already established for the index.
	ErrDimensionMismatch = goerr.New("embedding dimension mismatch")

	// ErrZeroVector is returned for vectors that cannot be normalised.
	ErrZeroVector = goerr.New("zero vector cannot be indexed")
)

// Hit is a search result.
type Hit struct {
	ID    int64
	Score float64
}

// Entry is an id/vector pair used by Rebuild.
type Entry struct {
	ID     int64
	Vector []float32
}

// Index is an approximate nearest-neighbour index over cosine similarity.
//
// Search on an empty index returns an empty slice and no error.
// Remove of an unknown id is a no-op. Rebuild replaces the whole contents
// atomically: concurrent readers see either the old or the new entries.
type Index interface {
	Add(ctx context.Context, id int64, vec []float32) error
	Remove(ctx context.Context, id int64) error
	Search(ctx context.Context, vec []float32, k int) ([]Hit, error)
	Rebuild(ctx context.Context, entries []Entry) error
	Len() int
	Dimensions() int
}

// Provider hands out one index per namespace.
type Provider interface {
	Namespace(name string) (Index, error)
}

// Normalize returns an L2-normalised copy of vec.
func Normalize(vec []float32) ([]float32, error) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		return nil, ErrZeroVector
	}

	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out, nil
}

// Cosine computes cosine similarity between two vectors of equal length.
// It returns 0 when either vector is zero or the lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// SortHits orders hits by score descending with ascending id as the
// tie-break, making result order independent of insertion order.
func SortHits(hits []Hit) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
