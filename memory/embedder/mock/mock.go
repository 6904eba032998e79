// Package mock provides a deterministic, model-free embedder for tests and
// offline development.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// activePerWord is the number of non-zero components each word contributes.
const activePerWord = 8

// MockEmbedder builds embeddings as the normalised sum of one sparse
// pseudo-random vector per word. Texts sharing words get proportionally
// similar vectors, which is enough to exercise similarity thresholds
// without a model.
type MockEmbedder struct {
	dimensions int
}

// New creates a new mock embedder.
func New() *MockEmbedder {
	return &MockEmbedder{
		dimensions: 384, // Match all-MiniLM-L6-v2 dimensions
	}
}

// NewWithDimensions creates a mock embedder with a custom vector size.
func NewWithDimensions(dims int) *MockEmbedder {
	if dims <= 0 {
		dims = 384
	}
	return &MockEmbedder{dimensions: dims}
}

// Embed creates a deterministic embedding from text.
func (m *MockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	words := Tokenize(text)
	if len(words) == 0 {
		// No words: fall back to hashing the raw text
		words = []string{text}
	}

	embedding := make([]float32, m.dimensions)
	for _, w := range words {
		seed := hash(w)
		for i := 0; i < activePerWord; i++ {
			// Simple LCG (Linear Congruential Generator)
			seed = seed*6364136223846793005 + 1442695040888963407
			pos := int((seed >> 16) % uint64(m.dimensions))
			if seed>>63 == 1 {
				embedding[pos]--
			} else {
				embedding[pos]++
			}
		}
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding size.
func (m *MockEmbedder) Dimensions() int {
	return m.dimensions
}

// Tokenize lower-cases text and splits it on anything that is not a letter
// or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func hash(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// normalize converts embedding to unit vector.
func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}

	if norm == 0 {
		return vec
	}

	norm = float32(math.Sqrt(float64(norm)))
	normalized := make([]float32, len(vec))
	for i, v := range vec {
		normalized[i] = v / norm
	}

	return normalized
}
