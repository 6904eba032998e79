// Package cache memoises embeddings in a bounded ristretto cache.
package cache

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/memory"
)

// Embedder decorates another embedder with a cost-bounded cache keyed by
// the exact input text.
type Embedder struct {
	next  memory.Embedder
	cache *ristretto.Cache
}

var _ memory.Embedder = (*Embedder)(nil)

// New wraps next. maxEntries bounds the number of cached vectors.
func New(next memory.Embedder, maxEntries int64) (*Embedder, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10, // ristretto recommends 10x the max items
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create embedding cache")
	}
	return &Embedder{next: next, cache: c}, nil
}

// Embed returns the cached vector for text, computing it on a miss.
// Callers must not modify the returned slice.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := e.cache.Get(text); ok {
		if vec, ok := v.([]float32); ok {
			return vec, nil
		}
	}

	vec, err := e.next.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	e.cache.Set(text, vec, 1)
	return vec, nil
}

// Dimensions returns the wrapped embedder's vector size.
func (e *Embedder) Dimensions() int {
	return e.next.Dimensions()
}

// Wait blocks until pending cache writes are applied.
func (e *Embedder) Wait() {
	e.cache.Wait()
}

// Close releases the cache.
func (e *Embedder) Close() {
	e.cache.Close()
}
