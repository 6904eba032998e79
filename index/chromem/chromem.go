// Package chromem implements index.Index on top of chromem-go, an embedded
// pure Go vector database.
package chromem

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/m-mizutani/goerr/v2"
	chromem "github.com/philippgille/chromem-go"

	"github.com/becomeliminal/nim-assistant/index"
	"github.com/becomeliminal/nim-assistant/logging"
)

// generation is one immutable-by-reference snapshot of the index contents.
// Rebuild creates a new generation and swaps it in.
type generation struct {
	col *chromem.Collection
	ids map[int64]struct{} // guarded by Index.mu
}

// Index is a single chromem collection behind an atomically swappable pointer.
type Index struct {
	name string

	mu   sync.Mutex // serialises Add, Remove and Rebuild
	cur  atomic.Pointer[generation]
	dims atomic.Int64
}

var _ index.Index = (*Index)(nil)

// New creates an empty index.
func New(name string) (*Index, error) {
	gen, err := newGeneration(name)
	if err != nil {
		return nil, err
	}
	idx := &Index{name: name}
	idx.cur.Store(gen)
	return idx, nil
}

func newGeneration(name string) (*generation, error) {
	db := chromem.NewDB()
	col, err := db.CreateCollection(
		name,
		nil, // No collection metadata
		nil, // Embeddings are always supplied by the caller
	)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create chromem collection", goerr.V("name", name))
	}
	return &generation{col: col, ids: make(map[int64]struct{})}, nil
}

// Name returns the namespace this index serves.
func (i *Index) Name() string {
	return i.name
}

// Add inserts or replaces the vector stored under id.
func (i *Index) Add(ctx context.Context, id int64, vec []float32) error {
	norm, err := index.Normalize(vec)
	if err != nil {
		return goerr.Wrap(err, "failed to normalise vector", goerr.V("id", id))
	}

	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.checkDims(len(norm)); err != nil {
		return err
	}

	gen := i.cur.Load()
	doc := chromem.Document{
		ID:        docID(id),
		Embedding: norm,
	}
	if err := gen.col.AddDocument(ctx, doc); err != nil {
		return goerr.Wrap(err, "failed to add document", goerr.V("index", i.name), goerr.V("id", id))
	}
	gen.ids[id] = struct{}{}
	i.dims.CompareAndSwap(0, int64(len(norm)))
	return nil
}

// Remove deletes id from the index. Unknown ids are ignored.
func (i *Index) Remove(ctx context.Context, id int64) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	gen := i.cur.Load()
	if _, ok := gen.ids[id]; !ok {
		return nil
	}
	if err := gen.col.Delete(ctx, nil, nil, docID(id)); err != nil {
		return goerr.Wrap(err, "failed to delete document", goerr.V("index", i.name), goerr.V("id", id))
	}
	delete(gen.ids, id)
	return nil
}

// Search returns up to k hits ordered by cosine similarity.
func (i *Index) Search(ctx context.Context, vec []float32, k int) ([]index.Hit, error) {
	gen := i.cur.Load()
	if k <= 0 || gen.col.Count() == 0 {
		return []index.Hit{}, nil
	}

	if dims := int(i.dims.Load()); dims != 0 && len(vec) != dims {
		return nil, goerr.Wrap(index.ErrDimensionMismatch, "query has wrong dimension",
			goerr.V("index", i.name), goerr.V("want", dims), goerr.V("got", len(vec)))
	}
	query, err := index.Normalize(vec)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to normalise query")
	}

	// Oversampling by k lets ties at the cut-off resolve by id. When the
	// last oversampled score still equals the k-th, the tie may run past the
	// sample, so every entry is fetched.
	results, err := i.query(ctx, gen, query, 2*k)
	if err != nil {
		return nil, err
	}
	if len(results) > k && len(results) < gen.col.Count() &&
		results[len(results)-1].Similarity == results[k-1].Similarity {
		if results, err = i.query(ctx, gen, query, gen.col.Count()); err != nil {
			return nil, err
		}
	}

	hits := make([]index.Hit, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		hits = append(hits, index.Hit{ID: id, Score: float64(r.Similarity)})
	}
	index.SortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// query asks chromem for up to n results, best first. chromem-go requires
// nResults <= collection size and the size can shrink between Count and
// QueryEmbedding, so it retries with the fresh count.
func (i *Index) query(ctx context.Context, gen *generation, vec []float32, n int) ([]chromem.Result, error) {
	var (
		results []chromem.Result
		err     error
	)
	for attempt := 0; attempt < 3; attempt++ {
		m := min(n, gen.col.Count())
		if m == 0 {
			return nil, nil
		}
		results, err = gen.col.QueryEmbedding(ctx, vec, m, nil, nil)
		if err == nil {
			return results, nil
		}
		if !isInsufficientDocsError(err) {
			break
		}
		logging.Component(ctx, "index").Debug("collection shrank during query, retrying", "index", i.name)
	}
	return nil, goerr.Wrap(err, "chromem query failed", goerr.V("index", i.name))
}

// Rebuild replaces the contents with entries. The new collection is filled
// off to the side and swapped in only once it is complete; writers wait for
// the swap, readers keep using the previous collection until then.
func (i *Index) Rebuild(ctx context.Context, entries []index.Entry) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	dims := 0
	docs := make([]chromem.Document, 0, len(entries))
	for _, e := range entries {
		norm, err := index.Normalize(e.Vector)
		if err != nil {
			return goerr.Wrap(err, "failed to normalise vector", goerr.V("id", e.ID))
		}
		if dims == 0 {
			dims = len(norm)
		} else if len(norm) != dims {
			return goerr.Wrap(index.ErrDimensionMismatch, "rebuild entries disagree on dimension",
				goerr.V("index", i.name), goerr.V("want", dims), goerr.V("got", len(norm)), goerr.V("id", e.ID))
		}
		docs = append(docs, chromem.Document{ID: docID(e.ID), Embedding: norm})
	}

	gen, err := newGeneration(i.name)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		if err := gen.col.AddDocument(ctx, doc); err != nil {
			return goerr.Wrap(err, "failed to add document during rebuild", goerr.V("index", i.name), goerr.V("id", doc.ID))
		}
	}
	for _, e := range entries {
		gen.ids[e.ID] = struct{}{}
	}

	i.cur.Store(gen)
	i.dims.Store(int64(dims))

	logging.Component(ctx, "index").Debug("index rebuilt", "index", i.name, "entries", gen.col.Count())
	return nil
}

// Len returns the number of indexed entries.
func (i *Index) Len() int {
	return i.cur.Load().col.Count()
}

// Dimensions returns the established vector size, or 0 when empty.
func (i *Index) Dimensions() int {
	return int(i.dims.Load())
}

// checkDims must be called with mu held.
func (i *Index) checkDims(n int) error {
	dims := int(i.dims.Load())
	if dims != 0 && n != dims {
		return goerr.Wrap(index.ErrDimensionMismatch, "vector has wrong dimension",
			goerr.V("index", i.name), goerr.V("want", dims), goerr.V("got", n))
	}
	return nil
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

// isInsufficientDocsError checks if error is due to insufficient documents.
func isInsufficientDocsError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}
