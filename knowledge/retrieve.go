package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/index"
	"github.com/becomeliminal/nim-assistant/logging"
)

// RetrieveConfig controls retrieval.
type RetrieveConfig struct {
	// Candidates is how many nearest chunks are fetched before filtering.
	// Default: 20
	Candidates int

	// Limit is used when a Query does not set one. Default: 5
	Limit int

	// RerankWeight blends scorer output with vector similarity:
	// score = w*rerank + (1-w)*vector. Default: 1 (scorer order only)
	RerankWeight float64
}

// DefaultRetrieveConfig returns the defaults described on RetrieveConfig.
func DefaultRetrieveConfig() *RetrieveConfig {
	return &RetrieveConfig{
		Candidates:   20,
		Limit:        5,
		RerankWeight: 1,
	}
}

// Query selects knowledge chunks.
type Query struct {
	Text  string
	Limit int

	// Categories is an allow-list; empty allows every category.
	Categories []Category

	// Industry only filters chunks that carry an industry tag.
	Industry string

	// Language is matched exactly, ignoring case, against chunks that carry
	// a language tag. Empty matches all.
	Language string
}

// Result is a retrieved chunk with its scores.
type Result struct {
	Chunk       *Chunk
	Score       float64
	VectorScore float64
	RerankScore float64
}

// Retriever finds the chunks most relevant to a query.
type Retriever struct {
	repo     ChunkRepository
	embedder Embedder
	index    index.Index
	scorer   Scorer
	config   *RetrieveConfig
}

// NewRetriever creates a Retriever. A nil scorer ranks by vector
// similarity alone; a nil config uses DefaultRetrieveConfig.
func NewRetriever(repo ChunkRepository, embedder Embedder, idx index.Index, scorer Scorer, config *RetrieveConfig) *Retriever {
	if config == nil {
		config = DefaultRetrieveConfig()
	}
	return &Retriever{
		repo:     repo,
		embedder: embedder,
		index:    idx,
		scorer:   scorer,
		config:   config,
	}
}

// Retrieve returns up to q.Limit chunks, best first. An empty index or a
// query whose candidates are all filtered out yields an empty slice.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]Result, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" || r.index.Len() == 0 {
		return []Result{}, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = r.config.Limit
	}

	vec, err := r.embedder.Embed(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed query")
	}
	hits, err := r.index.Search(ctx, vec, max(r.config.Candidates, limit))
	if err != nil {
		return nil, goerr.Wrap(err, "knowledge search failed")
	}
	if len(hits) == 0 {
		return []Result{}, nil
	}

	ids := make([]int64, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	chunks, err := r.repo.GetChunks(ctx, ids)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load chunks")
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		c, ok := chunks[h.ID]
		if !ok || !c.Active || !q.matches(c) {
			continue
		}
		results = append(results, Result{Chunk: c, Score: h.Score, VectorScore: h.Score})
	}
	if len(results) == 0 {
		return results, nil
	}

	r.rerank(ctx, text, results)

	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Chunk.ID < results[j].Chunk.ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// rerank rescores results in place. A failing scorer leaves vector scores.
func (r *Retriever) rerank(ctx context.Context, query string, results []Result) {
	if r.scorer == nil {
		return
	}
	passages := make([]string, len(results))
	for i, res := range results {
		passages[i] = res.Chunk.Content
	}
	scores, err := r.scorer.Score(ctx, query, passages)
	if err != nil || len(scores) != len(results) {
		logging.Component(ctx, "knowledge").Warn("rerank failed, keeping vector order", "error", err)
		return
	}
	w := r.config.RerankWeight
	for i := range results {
		results[i].RerankScore = scores[i]
		results[i].Score = w*scores[i] + (1-w)*results[i].VectorScore
	}
}

func (q Query) matches(c *Chunk) bool {
	if q.Language != "" && c.Language != "" && !strings.EqualFold(q.Language, c.Language) {
		return false
	}
	if len(q.Categories) > 0 {
		allowed := false
		for _, cat := range q.Categories {
			if strings.EqualFold(string(cat), string(c.Category)) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}
	if q.Industry != "" && c.Industry != "" && !strings.EqualFold(q.Industry, c.Industry) {
		return false
	}
	return true
}

// FormatResults renders results for prompt injection.
func FormatResults(results []Result) string {
	if len(results) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("=== RELEVANT KNOWLEDGE ===\n")
	for i, res := range results {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n", i+1, res.Chunk.Title, res.Chunk.Category, res.Chunk.Content)
	}
	return sb.String()
}
