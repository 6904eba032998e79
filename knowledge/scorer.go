package knowledge

import (
	"context"
	"strconv"

	"github.com/blevesearch/bleve"
	"github.com/m-mizutani/goerr/v2"
)

// Scorer predicts how relevant each passage is to query. It returns one
// score per passage, in input order; higher is more relevant.
// The ONNX cross-encoder in memory/embedder/onnx satisfies this interface.
type Scorer interface {
	Score(ctx context.Context, query string, passages []string) ([]float64, error)
}

// LexicalScorer scores passages by BM25 over an in-memory bleve index built
// from the candidates, normalised to [0, 1] by the best match.
type LexicalScorer struct{}

var _ Scorer = LexicalScorer{}

type lexicalDoc struct {
	Content string `json:"content"`
}

// Score implements Scorer.
func (LexicalScorer) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	scores := make([]float64, len(passages))
	if len(passages) == 0 {
		return scores, nil
	}

	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, goerr.Wrap(err, "failed to create lexical index")
	}
	defer idx.Close()

	batch := idx.NewBatch()
	for i, p := range passages {
		if err := batch.Index(strconv.Itoa(i), lexicalDoc{Content: p}); err != nil {
			return nil, goerr.Wrap(err, "failed to index passage", goerr.V("passage", i))
		}
	}
	if err := idx.Batch(batch); err != nil {
		return nil, goerr.Wrap(err, "failed to index passages")
	}

	req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(query), len(passages), 0, false)
	res, err := idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, goerr.Wrap(err, "lexical search failed")
	}

	var best float64
	for _, hit := range res.Hits {
		i, err := strconv.Atoi(hit.ID)
		if err != nil || i < 0 || i >= len(scores) {
			continue
		}
		scores[i] = hit.Score
		best = max(best, hit.Score)
	}
	if best > 0 {
		for i := range scores {
			scores[i] /= best
		}
	}
	return scores, nil
}
