package knowledge_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-assistant/index/chromem"
	"github.com/becomeliminal/nim-assistant/knowledge"
	"github.com/becomeliminal/nim-assistant/memory/embedder/mock"
)

type fixture struct {
	repo      *knowledge.MemChunkRepository
	index     *chromem.Index
	ingestor  *knowledge.Ingestor
	retriever *knowledge.Retriever
}

func newFixture(t *testing.T, scorer knowledge.Scorer) *fixture {
	t.Helper()
	idx, err := chromem.New(knowledge.Namespace)
	require.NoError(t, err)
	repo := knowledge.NewMemChunkRepository()
	emb := mock.New()
	return &fixture{
		repo:      repo,
		index:     idx,
		ingestor:  knowledge.NewIngestor(repo, emb, idx, nil),
		retriever: knowledge.NewRetriever(repo, emb, idx, scorer, nil),
	}
}

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

func TestSplitWords(t *testing.T) {
	tests := []struct {
		name  string
		words int
		want  int
	}{
		{"empty", 0, 0},
		{"short", 10, 1},
		{"exact window", 500, 1},
		{"ends on second window", 950, 2},
		{"three windows", 1200, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := knowledge.SplitWords(words(tt.words), 500, 50)
			assert.Len(t, chunks, tt.want)
		})
	}

	chunks := knowledge.SplitWords(words(1200), 500, 50)
	assert.True(t, strings.HasPrefix(chunks[1], "w450 "))
	assert.True(t, strings.HasSuffix(chunks[0], " w499"))
	assert.Equal(t, 300, len(strings.Fields(chunks[2])))
}

func TestExtractHTML(t *testing.T) {
	text, err := knowledge.Extract(knowledge.Source{
		ContentType: "text/html; charset=utf-8",
		Body: `<html><head><style>p{}</style></head><body>
<nav>menu</nav><h1>Refunds</h1><p>Returns within <b>30</b> days.</p>
<script>alert(1)</script><footer>copyright</footer></body></html>`,
	})
	require.NoError(t, err)
	assert.Equal(t, "Refunds Returns within 30 days.", text)
}

func TestExtractRejectsEmptyAndUnknown(t *testing.T) {
	_, err := knowledge.Extract(knowledge.Source{Body: "   \n "})
	assert.ErrorIs(t, err, knowledge.ErrEmptyDocument)

	_, err = knowledge.Extract(knowledge.Source{ContentType: "application/pdf", Body: "x"})
	assert.ErrorIs(t, err, knowledge.ErrInvalidDocument)
}

func TestParseCategory(t *testing.T) {
	c, err := knowledge.ParseCategory(" policy ")
	require.NoError(t, err)
	assert.Equal(t, knowledge.CategoryPolicy, c)

	_, err = knowledge.ParseCategory("memo")
	assert.ErrorIs(t, err, knowledge.ErrInvalidDocument)
}

func TestIngestSkipsDuplicates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	src := knowledge.Source{Title: "Policy A", Category: "POLICY", Language: "en", Body: words(1200)}

	first, err := f.ingestor.Ingest(ctx, src)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Chunks)
	assert.NotEmpty(t, first.DocumentID)

	src.Title = "  policy   a "
	second, err := f.ingestor.Ingest(ctx, src)
	assert.ErrorIs(t, err, knowledge.ErrDuplicateDocument)
	require.NotNil(t, second)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.DocumentID, second.DocumentID)

	active, err := f.repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)
	assert.Equal(t, 3, f.index.Len())

	for i, c := range active {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, 3, c.TotalChunks)
		assert.Equal(t, first.DocumentID, c.DocumentID)
	}
}

func TestIngestSameTitleOtherCategory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.ingestor.Ingest(ctx, knowledge.Source{Title: "Returns", Category: "POLICY", Body: "returns policy"})
	require.NoError(t, err)
	_, err = f.ingestor.Ingest(ctx, knowledge.Source{Title: "Returns", Category: "FAQ", Body: "returns faq"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.index.Len())
}

func TestIngestValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	_, err := f.ingestor.Ingest(ctx, knowledge.Source{Title: "", Category: "FAQ", Body: "x"})
	assert.ErrorIs(t, err, knowledge.ErrInvalidDocument)

	_, err = f.ingestor.Ingest(ctx, knowledge.Source{Title: "T", Category: "MEMO", Body: "x"})
	assert.ErrorIs(t, err, knowledge.ErrInvalidDocument)

	_, err = f.ingestor.Ingest(ctx, knowledge.Source{Title: "T", Category: "FAQ", Body: "  "})
	assert.ErrorIs(t, err, knowledge.ErrEmptyDocument)
	assert.Equal(t, 0, f.index.Len())
}

func TestRetrieveEmptyIndex(t *testing.T) {
	f := newFixture(t, knowledge.LexicalScorer{})
	results, err := f.retriever.Retrieve(context.Background(), knowledge.Query{Text: "anything"})
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, results)
}

func ingestAll(t *testing.T, f *fixture, sources ...knowledge.Source) {
	t.Helper()
	for _, src := range sources {
		_, err := f.ingestor.Ingest(context.Background(), src)
		require.NoError(t, err)
	}
}

func TestRetrieveFilters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, knowledge.LexicalScorer{})
	ingestAll(t, f,
		knowledge.Source{Title: "Refunds EN", Category: "POLICY", Language: "en", Body: "refund requests are processed within five days"},
		knowledge.Source{Title: "Refunds FR", Category: "POLICY", Language: "fr", Body: "refund requests french edition"},
		knowledge.Source{Title: "Refund FAQ", Category: "FAQ", Language: "en", Body: "how do refund requests work"},
		knowledge.Source{Title: "Refunds Retail", Category: "POLICY", Language: "en", Industry: "retail", Body: "refund requests for retail stores"},
		knowledge.Source{Title: "Refunds Travel", Category: "POLICY", Language: "en", Industry: "travel", Body: "refund requests for travel bookings"},
	)

	titles := func(results []knowledge.Result) []string {
		var out []string
		for _, r := range results {
			out = append(out, r.Chunk.Title)
		}
		return out
	}

	t.Run("language", func(t *testing.T) {
		results, err := f.retriever.Retrieve(ctx, knowledge.Query{Text: "refund requests", Language: "FR"})
		require.NoError(t, err)
		assert.Equal(t, []string{"Refunds FR"}, titles(results))
	})

	t.Run("category allow-list", func(t *testing.T) {
		results, err := f.retriever.Retrieve(ctx, knowledge.Query{
			Text:       "refund requests",
			Categories: []knowledge.Category{knowledge.CategoryFAQ},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"Refund FAQ"}, titles(results))
	})

	t.Run("industry skips untagged chunks", func(t *testing.T) {
		results, err := f.retriever.Retrieve(ctx, knowledge.Query{
			Text:       "refund requests",
			Language:   "en",
			Categories: []knowledge.Category{knowledge.CategoryPolicy},
			Industry:   "Retail",
		})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"Refunds EN", "Refunds Retail"}, titles(results))
	})

	t.Run("no survivors", func(t *testing.T) {
		results, err := f.retriever.Retrieve(ctx, knowledge.Query{Text: "refund requests", Language: "de"})
		require.NoError(t, err)
		assert.Empty(t, results)
	})

	t.Run("limit", func(t *testing.T) {
		results, err := f.retriever.Retrieve(ctx, knowledge.Query{Text: "refund requests", Limit: 2})
		require.NoError(t, err)
		assert.Len(t, results, 2)
		assert.GreaterOrEqual(t, results[0].Score, results[1].Score)
	})
}

func TestRetrieveReranks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, knowledge.LexicalScorer{})
	ingestAll(t, f,
		knowledge.Source{Title: "Shipping", Category: "FAQ", Body: "shipping takes about a week for most orders"},
		knowledge.Source{Title: "Warranty", Category: "FAQ", Body: "warranty claims need the original receipt and warranty card"},
	)

	results, err := f.retriever.Retrieve(ctx, knowledge.Query{Text: "warranty receipt"})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "Warranty", results[0].Chunk.Title)
	assert.InDelta(t, 1.0, results[0].RerankScore, 1e-9)
}

// scoreFunc adapts a function to knowledge.Scorer.
type scoreFunc func(passage string) float64

func (f scoreFunc) Score(ctx context.Context, query string, passages []string) ([]float64, error) {
	out := make([]float64, len(passages))
	for i, p := range passages {
		out[i] = f(p)
	}
	return out, nil
}

func TestRetrieveFollowsScorerOverVector(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, scoreFunc(func(p string) float64 {
		if strings.Contains(p, "receipt") {
			return 0.55
		}
		return 0.45
	}))
	ingestAll(t, f,
		knowledge.Source{Title: "Returns", Category: "POLICY", Body: "returns policy returns policy"},
		knowledge.Source{Title: "Receipt", Category: "POLICY", Body: "keep the receipt"},
	)

	results, err := f.retriever.Retrieve(ctx, knowledge.Query{Text: "returns policy"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Greater(t, results[1].VectorScore, results[0].VectorScore)
	assert.Equal(t, "Receipt", results[0].Chunk.Title)
	assert.Equal(t, "Returns", results[1].Chunk.Title)
	assert.InDelta(t, 0.55, results[0].Score, 1e-9)
}

func TestRetrieveLanguageKeepsUntaggedChunks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, knowledge.LexicalScorer{})
	ingestAll(t, f,
		knowledge.Source{Title: "Untagged", Category: "FAQ", Body: "refund policy details"},
		knowledge.Source{Title: "French", Category: "FAQ", Language: "fr", Body: "refund policy french details"},
	)

	results, err := f.retriever.Retrieve(ctx, knowledge.Query{Text: "refund policy", Language: "en"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "Untagged", results[0].Chunk.Title)
}

func TestDeactivate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)
	res, err := f.ingestor.Ingest(ctx, knowledge.Source{Title: "Old terms", Category: "TERMS", Body: "old terms of service"})
	require.NoError(t, err)

	require.NoError(t, f.ingestor.Deactivate(ctx, res.DocumentID))
	assert.Equal(t, 0, f.index.Len())

	results, err := f.retriever.Retrieve(ctx, knowledge.Query{Text: "terms of service"})
	require.NoError(t, err)
	assert.Empty(t, results)

	err = f.ingestor.Deactivate(ctx, res.DocumentID)
	assert.ErrorIs(t, err, knowledge.ErrDocumentNotFound)

	// The title is free again once the old document is inactive.
	_, err = f.ingestor.Ingest(ctx, knowledge.Source{Title: "Old terms", Category: "TERMS", Body: "new terms of service"})
	require.NoError(t, err)
}

func TestLexicalScorer(t *testing.T) {
	scores, err := knowledge.LexicalScorer{}.Score(context.Background(), "refund policy", []string{
		"our refund policy allows returns",
		"shipping takes five days",
		"refund",
	})
	require.NoError(t, err)
	require.Len(t, scores, 3)
	assert.Zero(t, scores[1])
	assert.InDelta(t, 1.0, max(scores[0], scores[2]), 1e-9)
	assert.Greater(t, scores[2], 0.0)

	scores, err = knowledge.LexicalScorer{}.Score(context.Background(), "q", nil)
	require.NoError(t, err)
	assert.Empty(t, scores)
}

func TestFormatResults(t *testing.T) {
	assert.Empty(t, knowledge.FormatResults(nil))
	out := knowledge.FormatResults([]knowledge.Result{{Chunk: &knowledge.Chunk{Title: "T", Category: knowledge.CategoryFAQ, Content: "body"}}})
	assert.Contains(t, out, "RELEVANT KNOWLEDGE")
	assert.Contains(t, out, "[1] T (FAQ)\nbody")
}
