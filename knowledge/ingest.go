package knowledge

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"golang.org/x/sync/errgroup"

	"github.com/becomeliminal/nim-assistant/index"
	"github.com/becomeliminal/nim-assistant/logging"
)

// IngestConfig controls chunking and embedding during ingestion.
type IngestConfig struct {
	// ChunkSize is the window size in words. Default: 500
	ChunkSize int

	// ChunkOverlap is the number of words shared by consecutive windows.
	// Default: 50
	ChunkOverlap int

	// Concurrency bounds parallel embedding calls. Default: 4
	Concurrency int
}

// DefaultIngestConfig returns the defaults described on IngestConfig.
func DefaultIngestConfig() *IngestConfig {
	return &IngestConfig{
		ChunkSize:    DefaultChunkSize,
		ChunkOverlap: DefaultChunkOverlap,
		Concurrency:  4,
	}
}

// IngestResult describes one ingestion.
type IngestResult struct {
	DocumentID string
	Chunks     int
	Duplicate  bool
}

// Ingestor turns source documents into indexed chunks.
type Ingestor struct {
	repo     ChunkRepository
	embedder Embedder
	index    index.Index
	config   *IngestConfig
	now      func() time.Time

	// mu serialises ingestion so the duplicate check and the write are
	// atomic with respect to each other.
	mu sync.Mutex
}

// NewIngestor creates an Ingestor writing into idx. A nil config uses
// DefaultIngestConfig.
func NewIngestor(repo ChunkRepository, embedder Embedder, idx index.Index, config *IngestConfig) *Ingestor {
	if config == nil {
		config = DefaultIngestConfig()
	}
	return &Ingestor{
		repo:     repo,
		embedder: embedder,
		index:    idx,
		config:   config,
		now:      time.Now,
	}
}

// Ingest extracts, chunks, embeds and persists src, then rebuilds the
// knowledge index from every active chunk.
//
// Re-ingesting an active (title, category) pair returns a result with
// Duplicate set alongside ErrDuplicateDocument; nothing is written.
func (g *Ingestor) Ingest(ctx context.Context, src Source) (*IngestResult, error) {
	title := strings.TrimSpace(src.Title)
	if title == "" {
		return nil, goerr.Wrap(ErrInvalidDocument, "title is required")
	}
	category, err := ParseCategory(src.Category)
	if err != nil {
		return nil, err
	}

	text, err := Extract(src)
	if err != nil {
		return nil, err
	}
	windows := SplitWords(text, g.config.ChunkSize, g.config.ChunkOverlap)
	if len(windows) == 0 {
		return nil, goerr.Wrap(ErrEmptyDocument, "no chunks produced", goerr.V("title", title))
	}

	logger := logging.Component(ctx, "knowledge")

	g.mu.Lock()
	defer g.mu.Unlock()

	existing, found, err := g.repo.FindActiveDocument(ctx, title, category)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to check for duplicate document")
	}
	if found {
		logger.Info("skipping duplicate document", "title", title, "category", category, "document_id", existing)
		return &IngestResult{DocumentID: existing, Duplicate: true},
			goerr.Wrap(ErrDuplicateDocument, "document already ingested",
				goerr.V("title", title), goerr.V("category", category))
	}

	embeddings, err := g.embedAll(ctx, windows)
	if err != nil {
		return nil, err
	}

	docID := uuid.NewString()
	now := g.now()
	chunks := make([]*Chunk, len(windows))
	for i, w := range windows {
		chunks[i] = &Chunk{
			DocumentID:  docID,
			Title:       title,
			Category:    category,
			Industry:    strings.TrimSpace(src.Industry),
			Language:    strings.ToLower(strings.TrimSpace(src.Language)),
			Content:     w,
			Embedding:   embeddings[i],
			ChunkIndex:  i,
			TotalChunks: len(windows),
			Active:      true,
			Version:     1,
			CreatedAt:   now,
		}
	}
	if err := g.repo.CreateChunks(ctx, chunks); err != nil {
		return nil, goerr.Wrap(err, "failed to persist chunks", goerr.V("document_id", docID))
	}

	if err := g.rebuild(ctx); err != nil {
		return nil, err
	}

	logger.Info("ingested document", "title", title, "category", category, "document_id", docID, "chunks", len(chunks))
	return &IngestResult{DocumentID: docID, Chunks: len(chunks)}, nil
}

func (g *Ingestor) embedAll(ctx context.Context, windows []string) ([][]float32, error) {
	out := make([][]float32, len(windows))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(max(g.config.Concurrency, 1))
	for i, w := range windows {
		eg.Go(func() error {
			vec, err := g.embedder.Embed(ctx, w)
			if err != nil {
				return goerr.Wrap(err, "failed to embed chunk", goerr.V("chunk", i))
			}
			out[i] = vec
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Deactivate retires every chunk of a document and rebuilds the index.
func (g *Ingestor) Deactivate(ctx context.Context, documentID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	n, err := g.repo.DeactivateDocument(ctx, documentID)
	if err != nil {
		return goerr.Wrap(err, "failed to deactivate document", goerr.V("document_id", documentID))
	}
	if n == 0 {
		return goerr.Wrap(ErrDocumentNotFound, "nothing to deactivate", goerr.V("document_id", documentID))
	}
	logging.Component(ctx, "knowledge").Info("deactivated document", "document_id", documentID, "chunks", n)
	return g.rebuild(ctx)
}

// Rebuild reloads the index from the repository's active chunks.
func (g *Ingestor) Rebuild(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.rebuild(ctx)
}

func (g *Ingestor) rebuild(ctx context.Context) error {
	chunks, err := g.repo.ListActive(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to list active chunks")
	}
	entries := make([]index.Entry, 0, len(chunks))
	for _, c := range chunks {
		if len(c.Embedding) == 0 {
			continue
		}
		entries = append(entries, index.Entry{ID: c.ID, Vector: c.Embedding})
	}
	if err := g.index.Rebuild(ctx, entries); err != nil {
		return goerr.Wrap(err, "failed to rebuild knowledge index")
	}
	return nil
}

// Size is the number of entries in the knowledge index.
func (g *Ingestor) Size() int {
	return g.index.Len()
}
