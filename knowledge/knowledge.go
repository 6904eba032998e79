// Package knowledge ingests reference documents into a shared vector index
// and retrieves the chunks most relevant to a query.
//
// Ingestion: extract text, split into overlapping word windows, embed every
// window, persist the chunks under one document id, rebuild the index.
// Retrieval: embed the query, oversample nearest chunks, filter on metadata,
// rerank the survivors with a relevance scorer, keep the top few.
package knowledge

import (
	"context"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

// Namespace is the shared index namespace for knowledge chunks.
const Namespace = "knowledge"

var (
	// ErrEmptyDocument is returned when extraction yields no text.
	ErrEmptyDocument = goerr.New("document has no extractable text")

	// ErrDuplicateDocument is returned when an active document with the same
	// title and category already exists.
	ErrDuplicateDocument = goerr.New("document already ingested")

	// ErrInvalidDocument is returned for a missing title or unknown category.
	ErrInvalidDocument = goerr.New("invalid document")

	// ErrDocumentNotFound is returned by Deactivate for unknown documents.
	ErrDocumentNotFound = goerr.New("document not found")
)

// Category classifies a knowledge document.
type Category string

const (
	CategoryFAQ       Category = "FAQ"
	CategoryPolicy    Category = "POLICY"
	CategoryTerms     Category = "TERMS"
	CategoryGuideline Category = "GUIDELINE"
	CategorySupport   Category = "SUPPORT"
)

// Categories lists every valid category.
var Categories = []Category{CategoryFAQ, CategoryPolicy, CategoryTerms, CategoryGuideline, CategorySupport}

// ParseCategory parses a category name case-insensitively.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Categories {
		if c == known {
			return c, nil
		}
	}
	return "", goerr.Wrap(ErrInvalidDocument, "unknown category", goerr.V("category", s))
}

// Chunk is one indexed window of a document.
type Chunk struct {
	ID          int64
	DocumentID  string
	Title       string
	Category    Category
	Industry    string // empty means untagged
	Language    string
	Content     string
	Embedding   []float32
	ChunkIndex  int
	TotalChunks int
	Active      bool
	Version     int
	CreatedAt   time.Time
}

// Embedder converts text to a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChunkRepository is the durable storage for chunks.
type ChunkRepository interface {
	// FindActiveDocument returns the id of the active document with this
	// title (compared with TitleKey) and category.
	FindActiveDocument(ctx context.Context, title string, category Category) (documentID string, found bool, err error)

	// CreateChunks persists chunks and assigns their IDs.
	CreateChunks(ctx context.Context, chunks []*Chunk) error

	// GetChunks returns the chunks with the given ids that exist.
	GetChunks(ctx context.Context, ids []int64) (map[int64]*Chunk, error)

	// ListActive returns every active chunk.
	ListActive(ctx context.Context) ([]*Chunk, error)

	// DeactivateDocument clears Active and bumps Version on every chunk of
	// a document, returning how many chunks changed.
	DeactivateDocument(ctx context.Context, documentID string) (int, error)
}

// TitleKey normalises a title for duplicate detection.
func TitleKey(title string) string {
	return strings.Join(strings.Fields(strings.ToLower(title)), " ")
}
