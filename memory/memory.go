package memory

import (
	"context"
	"time"

	"github.com/m-mizutani/goerr/v2"
)

var (
	// ErrNotFound is returned by repositories for unknown record ids.
	ErrNotFound = goerr.New("memory record not found")

	// ErrEmptyText is returned when asked to store or match blank text.
	ErrEmptyText = goerr.New("memory text is empty")

	// ErrInvalidAction is returned by Apply for actions other than
	// save, update and delete.
	ErrInvalidAction = goerr.New("invalid memory action")
)

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), remote (HTTP service), onnx (local model),
// cache (decorator).
type Embedder interface {
	// Embed converts a single text to embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns embedding vector size.
	Dimensions() int
}

// RecordRepository is the durable storage behind Store.
// The vector index is derived state and can always be rebuilt from it.
type RecordRepository interface {
	// Create persists a new record and assigns its ID.
	Create(ctx context.Context, rec *Record) error

	// Update overwrites a stored record.
	Update(ctx context.Context, rec *Record) error

	// Get returns a copy of one record, or ErrNotFound.
	Get(ctx context.Context, ownerID string, id int64) (*Record, error)

	// ListActive returns every record of an owner with Active set,
	// expired or not.
	ListActive(ctx context.Context, ownerID string) ([]*Record, error)

	// Owners lists owners that have at least one active record.
	Owners(ctx context.Context) ([]string, error)

	// ExpireBefore flips Active to false on the owner's active records whose
	// ExpiresAt is at or before now, returning their ids.
	ExpireBefore(ctx context.Context, ownerID string, now time.Time) ([]int64, error)
}
