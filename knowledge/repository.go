package knowledge

import (
	"context"
	"sort"
	"sync"
)

// MemChunkRepository is an in-process ChunkRepository.
type MemChunkRepository struct {
	mu     sync.RWMutex
	nextID int64
	chunks map[int64]*Chunk
}

var _ ChunkRepository = (*MemChunkRepository)(nil)

// NewMemChunkRepository creates an empty repository.
func NewMemChunkRepository() *MemChunkRepository {
	return &MemChunkRepository{chunks: make(map[int64]*Chunk)}
}

func (r *MemChunkRepository) FindActiveDocument(ctx context.Context, title string, category Category) (string, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	key := TitleKey(title)
	for _, c := range r.chunks {
		if c.Active && c.Category == category && TitleKey(c.Title) == key {
			return c.DocumentID, true, nil
		}
	}
	return "", false, nil
}

func (r *MemChunkRepository) CreateChunks(ctx context.Context, chunks []*Chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, c := range chunks {
		r.nextID++
		c.ID = r.nextID
		cp := *c
		r.chunks[c.ID] = &cp
	}
	return nil
}

func (r *MemChunkRepository) GetChunks(ctx context.Context, ids []int64) (map[int64]*Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[int64]*Chunk, len(ids))
	for _, id := range ids {
		if c, ok := r.chunks[id]; ok {
			cp := *c
			out[id] = &cp
		}
	}
	return out, nil
}

func (r *MemChunkRepository) ListActive(ctx context.Context) ([]*Chunk, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Chunk
	for _, c := range r.chunks {
		if c.Active {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemChunkRepository) DeactivateDocument(ctx context.Context, documentID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, c := range r.chunks {
		if c.DocumentID == documentID && c.Active {
			c.Active = false
			c.Version++
			n++
		}
	}
	return n, nil
}
