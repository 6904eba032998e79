package memory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemRepository is an in-process RecordRepository.
// Records are copied on the way in and out.
type MemRepository struct {
	mu      sync.RWMutex
	nextID  int64
	records map[int64]*Record
}

var _ RecordRepository = (*MemRepository)(nil)

// NewMemRepository creates an empty repository.
func NewMemRepository() *MemRepository {
	return &MemRepository{records: make(map[int64]*Record)}
}

func (r *MemRepository) Create(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	rec.ID = r.nextID
	r.records[rec.ID] = rec.Clone()
	return nil
}

func (r *MemRepository) Update(ctx context.Context, rec *Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.records[rec.ID]
	if !ok || existing.OwnerID != rec.OwnerID {
		return ErrNotFound
	}
	r.records[rec.ID] = rec.Clone()
	return nil
}

func (r *MemRepository) Get(ctx context.Context, ownerID string, id int64) (*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.records[id]
	if !ok || rec.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *MemRepository) ListActive(ctx context.Context, ownerID string) ([]*Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Record
	for _, rec := range r.records {
		if rec.OwnerID == ownerID && rec.Active {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemRepository) Owners(ctx context.Context) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, rec := range r.records {
		if rec.Active {
			seen[rec.OwnerID] = struct{}{}
		}
	}
	owners := make([]string, 0, len(seen))
	for o := range seen {
		owners = append(owners, o)
	}
	sort.Strings(owners)
	return owners, nil
}

func (r *MemRepository) ExpireBefore(ctx context.Context, ownerID string, now time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []int64
	for _, rec := range r.records {
		if rec.OwnerID == ownerID && rec.Active && rec.Expired(now) {
			rec.Active = false
			rec.UpdatedAt = now
			ids = append(ids, rec.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}
