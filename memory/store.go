package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/index"
	"github.com/becomeliminal/nim-assistant/logging"
)

// Config holds Store configuration.
type Config struct {
	// MergeThreshold is the cosine similarity at or above which a write
	// updates the nearest active record instead of creating a new one.
	// Default: 0.35
	// Note: small sentence models (all-MiniLM-L6-v2) score related facts
	// around 0.35-0.6, so higher values rarely merge anything.
	MergeThreshold float64

	// MinSimilarity drops read results scoring below it [0.0-1.0].
	// Default: 0 (keep every nearest neighbour)
	MinSimilarity float64

	// DefaultTTL is applied to writes that do not pass a TTL.
	// Default: 30 days. Zero or negative disables expiry.
	DefaultTTL time.Duration

	// ReadLimit is used when Read is called with limit <= 0.
	// Default: 3
	ReadLimit int

	// MaxRecordsPerOwner caps active records per owner; creating beyond it
	// soft-deletes the least recently updated one. 0 disables the cap.
	// Default: 1000
	MaxRecordsPerOwner int
}

// DefaultConfig returns the defaults described on Config.
func DefaultConfig() *Config {
	return &Config{
		MergeThreshold:     0.35,
		MinSimilarity:      0,
		DefaultTTL:         30 * 24 * time.Hour,
		ReadLimit:          3,
		MaxRecordsPerOwner: 1000,
	}
}

// Store is the per-owner semantic memory.
type Store struct {
	repo     RecordRepository
	embedder Embedder
	indexes  index.Provider
	config   *Config
	now      func() time.Time

	locks sync.Map // ownerID -> *sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates a Store. A nil config uses DefaultConfig.
func NewStore(repo RecordRepository, embedder Embedder, indexes index.Provider, config *Config, opts ...Option) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	s := &Store{
		repo:     repo,
		embedder: embedder,
		indexes:  indexes,
		config:   config,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return *s.config
}

// Namespace is the vector index namespace holding an owner's memories.
func Namespace(ownerID string) string {
	return "memory/" + ownerID
}

func (s *Store) lock(ownerID string) func() {
	v, _ := s.locks.LoadOrStore(ownerID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (s *Store) index(ownerID string) (index.Index, error) {
	idx, err := s.indexes.Namespace(Namespace(ownerID))
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open memory index", goerr.V("owner", ownerID))
	}
	return idx, nil
}

func (s *Store) expiry(now time.Time, ttl time.Duration) *time.Time {
	if ttl <= 0 {
		ttl = s.config.DefaultTTL
	}
	if ttl <= 0 {
		return nil
	}
	t := now.Add(ttl)
	return &t
}

// WriteOrUpdate stores text for ownerID. When the nearest active record
// scores at least MergeThreshold it is overwritten in place and re-indexed
// under the same id; otherwise a new record is created.
// A ttl <= 0 uses Config.DefaultTTL.
func (s *Store) WriteOrUpdate(ctx context.Context, ownerID, text string, confidence *float64, ttl time.Duration) (*Record, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyText
	}
	logger := logging.Component(ctx, "memory")

	// Embed outside the owner lock
	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed memory", goerr.V("owner", ownerID))
	}

	unlock := s.lock(ownerID)
	defer unlock()

	idx, err := s.index(ownerID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	expiresAt := s.expiry(now, ttl)

	hits, err := idx.Search(ctx, embedding, 1)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search memory index", goerr.V("owner", ownerID))
	}

	if len(hits) > 0 && hits[0].Score >= s.config.MergeThreshold {
		existing, err := s.repo.Get(ctx, ownerID, hits[0].ID)
		switch {
		case err == nil && existing.Live(now):
			existing.Content = text
			existing.Embedding = embedding
			existing.Confidence = confidence
			existing.UpdatedAt = now
			existing.ExpiresAt = expiresAt
			if err := s.repo.Update(ctx, existing); err != nil {
				return nil, goerr.Wrap(err, "failed to update memory", goerr.V("owner", ownerID), goerr.V("id", existing.ID))
			}
			if err := idx.Remove(ctx, existing.ID); err != nil {
				return nil, goerr.Wrap(err, "failed to de-index memory", goerr.V("id", existing.ID))
			}
			if err := idx.Add(ctx, existing.ID, embedding); err != nil {
				return nil, goerr.Wrap(err, "failed to re-index memory", goerr.V("id", existing.ID))
			}
			logger.Info("memory updated", "owner", ownerID, "id", existing.ID, "score", hits[0].Score)
			return existing.Clone(), nil

		case err != nil && !errors.Is(err, ErrNotFound):
			return nil, goerr.Wrap(err, "failed to load matched memory", goerr.V("owner", ownerID), goerr.V("id", hits[0].ID))

		default:
			// Index points at a record that is gone, expired or inactive
			logger.Debug("stale memory index entry", "owner", ownerID, "id", hits[0].ID)
		}
	}

	if err := s.enforceCap(ctx, ownerID, idx); err != nil {
		return nil, err
	}

	rec := &Record{
		OwnerID:    ownerID,
		Content:    text,
		Embedding:  embedding,
		Confidence: confidence,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  expiresAt,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, goerr.Wrap(err, "failed to create memory", goerr.V("owner", ownerID))
	}
	if err := idx.Add(ctx, rec.ID, embedding); err != nil {
		return nil, goerr.Wrap(err, "failed to index memory", goerr.V("id", rec.ID))
	}

	logger.Info("memory created", "owner", ownerID, "id", rec.ID)
	return rec.Clone(), nil
}

// enforceCap must be called with the owner lock held.
func (s *Store) enforceCap(ctx context.Context, ownerID string, idx index.Index) error {
	if s.config.MaxRecordsPerOwner <= 0 {
		return nil
	}
	active, err := s.repo.ListActive(ctx, ownerID)
	if err != nil {
		return goerr.Wrap(err, "failed to list memories", goerr.V("owner", ownerID))
	}
	if len(active) < s.config.MaxRecordsPerOwner {
		return nil
	}

	sort.Slice(active, func(i, j int) bool {
		if !active[i].UpdatedAt.Equal(active[j].UpdatedAt) {
			return active[i].UpdatedAt.Before(active[j].UpdatedAt)
		}
		return active[i].ID < active[j].ID
	})
	for _, rec := range active[:len(active)-s.config.MaxRecordsPerOwner+1] {
		if err := s.deactivate(ctx, idx, rec); err != nil {
			return err
		}
		logging.Component(ctx, "memory").Info("memory evicted", "owner", ownerID, "id", rec.ID)
	}
	return nil
}

func (s *Store) deactivate(ctx context.Context, idx index.Index, rec *Record) error {
	rec.Active = false
	rec.UpdatedAt = s.now()
	if err := s.repo.Update(ctx, rec); err != nil {
		return goerr.Wrap(err, "failed to deactivate memory", goerr.V("id", rec.ID))
	}
	if err := idx.Remove(ctx, rec.ID); err != nil {
		return goerr.Wrap(err, "failed to de-index memory", goerr.V("id", rec.ID))
	}
	return nil
}

// Delete soft-deletes the active record nearest to query and removes it
// from the index. It returns the deleted record, or nil when nothing matched.
func (s *Store) Delete(ctx context.Context, ownerID, query string) (*Record, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyText
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed memory query", goerr.V("owner", ownerID))
	}

	unlock := s.lock(ownerID)
	defer unlock()

	idx, err := s.index(ownerID)
	if err != nil {
		return nil, err
	}
	hits, err := idx.Search(ctx, embedding, 1)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search memory index", goerr.V("owner", ownerID))
	}
	if len(hits) == 0 {
		return nil, nil
	}

	rec, err := s.repo.Get(ctx, ownerID, hits[0].ID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load matched memory", goerr.V("id", hits[0].ID))
	}
	if !rec.Active {
		return nil, nil
	}

	if err := s.deactivate(ctx, idx, rec); err != nil {
		return nil, err
	}
	logging.Component(ctx, "memory").Info("memory deleted", "owner", ownerID, "id", rec.ID, "score", hits[0].Score)
	return rec.Clone(), nil
}

// Read returns up to limit active, unexpired records nearest to query,
// highest score first. An owner with no memories yields an empty slice.
func (s *Store) Read(ctx context.Context, ownerID, query string, limit int) ([]ScoredRecord, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []ScoredRecord{}, nil
	}
	if limit <= 0 {
		limit = s.config.ReadLimit
	}

	idx, err := s.index(ownerID)
	if err != nil {
		return nil, err
	}
	if idx.Len() == 0 {
		return []ScoredRecord{}, nil
	}

	embedding, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to embed memory query", goerr.V("owner", ownerID))
	}
	hits, err := idx.Search(ctx, embedding, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to search memory index", goerr.V("owner", ownerID))
	}

	now := s.now()
	out := make([]ScoredRecord, 0, len(hits))
	for _, hit := range hits {
		if hit.Score < s.config.MinSimilarity {
			continue
		}
		rec, err := s.repo.Get(ctx, ownerID, hit.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, goerr.Wrap(err, "failed to load memory", goerr.V("id", hit.ID))
		}
		if !rec.Live(now) {
			continue
		}
		out = append(out, ScoredRecord{Record: *rec, Score: hit.Score})
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})

	logging.Component(ctx, "memory").Debug("memories read", "owner", ownerID, "hits", len(hits), "returned", len(out))
	return out, nil
}

// ListActive returns the owner's active, unexpired records, oldest first.
func (s *Store) ListActive(ctx context.Context, ownerID string) ([]*Record, error) {
	recs, err := s.repo.ListActive(ctx, ownerID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memories", goerr.V("owner", ownerID))
	}

	now := s.now()
	out := make([]*Record, 0, len(recs))
	for _, rec := range recs {
		if !rec.Expired(now) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// SweepExpired deactivates and de-indexes every record past its expiry.
// Running it again without new expiries changes nothing.
func (s *Store) SweepExpired(ctx context.Context) (int, error) {
	owners, err := s.repo.Owners(ctx)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to list memory owners")
	}

	total := 0
	for _, ownerID := range owners {
		n, err := s.sweepOwner(ctx, ownerID)
		if err != nil {
			return total, err
		}
		total += n
	}

	if total > 0 {
		logging.Component(ctx, "memory").Info("expired memories swept", "count", total, "owners", len(owners))
	}
	return total, nil
}

func (s *Store) sweepOwner(ctx context.Context, ownerID string) (int, error) {
	unlock := s.lock(ownerID)
	defer unlock()

	ids, err := s.repo.ExpireBefore(ctx, ownerID, s.now())
	if err != nil {
		return 0, goerr.Wrap(err, "failed to expire memories", goerr.V("owner", ownerID))
	}
	if len(ids) == 0 {
		return 0, nil
	}

	idx, err := s.index(ownerID)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if err := idx.Remove(ctx, id); err != nil {
			return 0, goerr.Wrap(err, "failed to de-index expired memory", goerr.V("id", id))
		}
	}
	return len(ids), nil
}

// Rebuild reconstructs the owner's index from the repository.
func (s *Store) Rebuild(ctx context.Context, ownerID string) error {
	unlock := s.lock(ownerID)
	defer unlock()

	recs, err := s.repo.ListActive(ctx, ownerID)
	if err != nil {
		return goerr.Wrap(err, "failed to list memories", goerr.V("owner", ownerID))
	}

	now := s.now()
	entries := make([]index.Entry, 0, len(recs))
	for _, rec := range recs {
		if rec.Expired(now) || len(rec.Embedding) == 0 {
			continue
		}
		entries = append(entries, index.Entry{ID: rec.ID, Vector: rec.Embedding})
	}

	idx, err := s.index(ownerID)
	if err != nil {
		return err
	}
	if err := idx.Rebuild(ctx, entries); err != nil {
		return goerr.Wrap(err, "failed to rebuild memory index", goerr.V("owner", ownerID))
	}
	return nil
}

// RebuildAll rebuilds the index of every owner with active records.
func (s *Store) RebuildAll(ctx context.Context) error {
	owners, err := s.repo.Owners(ctx)
	if err != nil {
		return goerr.Wrap(err, "failed to list memory owners")
	}
	for _, ownerID := range owners {
		if err := s.Rebuild(ctx, ownerID); err != nil {
			return err
		}
	}
	logging.Component(ctx, "memory").Info("memory indexes rebuilt", "owners", len(owners))
	return nil
}

// RunSweeper calls SweepExpired every interval until ctx is done.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepExpired(ctx); err != nil {
				logging.Component(ctx, "memory").Error("memory sweep failed", "error", err)
			}
		}
	}
}
