package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/becomeliminal/nim-assistant/index/chromem"
	"github.com/becomeliminal/nim-assistant/knowledge"
	"github.com/becomeliminal/nim-assistant/memory"
	"github.com/becomeliminal/nim-assistant/memory/embedder/mock"
	"github.com/becomeliminal/nim-assistant/store/sqlite"
)

func openDB(t *testing.T, path string) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := openDB(t, "").Records()

	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	expires := now.Add(time.Hour)
	conf := 0.8
	rec := &memory.Record{
		OwnerID:    "u1",
		Content:    "prefers window seats",
		Embedding:  []float32{0.5, -0.25, 1},
		Confidence: &conf,
		Active:     true,
		CreatedAt:  now,
		UpdatedAt:  now,
		ExpiresAt:  &expires,
	}
	require.NoError(t, repo.Create(ctx, rec))
	assert.NotZero(t, rec.ID)

	got, err := repo.Get(ctx, "u1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.Content, got.Content)
	assert.Equal(t, rec.Embedding, got.Embedding)
	assert.Equal(t, 0.8, *got.Confidence)
	assert.True(t, got.Active)
	assert.True(t, got.CreatedAt.Equal(now))
	assert.True(t, got.ExpiresAt.Equal(expires))

	_, err = repo.Get(ctx, "u2", rec.ID)
	assert.ErrorIs(t, err, memory.ErrNotFound)

	rec.Content = "prefers aisle seats"
	rec.Confidence = nil
	rec.ExpiresAt = nil
	require.NoError(t, repo.Update(ctx, rec))
	got, err = repo.Get(ctx, "u1", rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "prefers aisle seats", got.Content)
	assert.Nil(t, got.Confidence)
	assert.Nil(t, got.ExpiresAt)

	missing := &memory.Record{ID: 999, OwnerID: "u1"}
	assert.ErrorIs(t, repo.Update(ctx, missing), memory.ErrNotFound)
}

func TestRecordListOwnersAndExpire(t *testing.T) {
	ctx := context.Background()
	repo := openDB(t, "").Records()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)

	for _, rec := range []*memory.Record{
		{OwnerID: "a", Content: "one", Active: true, CreatedAt: now, UpdatedAt: now, ExpiresAt: &past},
		{OwnerID: "a", Content: "two", Active: true, CreatedAt: now, UpdatedAt: now},
		{OwnerID: "b", Content: "three", Active: true, CreatedAt: now, UpdatedAt: now},
		{OwnerID: "c", Content: "gone", Active: false, CreatedAt: now, UpdatedAt: now},
	} {
		require.NoError(t, repo.Create(ctx, rec))
	}

	owners, err := repo.Owners(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, owners)

	ids, err := repo.ExpireBefore(ctx, "a", now)
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	ids, err = repo.ExpireBefore(ctx, "a", now)
	require.NoError(t, err)
	assert.Empty(t, ids)

	active, err := repo.ListActive(ctx, "a")
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "two", active[0].Content)
}

func TestChunkRepository(t *testing.T) {
	ctx := context.Background()
	repo := openDB(t, "").Chunks()

	chunks := []*knowledge.Chunk{
		{DocumentID: "d1", Title: "Policy A", Category: knowledge.CategoryPolicy, Content: "first", Embedding: []float32{1, 0}, ChunkIndex: 0, TotalChunks: 2, Active: true, Version: 1},
		{DocumentID: "d1", Title: "Policy A", Category: knowledge.CategoryPolicy, Content: "second", Embedding: []float32{0, 1}, ChunkIndex: 1, TotalChunks: 2, Active: true, Version: 1},
	}
	require.NoError(t, repo.CreateChunks(ctx, chunks))
	assert.NotZero(t, chunks[0].ID)
	assert.NotEqual(t, chunks[0].ID, chunks[1].ID)

	docID, found, err := repo.FindActiveDocument(ctx, " policy  A", knowledge.CategoryPolicy)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "d1", docID)

	_, found, err = repo.FindActiveDocument(ctx, "Policy A", knowledge.CategoryFAQ)
	require.NoError(t, err)
	assert.False(t, found)

	got, err := repo.GetChunks(ctx, []int64{chunks[1].ID, 12345})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float32{0, 1}, got[chunks[1].ID].Embedding)

	n, err := repo.DeactivateDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	got, err = repo.GetChunks(ctx, []int64{chunks[0].ID})
	require.NoError(t, err)
	assert.Equal(t, 2, got[chunks[0].ID].Version)
	assert.False(t, got[chunks[0].ID].Active)
}

func TestIndexesSurviveRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "assistant.db")
	emb := mock.New()

	db, err := sqlite.Open(path)
	require.NoError(t, err)
	store := memory.NewStore(db.Records(), emb, chromem.NewRegistry(), nil)
	_, err = store.WriteOrUpdate(ctx, "u1", "prefers window seats", nil, 0)
	require.NoError(t, err)

	kidx, err := chromem.New(knowledge.Namespace)
	require.NoError(t, err)
	_, err = knowledge.NewIngestor(db.Chunks(), emb, kidx, nil).Ingest(ctx, knowledge.Source{
		Title: "Baggage", Category: "FAQ", Body: "one cabin bag is included",
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db = openDB(t, path)
	store = memory.NewStore(db.Records(), emb, chromem.NewRegistry(), nil)
	require.NoError(t, store.RebuildAll(ctx))

	results, err := store.Read(ctx, "u1", "window seats", 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "prefers window seats", results[0].Content)

	kidx, err = chromem.New(knowledge.Namespace)
	require.NoError(t, err)
	require.NoError(t, knowledge.NewIngestor(db.Chunks(), emb, kidx, nil).Rebuild(ctx))
	found, err := knowledge.NewRetriever(db.Chunks(), emb, kidx, nil, nil).Retrieve(ctx, knowledge.Query{Text: "cabin bag"})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "Baggage", found[0].Chunk.Title)
}
