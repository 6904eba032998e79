package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/knowledge"
)

// ChunkRepository stores knowledge chunks.
type ChunkRepository struct {
	db *sql.DB
}

var _ knowledge.ChunkRepository = (*ChunkRepository)(nil)

const chunkColumns = `id, document_id, title, category, industry, language, content, embedding, chunk_index, total_chunks, active, version, created_at_ms`

func (r *ChunkRepository) FindActiveDocument(ctx context.Context, title string, category knowledge.Category) (string, bool, error) {
	var docID string
	err := r.db.QueryRowContext(ctx,
		`SELECT document_id FROM knowledge_chunks WHERE title_key = ? AND category = ? AND active = 1 LIMIT 1`,
		knowledge.TitleKey(title), string(category),
	).Scan(&docID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, goerr.Wrap(err, "failed to look up document", goerr.V("title", title))
	}
	return docID, true, nil
}

func (r *ChunkRepository) CreateChunks(ctx context.Context, chunks []*knowledge.Chunk) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx,
			`INSERT INTO knowledge_chunks (document_id, title, title_key, category, industry, language, content, embedding, chunk_index, total_chunks, active, version, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return goerr.Wrap(err, "failed to prepare chunk insert")
		}
		defer stmt.Close()

		for _, c := range chunks {
			res, err := stmt.ExecContext(ctx,
				c.DocumentID, c.Title, knowledge.TitleKey(c.Title), string(c.Category), c.Industry, c.Language,
				c.Content, encodeVector(c.Embedding), c.ChunkIndex, c.TotalChunks, boolInt(c.Active), c.Version,
				toMillis(c.CreatedAt),
			)
			if err != nil {
				return goerr.Wrap(err, "failed to insert chunk", goerr.V("document_id", c.DocumentID), goerr.V("chunk", c.ChunkIndex))
			}
			id, err := res.LastInsertId()
			if err != nil {
				return goerr.Wrap(err, "failed to read chunk id")
			}
			c.ID = id
		}
		return nil
	})
}

func (r *ChunkRepository) GetChunks(ctx context.Context, ids []int64) (map[int64]*knowledge.Chunk, error) {
	out := make(map[int64]*knowledge.Chunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM knowledge_chunks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load chunks")
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan chunk")
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

func (r *ChunkRepository) ListActive(ctx context.Context) ([]*knowledge.Chunk, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM knowledge_chunks WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list chunks")
	}
	defer rows.Close()

	var out []*knowledge.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan chunk")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *ChunkRepository) DeactivateDocument(ctx context.Context, documentID string) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE knowledge_chunks SET active = 0, version = version + 1 WHERE document_id = ? AND active = 1`, documentID)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to deactivate document", goerr.V("document_id", documentID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, goerr.Wrap(err, "failed to read affected rows")
	}
	return int(n), nil
}

func scanChunk(s scanner) (*knowledge.Chunk, error) {
	var (
		c         knowledge.Chunk
		category  string
		embedding []byte
		active    int
		created   int64
	)
	if err := s.Scan(&c.ID, &c.DocumentID, &c.Title, &category, &c.Industry, &c.Language, &c.Content,
		&embedding, &c.ChunkIndex, &c.TotalChunks, &active, &c.Version, &created); err != nil {
		return nil, err
	}
	c.Category = knowledge.Category(category)
	c.Embedding = decodeVector(embedding)
	c.Active = active != 0
	c.CreatedAt = fromMillis(created)
	return &c, nil
}
