package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/m-mizutani/goerr/v2"

	"github.com/becomeliminal/nim-assistant/memory"
)

// RecordRepository stores memory records.
type RecordRepository struct {
	db *sql.DB
}

var _ memory.RecordRepository = (*RecordRepository)(nil)

const recordColumns = `id, owner_id, content, embedding, confidence, active, created_at_ms, updated_at_ms, expires_at_ms`

func (r *RecordRepository) Create(ctx context.Context, rec *memory.Record) error {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO memory_records (owner_id, content, embedding, confidence, active, created_at_ms, updated_at_ms, expires_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.OwnerID, rec.Content, encodeVector(rec.Embedding), nullFloat(rec.Confidence),
		boolInt(rec.Active), toMillis(rec.CreatedAt), toMillis(rec.UpdatedAt), nullMillis(rec.ExpiresAt),
	)
	if err != nil {
		return goerr.Wrap(err, "failed to insert memory record", goerr.V("owner", rec.OwnerID))
	}
	id, err := res.LastInsertId()
	if err != nil {
		return goerr.Wrap(err, "failed to read record id")
	}
	rec.ID = id
	return nil
}

func (r *RecordRepository) Update(ctx context.Context, rec *memory.Record) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE memory_records
		 SET content = ?, embedding = ?, confidence = ?, active = ?, updated_at_ms = ?, expires_at_ms = ?
		 WHERE id = ? AND owner_id = ?`,
		rec.Content, encodeVector(rec.Embedding), nullFloat(rec.Confidence), boolInt(rec.Active),
		toMillis(rec.UpdatedAt), nullMillis(rec.ExpiresAt), rec.ID, rec.OwnerID,
	)
	if err != nil {
		return goerr.Wrap(err, "failed to update memory record", goerr.V("id", rec.ID))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return goerr.Wrap(err, "failed to read affected rows")
	}
	if n == 0 {
		return memory.ErrNotFound
	}
	return nil
}

func (r *RecordRepository) Get(ctx context.Context, ownerID string, id int64) (*memory.Record, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records WHERE id = ? AND owner_id = ?`, id, ownerID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, memory.ErrNotFound
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load memory record", goerr.V("id", id))
	}
	return rec, nil
}

func (r *RecordRepository) ListActive(ctx context.Context, ownerID string) ([]*memory.Record, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM memory_records WHERE owner_id = ? AND active = 1 ORDER BY id`, ownerID)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list memory records", goerr.V("owner", ownerID))
	}
	defer rows.Close()

	var out []*memory.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, goerr.Wrap(err, "failed to scan memory record")
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *RecordRepository) Owners(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT owner_id FROM memory_records WHERE active = 1 ORDER BY owner_id`)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list owners")
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, goerr.Wrap(err, "failed to scan owner")
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

func (r *RecordRepository) ExpireBefore(ctx context.Context, ownerID string, now time.Time) ([]int64, error) {
	var ids []int64
	err := withTx(ctx, r.db, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM memory_records
			 WHERE owner_id = ? AND active = 1 AND expires_at_ms IS NOT NULL AND expires_at_ms <= ?
			 ORDER BY id`, ownerID, toMillis(now))
		if err != nil {
			return goerr.Wrap(err, "failed to select expired records")
		}
		for rows.Next() {
			var id int64
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return goerr.Wrap(err, "failed to scan record id")
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return goerr.Wrap(err, "failed to read expired records")
		}

		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE memory_records SET active = 0, updated_at_ms = ? WHERE id = ?`, toMillis(now), id); err != nil {
				return goerr.Wrap(err, "failed to expire record", goerr.V("id", id))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*memory.Record, error) {
	var (
		rec        memory.Record
		embedding  []byte
		confidence sql.NullFloat64
		active     int
		created    int64
		updated    int64
		expires    sql.NullInt64
	)
	if err := s.Scan(&rec.ID, &rec.OwnerID, &rec.Content, &embedding, &confidence, &active, &created, &updated, &expires); err != nil {
		return nil, err
	}
	rec.Embedding = decodeVector(embedding)
	if confidence.Valid {
		v := confidence.Float64
		rec.Confidence = &v
	}
	rec.Active = active != 0
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	if expires.Valid {
		t := fromMillis(expires.Int64)
		rec.ExpiresAt = &t
	}
	return &rec, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}
