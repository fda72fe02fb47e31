package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"souma/node/internal/store"
)

var _ store.VesicleStore = (*VesicleStore)(nil)

type VesicleStore struct {
	db *Connection
}

func NewVesicleStore(db *Connection) *VesicleStore {
	return &VesicleStore{db: db}
}

func (s *VesicleStore) Record(ctx context.Context, rec store.VesicleRecord) error {
	if rec.Received.IsZero() {
		rec.Received = time.Now().UTC()
	}
	const query = `
		INSERT INTO vesicles (vesicle_id, status, raw, received)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (vesicle_id) DO NOTHING`

	cmd, err := s.db.Exec(ctx, query, rec.ID, rec.Status, rec.Raw, rec.Received)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return store.ErrConflict
	}
	return nil
}

func (s *VesicleStore) GetRecord(ctx context.Context, id string) (store.VesicleRecord, bool, error) {
	const query = `SELECT vesicle_id, status, raw, received FROM vesicles WHERE vesicle_id = $1`

	var rec store.VesicleRecord
	err := s.db.QueryRow(ctx, query, id).Scan(&rec.ID, &rec.Status, &rec.Raw, &rec.Received)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.VesicleRecord{}, false, nil
	}
	if err != nil {
		return store.VesicleRecord{}, false, err
	}
	return rec, true, nil
}

func (s *VesicleStore) SetStatus(ctx context.Context, id, status string) error {
	// Raw is only needed while an envelope waits for key material.
	const query = `
		UPDATE vesicles
		SET status = $2, raw = CASE WHEN $2 = $3 THEN raw ELSE NULL END
		WHERE vesicle_id = $1`

	cmd, err := s.db.Exec(ctx, query, id, status, store.StatusPendingKey)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *VesicleStore) ListByStatus(ctx context.Context, status string) ([]store.VesicleRecord, error) {
	const query = `
		SELECT vesicle_id, status, raw, received FROM vesicles
		WHERE status = $1 ORDER BY received`

	rows, err := s.db.Query(ctx, query, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.VesicleRecord
	for rows.Next() {
		var rec store.VesicleRecord
		if err := rows.Scan(&rec.ID, &rec.Status, &rec.Raw, &rec.Received); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
