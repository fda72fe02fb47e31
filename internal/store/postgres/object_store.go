package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"

	"souma/node/internal/store"
	"souma/node/pkg/models"
)

var _ store.ObjectStore = (*ObjectStore)(nil)

type ObjectStore struct {
	db *Connection
}

func NewObjectStore(db *Connection) *ObjectStore {
	return &ObjectStore{db: db}
}

func (s *ObjectStore) Get(ctx context.Context, t models.ObjectType, id string) (models.Object, bool, error) {
	const query = `
		SELECT state, changeset FROM objects
		WHERE object_type = $1 AND object_id = $2`

	var state int
	var raw []byte
	err := s.db.QueryRow(ctx, query, string(t), id).Scan(&state, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	obj, err := decodeObject(t, models.State(state), raw)
	if err != nil {
		return nil, false, err
	}
	return obj, true, nil
}

func (s *ObjectStore) Put(ctx context.Context, obj models.Object) error {
	const query = `
		INSERT INTO objects (object_type, object_id, creator_id, state, modified, changeset)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (object_type, object_id)
		DO UPDATE SET creator_id = $3, state = $4, modified = $5, changeset = $6`

	raw, err := json.Marshal(obj.Export())
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, query,
		string(obj.ObjectType()), obj.ObjectID(), obj.CreatorID(), int(obj.CurrentState()), obj.ModifiedAt(), raw)
	return err
}

func (s *ObjectStore) Delete(ctx context.Context, t models.ObjectType, id string) error {
	const query = `DELETE FROM objects WHERE object_type = $1 AND object_id = $2`
	cmd, err := s.db.Exec(ctx, query, string(t), id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *ObjectStore) ListByType(ctx context.Context, t models.ObjectType) ([]models.Object, error) {
	const query = `
		SELECT state, changeset FROM objects
		WHERE object_type = $1 ORDER BY object_id`

	rows, err := s.db.Query(ctx, query, string(t))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Object
	for rows.Next() {
		var state int
		var raw []byte
		if err := rows.Scan(&state, &raw); err != nil {
			return nil, err
		}
		obj, err := decodeObject(t, models.State(state), raw)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *ObjectStore) ListByCreator(ctx context.Context, t models.ObjectType, creatorID string) ([]models.Object, error) {
	const query = `
		SELECT state, changeset FROM objects
		WHERE object_type = $1 AND creator_id = $2 ORDER BY object_id`

	rows, err := s.db.Query(ctx, query, string(t), creatorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Object
	for rows.Next() {
		var state int
		var raw []byte
		if err := rows.Scan(&state, &raw); err != nil {
			return nil, err
		}
		obj, err := decodeObject(t, models.State(state), raw)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeObject(t models.ObjectType, state models.State, raw []byte) (models.Object, error) {
	var c models.Changeset
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, err
	}
	obj, ok := models.NewOfType(t)
	if !ok {
		return nil, errors.New("unknown object type in database: " + string(t))
	}
	if err := obj.ApplyChangeset(c); err != nil {
		return nil, err
	}
	obj.SetState(state)
	return obj, nil
}
