package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"souma/node/pkg/models"
)

type objectKey struct {
	t  models.ObjectType
	id string
}

// objects are held as exported changesets plus the state code, not as live
// pointers, so readers always get an independent copy.
type objectRow struct {
	t     models.ObjectType
	state models.State
	data  models.Changeset
}

// Memory is the map-backed implementation of both stores. Writes clone the
// map and swap it in under the lock, so a failed write never leaves a
// half-applied snapshot.
type Memory struct {
	mu       sync.RWMutex
	objects  map[objectKey]objectRow
	vesicles map[string]VesicleRecord
}

func NewMemory() *Memory {
	return &Memory{
		objects:  make(map[objectKey]objectRow),
		vesicles: make(map[string]VesicleRecord),
	}
}

func (m *Memory) Get(_ context.Context, t models.ObjectType, id string) (models.Object, bool, error) {
	m.mu.RLock()
	row, ok := m.objects[objectKey{t, id}]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return materialize(row)
}

func (m *Memory) Put(_ context.Context, obj models.Object) error {
	row := objectRow{
		t:     obj.ObjectType(),
		state: obj.CurrentState(),
		data:  obj.Export(),
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[objectKey]objectRow, len(m.objects)+1)
	for k, v := range m.objects {
		next[k] = v
	}
	next[objectKey{row.t, obj.ObjectID()}] = row
	m.objects = next
	return nil
}

func (m *Memory) Delete(_ context.Context, t models.ObjectType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := objectKey{t, id}
	if _, ok := m.objects[key]; !ok {
		return ErrNotFound
	}
	next := make(map[objectKey]objectRow, len(m.objects))
	for k, v := range m.objects {
		if k != key {
			next[k] = v
		}
	}
	m.objects = next
	return nil
}

func (m *Memory) ListByType(_ context.Context, t models.ObjectType) ([]models.Object, error) {
	m.mu.RLock()
	rows := make([]objectRow, 0)
	ids := make([]string, 0)
	for k, row := range m.objects {
		if k.t == t {
			rows = append(rows, row)
			ids = append(ids, k.id)
		}
	}
	m.mu.RUnlock()

	sort.Sort(&rowsByID{rows: rows, ids: ids})
	out := make([]models.Object, 0, len(rows))
	for _, row := range rows {
		obj, ok, err := materialize(row)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (m *Memory) ListByCreator(ctx context.Context, t models.ObjectType, creatorID string) ([]models.Object, error) {
	all, err := m.ListByType(ctx, t)
	if err != nil {
		return nil, err
	}
	out := make([]models.Object, 0, len(all))
	for _, obj := range all {
		if obj.CreatorID() == creatorID {
			out = append(out, obj)
		}
	}
	return out, nil
}

func (m *Memory) Record(_ context.Context, rec VesicleRecord) error {
	if rec.Received.IsZero() {
		rec.Received = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vesicles[rec.ID]; ok {
		return ErrConflict
	}
	next := make(map[string]VesicleRecord, len(m.vesicles)+1)
	for k, v := range m.vesicles {
		next[k] = v
	}
	next[rec.ID] = rec
	m.vesicles = next
	return nil
}

func (m *Memory) GetRecord(ctx context.Context, id string) (VesicleRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.vesicles[id]
	return rec, ok, nil
}

func (m *Memory) SetStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.vesicles[id]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	if status != StatusPendingKey {
		rec.Raw = nil
	}
	next := make(map[string]VesicleRecord, len(m.vesicles))
	for k, v := range m.vesicles {
		next[k] = v
	}
	next[id] = rec
	m.vesicles = next
	return nil
}

func (m *Memory) ListByStatus(_ context.Context, status string) ([]VesicleRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]VesicleRecord, 0)
	for _, rec := range m.vesicles {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Received.Before(out[j].Received) })
	return out, nil
}

func materialize(row objectRow) (models.Object, bool, error) {
	obj, ok := models.NewOfType(row.t)
	if !ok {
		return nil, false, nil
	}
	if err := obj.ApplyChangeset(row.data); err != nil {
		return nil, false, err
	}
	obj.SetState(row.state)
	return obj, true, nil
}

type rowsByID struct {
	rows []objectRow
	ids  []string
}

func (r *rowsByID) Len() int           { return len(r.rows) }
func (r *rowsByID) Less(i, j int) bool { return r.ids[i] < r.ids[j] }
func (r *rowsByID) Swap(i, j int) {
	r.rows[i], r.rows[j] = r.rows[j], r.rows[i]
	r.ids[i], r.ids[j] = r.ids[j], r.ids[i]
}
