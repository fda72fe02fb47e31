// Package store defines the persistence ports for domain objects and
// processed envelopes, plus an in-memory implementation. Relational and
// blob-backed implementations live in subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"souma/node/pkg/models"
)

var (
	ErrConflict = errors.New("store: id conflict")
	ErrNotFound = errors.New("store: not found")
)

// Envelope processing outcomes recorded per vesicle id. A recorded id is
// never processed twice regardless of outcome.
const (
	StatusApplied    = "applied"
	StatusRejected   = "rejected"
	StatusPendingKey = "pending_key"
)

// VesicleRecord tracks a received envelope by id for idempotent ingestion.
// Raw is kept for envelopes parked in pending_key so they can be replayed
// when key material arrives.
type VesicleRecord struct {
	ID       string
	Status   string
	Raw      []byte
	Received time.Time
}

// ObjectStore persists domain objects keyed by (type, id).
type ObjectStore interface {
	Get(ctx context.Context, t models.ObjectType, id string) (models.Object, bool, error)
	Put(ctx context.Context, obj models.Object) error
	Delete(ctx context.Context, t models.ObjectType, id string) error
	ListByType(ctx context.Context, t models.ObjectType) ([]models.Object, error)
	ListByCreator(ctx context.Context, t models.ObjectType, creatorID string) ([]models.Object, error)
}

// VesicleStore persists envelope processing state.
type VesicleStore interface {
	Record(ctx context.Context, rec VesicleRecord) error
	GetRecord(ctx context.Context, id string) (VesicleRecord, bool, error)
	SetStatus(ctx context.Context, id, status string) error
	ListByStatus(ctx context.Context, status string) ([]VesicleRecord, error)
}
