// Package synapse is the distribution engine: it ingests envelopes from
// the network, applies the object changes they carry to local storage, and
// distributes local changes back out. Every envelope moves through a fixed
// pipeline: received, validated, decrypted (or parked waiting for a key),
// then dispatched to a handler that applies or rejects it.
package synapse

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"souma/node/internal/keyring"
	"souma/node/internal/signalbus"
	"souma/node/internal/store"
	"souma/node/internal/vesicle"
	"souma/node/pkg/models"
)

// Message kinds understood by the engine.
const (
	MessageObject         = "object"
	MessageObjectRequest  = "object_request"
	MessageStarmap        = "starmap"
	MessageStarmapRequest = "starmap_request"
)

// Object actions carried in object message payloads.
const (
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Relay delivers serialized envelopes to a recipient persona through the
// network boundary.
type Relay interface {
	Relay(ctx context.Context, recipientID string, data []byte) error
}

// PersonaDirectory resolves persona public keys over the network. Used when
// an envelope arrives from an author the keyring has never seen.
type PersonaDirectory interface {
	ResolvePersona(ctx context.Context, personaID string) (*keyring.Identity, error)
}

type Engine struct {
	log      *slog.Logger
	ring     *keyring.Keyring
	objects  store.ObjectStore
	vesicles store.VesicleStore
	bus      *signalbus.Bus
	relay    Relay
	dir      PersonaDirectory
	soumaID  string
	metrics  *metrics

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(log *slog.Logger, ring *keyring.Keyring, objects store.ObjectStore, vesicles store.VesicleStore, bus *signalbus.Bus, relay Relay, dir PersonaDirectory, soumaID string, reg prometheus.Registerer) *Engine {
	return &Engine{
		log:      log,
		ring:     ring,
		objects:  objects,
		vesicles: vesicles,
		bus:      bus,
		relay:    relay,
		dir:      dir,
		soumaID:  soumaID,
		metrics:  newMetrics(reg),
		locks:    make(map[string]*sync.Mutex),
	}
}

// objectLock returns the per-object mutex so concurrent envelopes about
// the same object serialize instead of racing on read-modify-write.
func (e *Engine) objectLock(objectID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[objectID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[objectID] = l
	}
	return l
}

// Handle ingests one serialized envelope. Ingestion is idempotent on the
// envelope id: a fully processed envelope is never handled twice, while an
// envelope parked for missing key material may be retried.
func (e *Engine) Handle(ctx context.Context, raw []byte) error {
	v, err := vesicle.Parse(raw, e.ring)
	if err != nil {
		var unknown *vesicle.UnknownAuthorError
		if errors.As(err, &unknown) {
			v, err = e.resolveAuthor(ctx, unknown.AuthorID, raw)
		}
		if err != nil {
			e.metrics.received.WithLabelValues("invalid").Inc()
			e.log.Warn("dropping invalid envelope", "error", err)
			return err
		}
	}

	rec, seen, err := e.vesicles.GetRecord(ctx, v.ID)
	if err != nil {
		return err
	}
	if seen && rec.Status != store.StatusPendingKey {
		e.metrics.received.WithLabelValues("duplicate").Inc()
		e.log.Debug("envelope already processed", "vesicle_id", v.ID, "status", rec.Status)
		return nil
	}

	if v.Encrypted() {
		if err := v.Decrypt(e.ring); err != nil {
			if errors.Is(err, vesicle.ErrKeyNotFound) {
				return e.parkPendingKey(ctx, v.ID, raw, seen)
			}
			e.metrics.received.WithLabelValues("invalid").Inc()
			return err
		}
	}

	status, err := e.dispatch(ctx, v)
	if err != nil {
		return err
	}
	e.metrics.received.WithLabelValues(status).Inc()
	if seen {
		if rec.Status == store.StatusPendingKey && status != store.StatusPendingKey {
			e.metrics.pendingKey.Dec()
		}
		return e.vesicles.SetStatus(ctx, v.ID, status)
	}
	return e.vesicles.Record(ctx, store.VesicleRecord{ID: v.ID, Status: status})
}

// resolveAuthor fetches an unknown author's public keys from the directory,
// registers them and re-parses the envelope.
func (e *Engine) resolveAuthor(ctx context.Context, authorID string, raw []byte) (*vesicle.Vesicle, error) {
	if e.dir == nil {
		return nil, &vesicle.UnknownAuthorError{AuthorID: authorID}
	}
	ident, err := e.dir.ResolvePersona(ctx, authorID)
	if err != nil {
		e.log.Warn("persona lookup failed", "author_id", authorID, "error", err)
		return nil, &vesicle.UnknownAuthorError{AuthorID: authorID}
	}
	if err := e.ring.Add(ident); err != nil {
		return nil, err
	}
	e.log.Info("registered persona from directory", "author_id", authorID)
	return vesicle.Parse(raw, e.ring)
}

// registerPersonaKeys makes a stored persona's public keys available for
// signature checks and keycrypt wrapping.
func (e *Engine) registerPersonaKeys(obj models.Object) {
	p, ok := obj.(*models.Persona)
	if !ok {
		return
	}
	ident, err := keyring.ForeignIdentity(p.ID, p.Username, p.SignPublic, p.CryptPublic)
	if err != nil {
		e.log.Warn("persona record carries unusable keys", "persona_id", p.ID, "error", err)
		return
	}
	if err := e.ring.Add(ident); err != nil {
		e.log.Warn("persona keys conflict with keyring", "persona_id", p.ID, "error", err)
	}
}

func (e *Engine) dispatch(ctx context.Context, v *vesicle.Vesicle) (string, error) {
	switch v.MessageType {
	case MessageObject:
		return e.handleObject(ctx, v)
	case MessageObjectRequest:
		return e.handleObjectRequest(ctx, v)
	case MessageStarmap:
		return e.handleStarmap(ctx, v)
	case MessageStarmapRequest:
		return e.handleStarmapRequest(ctx, v)
	default:
		e.log.Warn("unknown message type", "vesicle_id", v.ID, "message_type", v.MessageType)
		return store.StatusRejected, nil
	}
}

// parkPendingKey stores the raw envelope until key material arrives.
func (e *Engine) parkPendingKey(ctx context.Context, id string, raw []byte, seen bool) error {
	e.metrics.received.WithLabelValues("pending_key").Inc()
	e.log.Info("envelope waiting for key material", "vesicle_id", id)
	if seen {
		return nil
	}
	err := e.vesicles.Record(ctx, store.VesicleRecord{ID: id, Status: store.StatusPendingKey, Raw: raw})
	if errors.Is(err, store.ErrConflict) {
		return nil
	}
	if err == nil {
		e.metrics.pendingKey.Inc()
	}
	return err
}

// RetryPending re-handles envelopes parked for key material. Called after
// the keyring gains identities.
func (e *Engine) RetryPending(ctx context.Context) error {
	pending, err := e.vesicles.ListByStatus(ctx, store.StatusPendingKey)
	if err != nil {
		return err
	}
	for _, rec := range pending {
		if len(rec.Raw) == 0 {
			continue
		}
		if err := e.Handle(ctx, rec.Raw); err != nil {
			e.log.Debug("pending envelope still not processable", "vesicle_id", rec.ID, "error", err)
		}
	}
	return nil
}
