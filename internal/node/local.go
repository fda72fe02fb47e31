package node

import (
	"context"
	"errors"
	"io"
	"time"

	"souma/node/internal/api"
	"souma/node/internal/keyring"
	"souma/node/internal/signalbus"
	"souma/node/internal/store"
	"souma/node/internal/synapse"
	"souma/node/pkg/models"
)

// ErrBlobDisabled is returned by picture content operations when the node
// runs without a configured blob store.
var ErrBlobDisabled = errors.New("node: blob store is not configured")

// CreatePersona derives a new controlled persona, persists its seed and
// opens a directory session for it. The mnemonic is returned exactly once;
// it is never stored in plaintext.
func (n *Node) CreatePersona(ctx context.Context, username string) (*keyring.Identity, string, error) {
	ident, mnemonic, err := keyring.GenerateIdentity(username)
	if err != nil {
		return nil, "", err
	}
	if err := n.ring.Add(ident); err != nil {
		return nil, "", err
	}
	if err := n.seeds.Save(n.ring.Controlled()); err != nil {
		return nil, "", err
	}
	persona := &models.Persona{
		ID:          ident.ID,
		Username:    username,
		SignPublic:  ident.SignPublicB64(),
		CryptPublic: ident.CryptPublicB64(),
		Modified:    time.Now().UTC(),
		State:       models.StatePublished,
	}
	if err := n.objects.Put(ctx, persona); err != nil {
		return nil, "", err
	}
	if err := n.glia.Login(ctx, ident.ID); err != nil {
		n.log.Warn("persona login failed", "persona_id", ident.ID, "error", err)
	}
	n.log.Info("persona created", "persona_id", ident.ID, "address", ident.Address())
	return ident, mnemonic, nil
}

// RecoverPersona rebuilds a persona from its recovery phrase.
func (n *Node) RecoverPersona(ctx context.Context, username, mnemonic string) (*keyring.Identity, error) {
	ident, err := keyring.FromMnemonic(username, mnemonic)
	if err != nil {
		return nil, err
	}
	if err := n.ring.Add(ident); err != nil {
		return nil, err
	}
	if err := n.seeds.Save(n.ring.Controlled()); err != nil {
		return nil, err
	}
	// Parked envelopes may become readable with the recovered key.
	if err := n.engine.RetryPending(ctx); err != nil {
		n.log.Warn("pending envelope retry failed", "error", err)
	}
	return ident, nil
}

// confidentialSet returns the confidant list for a local change: the
// targets themselves when the change is confidential, nobody otherwise.
func confidentialSet(targetIDs []string, confidential bool) []string {
	if !confidential {
		return nil
	}
	return targetIDs
}

// PublishObject stores a locally created object and distributes it to the
// given target personas. Confidential changes are encrypted to the targets;
// public ones travel as signed plaintext anyone may relay.
func (n *Node) PublishObject(ctx context.Context, obj models.Object, targetIDs []string, confidential bool) error {
	obj.SetState(models.StatePublished)
	if err := n.objects.Put(ctx, obj); err != nil {
		return err
	}
	n.bus.Publish(signalbus.ObjectEvent{
		Kind:       signalbus.LocalChange,
		ObjectType: obj.ObjectType(),
		ObjectID:   obj.ObjectID(),
		AuthorID:   obj.CreatorID(),
		Recipients: targetIDs,
	})
	return n.engine.Distribute(ctx, obj, synapse.ActionInsert, targetIDs, confidentialSet(targetIDs, confidential))
}

// PublishPicture uploads a picture planet's content to the blob store and
// then publishes the planet record itself.
func (n *Node) PublishPicture(ctx context.Context, planet *models.Planet, content io.Reader, size int64, targetIDs []string, confidential bool) error {
	if n.blob == nil {
		return ErrBlobDisabled
	}
	if planet.Kind != models.PlanetKindPicture {
		return errors.New("node: planet does not carry picture content")
	}
	if err := n.blob.PutPlanet(ctx, planet.ID, content, size); err != nil {
		return err
	}
	return n.PublishObject(ctx, planet, targetIDs, confidential)
}

// PlanetContent streams a picture planet's stored bytes. The caller closes
// the reader.
func (n *Node) PlanetContent(ctx context.Context, planetID string) (io.ReadCloser, error) {
	if n.blob == nil {
		return nil, ErrBlobDisabled
	}
	return n.blob.GetPlanet(ctx, planetID)
}

// UpdateObject stores a local edit and distributes the update.
func (n *Node) UpdateObject(ctx context.Context, obj models.Object, targetIDs []string, confidential bool) error {
	if err := n.objects.Put(ctx, obj); err != nil {
		return err
	}
	n.bus.Publish(signalbus.ObjectEvent{
		Kind:       signalbus.LocalChange,
		ObjectType: obj.ObjectType(),
		ObjectID:   obj.ObjectID(),
		AuthorID:   obj.CreatorID(),
		Recipients: targetIDs,
	})
	return n.engine.Distribute(ctx, obj, synapse.ActionUpdate, targetIDs, confidentialSet(targetIDs, confidential))
}

// DeleteObject tombstones (or removes, for stateless types) a local object
// and distributes the deletion. Picture planet content is removed from the
// blob store before the record is tombstoned.
func (n *Node) DeleteObject(ctx context.Context, t models.ObjectType, id string, targetIDs []string, confidential bool) error {
	obj, found, err := n.objects.Get(ctx, t, id)
	if err != nil {
		return err
	}
	if !found {
		return store.ErrNotFound
	}
	if planet, ok := obj.(*models.Planet); ok && planet.Kind == models.PlanetKindPicture && n.blob != nil {
		if err := n.blob.DeletePlanet(ctx, id); err != nil {
			n.log.Warn("planet content removal failed", "object_id", id, "error", err)
		}
	}
	if !models.HasState(t) {
		if err := n.objects.Delete(ctx, t, id); err != nil {
			return err
		}
	} else {
		obj.ClearContent()
		obj.SetState(models.StateDeleted)
		if err := n.objects.Put(ctx, obj); err != nil {
			return err
		}
	}
	n.bus.Publish(signalbus.ObjectEvent{
		Kind:       signalbus.LocalChange,
		ObjectType: t,
		ObjectID:   id,
		AuthorID:   obj.CreatorID(),
		Recipients: targetIDs,
	})
	return n.engine.Distribute(ctx, obj, synapse.ActionDelete, targetIDs, confidentialSet(targetIDs, confidential))
}

// Status implements the status server's snapshot source.
func (n *Node) Status(ctx context.Context) (api.Status, error) {
	pending, err := n.vesicles.ListByStatus(ctx, store.StatusPendingKey)
	if err != nil {
		return api.Status{}, err
	}
	personas := make([]string, 0)
	for _, ident := range n.ring.Controlled() {
		personas = append(personas, ident.ID)
	}
	return api.Status{
		SoumaID:    n.identity.ID,
		Personas:   personas,
		PendingKey: len(pending),
		StartedAt:  n.started.Format(time.RFC3339),
	}, nil
}
