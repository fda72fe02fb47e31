package synapse

import (
	"context"
	"time"

	"souma/node/internal/store"
	"souma/node/internal/vesicle"
	"souma/node/pkg/models"
)

// handleStarmap reconciles a peer's published index against local storage.
// Orbs referencing objects this node has never seen become stubs and get
// requested from the starmap author.
func (e *Engine) handleStarmap(ctx context.Context, v *vesicle.Vesicle) (string, error) {
	if !v.Signed(e.ring) {
		e.log.Warn("unsigned starmap envelope", "vesicle_id", v.ID, "author_id", v.AuthorID)
		return store.StatusRejected, nil
	}
	payload, err := v.Payload()
	if err != nil {
		return "", err
	}
	if err := models.ValidateChangeset(models.TypeStarmap, payload); err != nil {
		e.log.Warn("invalid starmap changeset", "vesicle_id", v.ID, "error", err)
		return store.StatusRejected, nil
	}
	incoming := &models.Starmap{}
	if err := incoming.ApplyChangeset(payload); err != nil {
		return store.StatusRejected, nil
	}
	if incoming.AuthorID != v.AuthorID {
		e.log.Warn("starmap author mismatch",
			"vesicle_id", v.ID, "author_id", v.AuthorID, "starmap_author", incoming.AuthorID)
		return store.StatusRejected, nil
	}

	lock := e.objectLock(incoming.ID)
	lock.Lock()
	local, found, err := e.objects.Get(ctx, models.TypeStarmap, incoming.ID)
	if err != nil {
		lock.Unlock()
		return "", err
	}
	if found && incoming.Modified.Before(local.ModifiedAt()) {
		lock.Unlock()
		e.log.Debug("stale starmap dropped", "starmap_id", incoming.ID)
		return store.StatusRejected, nil
	}
	if err := e.objects.Put(ctx, incoming); err != nil {
		lock.Unlock()
		return "", err
	}
	lock.Unlock()
	e.log.Info("starmap updated", "starmap_id", incoming.ID, "author_id", incoming.AuthorID, "orbs", len(incoming.Orbs))

	for _, orb := range incoming.Orbs {
		if !models.KnownType(orb.Type) || orb.Type == models.TypeStarmap {
			continue
		}
		_, known, err := e.objects.Get(ctx, orb.Type, orb.ID)
		if err != nil {
			return "", err
		}
		if known {
			continue
		}
		stub, ok := models.NewStub(orb.Type, orb.ID)
		if !ok {
			continue
		}
		if err := e.objects.Put(ctx, stub); err != nil {
			return "", err
		}
		owner := orb.Creator
		if owner == "" {
			owner = incoming.AuthorID
		}
		e.requestObject(ctx, orb.Type, orb.ID, e.findSource(ctx, owner, []string{incoming.AuthorID}))
	}
	return store.StatusApplied, nil
}

// handleStarmapRequest answers with the index of one of this node's
// controlled personas.
func (e *Engine) handleStarmapRequest(ctx context.Context, v *vesicle.Vesicle) (string, error) {
	if !v.Signed(e.ring) {
		e.log.Warn("unsigned starmap request", "vesicle_id", v.ID, "author_id", v.AuthorID)
		return store.StatusRejected, nil
	}
	payload, err := v.Payload()
	if err != nil {
		return "", err
	}
	authorID, ok := payload.String("author_id")
	if !ok {
		e.log.Warn("starmap request without author_id", "vesicle_id", v.ID)
		return store.StatusRejected, nil
	}
	owner, ok := e.ring.IdentityByID(authorID)
	if !ok || !owner.Controlled() {
		e.log.Debug("starmap request for foreign persona ignored", "author_id", authorID)
		return store.StatusRejected, nil
	}

	starmap, err := e.starmapFor(ctx, authorID)
	if err != nil {
		return "", err
	}
	reply := vesicle.New(MessageStarmap, starmap.Export(), owner.ID, e.soumaID)
	reply.ReplyTo = v.ID
	if err := reply.Sign(owner); err != nil {
		return "", err
	}
	data, err := reply.Serialize()
	if err != nil {
		return "", err
	}
	if err := e.relay.Relay(ctx, v.AuthorID, data); err != nil {
		e.metrics.relayed.WithLabelValues("error").Inc()
		e.log.Warn("failed to answer starmap request", "author_id", authorID, "error", err)
		return store.StatusApplied, nil
	}
	e.metrics.relayed.WithLabelValues("ok").Inc()
	e.log.Info("answered starmap request", "author_id", authorID, "requester", v.AuthorID)
	return store.StatusApplied, nil
}

// starmapFor loads or creates the index for a persona.
func (e *Engine) starmapFor(ctx context.Context, authorID string) (*models.Starmap, error) {
	maps, err := e.objects.ListByCreator(ctx, models.TypeStarmap, authorID)
	if err != nil {
		return nil, err
	}
	for _, obj := range maps {
		if m, ok := obj.(*models.Starmap); ok && m.AuthorID == authorID {
			return m, nil
		}
	}
	return &models.Starmap{
		ID:       models.NewID(),
		Kind:     "persona",
		AuthorID: authorID,
		Modified: time.Now().UTC(),
	}, nil
}

// RecordOwnObject maintains the creator's index after a local change.
// Deletions remove the orb, everything else upserts it.
func (e *Engine) RecordOwnObject(ctx context.Context, obj models.Object, deleted bool) error {
	if obj.ObjectType() == models.TypeStarmap {
		return nil
	}
	starmap, err := e.starmapFor(ctx, obj.CreatorID())
	if err != nil {
		return err
	}
	if deleted {
		if !starmap.Remove(obj.ObjectID()) {
			return nil
		}
	} else {
		starmap.Add(models.Orb{
			ID:       obj.ObjectID(),
			Type:     obj.ObjectType(),
			Modified: obj.ModifiedAt(),
			Creator:  obj.CreatorID(),
		})
	}
	starmap.Modified = time.Now().UTC()
	return e.objects.Put(ctx, starmap)
}
