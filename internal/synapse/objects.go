package synapse

import (
	"context"

	"souma/node/internal/signalbus"
	"souma/node/internal/store"
	"souma/node/internal/vesicle"
	"souma/node/pkg/models"
)

// handleObject applies an object insert, update or delete carried in an
// envelope. Rejections are not errors: the envelope was understood and
// deliberately not applied, and that decision is final for its id.
func (e *Engine) handleObject(ctx context.Context, v *vesicle.Vesicle) (string, error) {
	if !v.Signed(e.ring) {
		e.log.Warn("unsigned object envelope", "vesicle_id", v.ID, "author_id", v.AuthorID)
		return store.StatusRejected, nil
	}
	payload, err := v.Payload()
	if err != nil {
		return "", err
	}

	action, ok := payload.String("action")
	if !ok {
		action = ActionInsert
	}
	typeName, _ := payload.String("object_type")
	t := models.ObjectType(typeName)
	if !models.KnownType(t) {
		e.log.Warn("object envelope with unknown type", "vesicle_id", v.ID, "object_type", typeName)
		return store.StatusRejected, nil
	}
	objMap, ok := payload["object"].(map[string]any)
	if !ok {
		e.log.Warn("object envelope without object changeset", "vesicle_id", v.ID)
		return store.StatusRejected, nil
	}
	c := models.Changeset(objMap)
	id, ok := c.String("id")
	if !ok {
		e.log.Warn("object changeset without id", "vesicle_id", v.ID)
		return store.StatusRejected, nil
	}

	lock := e.objectLock(id)
	lock.Lock()
	defer lock.Unlock()

	switch action {
	case ActionInsert:
		return e.applyInsert(ctx, v, t, id, c)
	case ActionUpdate:
		return e.applyUpdate(ctx, v, t, id, c)
	case ActionDelete:
		return e.applyDelete(ctx, v, t, id)
	default:
		e.log.Warn("object envelope with unknown action", "vesicle_id", v.ID, "action", action)
		return store.StatusRejected, nil
	}
}

func (e *Engine) applyInsert(ctx context.Context, v *vesicle.Vesicle, t models.ObjectType, id string, c models.Changeset) (string, error) {
	obj, err := models.FromChangeset(t, c)
	if err != nil {
		e.log.Warn("invalid insert changeset", "vesicle_id", v.ID, "object_type", t, "error", err)
		return store.StatusRejected, nil
	}
	if obj.CreatorID() != v.AuthorID {
		e.log.Warn("insert author is not object creator",
			"vesicle_id", v.ID, "object_id", id, "author_id", v.AuthorID)
		return store.StatusRejected, nil
	}

	existing, found, err := e.objects.Get(ctx, t, id)
	if err != nil {
		return "", err
	}
	// Stubs may be promoted by an insert; anything else already occupies
	// the id and stays untouched.
	if found && existing.CurrentState() != models.StateUnavailable {
		e.log.Debug("insert for already known object",
			"object_type", t, "object_id", id, "state", existing.CurrentState().String())
		return store.StatusRejected, nil
	}

	obj.SetState(models.StatePublished)
	if err := e.objects.Put(ctx, obj); err != nil {
		return "", err
	}
	e.registerPersonaKeys(obj)
	e.metrics.applied.WithLabelValues(ActionInsert).Inc()
	e.log.Info("object inserted", "object_type", t, "object_id", id, "author_id", v.AuthorID)
	e.bus.Publish(signalbus.ObjectEvent{
		Kind: signalbus.ObjectInserted, ObjectType: t, ObjectID: id, AuthorID: v.AuthorID,
	})
	return store.StatusApplied, nil
}

func (e *Engine) applyUpdate(ctx context.Context, v *vesicle.Vesicle, t models.ObjectType, id string, c models.Changeset) (string, error) {
	if err := models.ValidateChangeset(t, c); err != nil {
		e.log.Warn("invalid update changeset", "vesicle_id", v.ID, "object_type", t, "error", err)
		return store.StatusRejected, nil
	}
	incomingMod, ok := c.Time("modified")
	if !ok {
		e.log.Warn("update changeset without modified timestamp", "vesicle_id", v.ID, "object_id", id)
		return store.StatusRejected, nil
	}

	local, found, err := e.objects.Get(ctx, t, id)
	if err != nil {
		return "", err
	}
	if !found {
		// Never seen this object. Materialize a stub and ask a likely
		// source for the authoritative copy rather than trusting a
		// change that arrived out of order.
		stub, ok := models.NewStub(t, id)
		if !ok {
			return store.StatusRejected, nil
		}
		if err := e.objects.Put(ctx, stub); err != nil {
			return "", err
		}
		e.log.Info("update for unknown object, requesting it",
			"object_type", t, "object_id", id)
		e.requestObject(ctx, t, id, e.findSource(ctx, changesetOwner(c, v.AuthorID), requestCandidates(v)))
		return store.StatusApplied, nil
	}

	switch {
	case local.CurrentState() == models.StateDeleted:
		e.log.Debug("update for deleted object dropped", "object_type", t, "object_id", id)
		return store.StatusRejected, nil
	case local.CurrentState() == models.StateUnavailable:
		// Stubs accept whatever arrives; there is no local data to lose.
	default:
		if !local.Authorize(ActionUpdate, v.AuthorID) {
			e.log.Warn("unauthorized update dropped",
				"object_type", t, "object_id", id, "author_id", v.AuthorID)
			return store.StatusRejected, nil
		}
		// Last writer wins. Ties go to the incoming copy.
		if incomingMod.Before(local.ModifiedAt()) {
			e.log.Debug("stale update dropped",
				"object_type", t, "object_id", id, "incoming", incomingMod, "local", local.ModifiedAt())
			return store.StatusRejected, nil
		}
	}

	if err := local.ApplyChangeset(c); err != nil {
		e.log.Warn("update changeset failed to apply", "vesicle_id", v.ID, "object_id", id, "error", err)
		return store.StatusRejected, nil
	}
	if local.CurrentState() == models.StateUnavailable && models.ValidateChangeset(t, local.Export()) == nil {
		local.SetState(models.StatePublished)
	}
	if err := e.objects.Put(ctx, local); err != nil {
		return "", err
	}
	e.registerPersonaKeys(local)
	e.metrics.applied.WithLabelValues(ActionUpdate).Inc()
	e.log.Info("object updated", "object_type", t, "object_id", id, "author_id", v.AuthorID)
	e.bus.Publish(signalbus.ObjectEvent{
		Kind: signalbus.ObjectUpdated, ObjectType: t, ObjectID: id, AuthorID: v.AuthorID,
	})
	return store.StatusApplied, nil
}

func (e *Engine) applyDelete(ctx context.Context, v *vesicle.Vesicle, t models.ObjectType, id string) (string, error) {
	local, found, err := e.objects.Get(ctx, t, id)
	if err != nil {
		return "", err
	}
	if !found {
		e.log.Debug("delete for unknown object", "object_type", t, "object_id", id)
		return store.StatusApplied, nil
	}
	if !local.Authorize(ActionDelete, v.AuthorID) {
		e.log.Warn("unauthorized delete dropped",
			"object_type", t, "object_id", id, "author_id", v.AuthorID)
		return store.StatusRejected, nil
	}

	if !models.HasState(t) {
		if err := e.objects.Delete(ctx, t, id); err != nil {
			return "", err
		}
	} else {
		// Soft delete: the id stays occupied as a tombstone with the
		// content stripped out.
		local.ClearContent()
		local.SetState(models.StateDeleted)
		if err := e.objects.Put(ctx, local); err != nil {
			return "", err
		}
	}
	e.metrics.applied.WithLabelValues(ActionDelete).Inc()
	e.log.Info("object deleted", "object_type", t, "object_id", id, "author_id", v.AuthorID)
	e.bus.Publish(signalbus.ObjectEvent{
		Kind: signalbus.ObjectDeleted, ObjectType: t, ObjectID: id, AuthorID: v.AuthorID,
	})
	return store.StatusApplied, nil
}
