package synapse

import (
	"context"

	"souma/node/internal/keyring"
	"souma/node/internal/store"
	"souma/node/internal/vesicle"
	"souma/node/pkg/models"
)

// handleObjectRequest serves a full copy of a locally stored object. Only
// objects created by a controlled persona can be served: the response has
// to carry the creator's signature to be accepted anywhere.
func (e *Engine) handleObjectRequest(ctx context.Context, v *vesicle.Vesicle) (string, error) {
	if !v.Signed(e.ring) {
		e.log.Warn("unsigned object request", "vesicle_id", v.ID, "author_id", v.AuthorID)
		return store.StatusRejected, nil
	}
	payload, err := v.Payload()
	if err != nil {
		return "", err
	}
	typeName, _ := payload.String("object_type")
	t := models.ObjectType(typeName)
	id, ok := payload.String("object_id")
	if !models.KnownType(t) || !ok {
		e.log.Warn("malformed object request", "vesicle_id", v.ID)
		return store.StatusRejected, nil
	}

	obj, found, err := e.objects.Get(ctx, t, id)
	if err != nil {
		return "", err
	}
	if !found || !obj.CurrentState().Live() {
		e.log.Debug("object request for unavailable object", "object_type", t, "object_id", id)
		return store.StatusRejected, nil
	}
	creator, ok := e.ring.IdentityByID(obj.CreatorID())
	if !ok || !creator.Controlled() {
		e.log.Debug("object request for foreign object ignored",
			"object_type", t, "object_id", id, "creator_id", obj.CreatorID())
		return store.StatusRejected, nil
	}

	reply := vesicle.New(MessageObject, models.Changeset{
		"action":      ActionInsert,
		"object_type": string(t),
		"object":      map[string]any(obj.Export()),
	}, creator.ID, e.soumaID)
	reply.ReplyTo = v.ID

	if requester, ok := e.ring.IdentityByID(v.AuthorID); ok {
		if err := reply.Encrypt(creator, []*keyring.Identity{requester}); err != nil {
			return "", err
		}
	}
	if err := reply.Sign(creator); err != nil {
		return "", err
	}
	data, err := reply.Serialize()
	if err != nil {
		return "", err
	}
	if err := e.relay.Relay(ctx, v.AuthorID, data); err != nil {
		e.metrics.relayed.WithLabelValues("error").Inc()
		e.log.Warn("failed to answer object request", "object_id", id, "error", err)
		return store.StatusApplied, nil
	}
	e.metrics.relayed.WithLabelValues("ok").Inc()
	e.log.Info("answered object request", "object_type", t, "object_id", id, "requester", v.AuthorID)
	return store.StatusApplied, nil
}

// requestObject asks candidate sources for a full object copy. Candidates
// are tried in order until one accepts the relay; controlled personas are
// skipped since asking ourselves is pointless.
func (e *Engine) requestObject(ctx context.Context, t models.ObjectType, id string, candidates []string) {
	controlled := e.ring.Controlled()
	if len(controlled) == 0 {
		e.log.Warn("cannot request object without a controlled persona", "object_id", id)
		return
	}
	author := controlled[0]

	req := vesicle.New(MessageObjectRequest, models.Changeset{
		"object_type": string(t),
		"object_id":   id,
	}, author.ID, e.soumaID)
	if err := req.Sign(author); err != nil {
		e.log.Warn("failed to sign object request", "object_id", id, "error", err)
		return
	}
	data, err := req.Serialize()
	if err != nil {
		e.log.Warn("failed to serialize object request", "object_id", id, "error", err)
		return
	}

	for _, candidate := range candidates {
		if ident, ok := e.ring.IdentityByID(candidate); ok && ident.Controlled() {
			continue
		}
		if err := e.relay.Relay(ctx, candidate, data); err != nil {
			e.log.Debug("object request relay failed, trying next source",
				"object_id", id, "source", candidate, "error", err)
			continue
		}
		e.metrics.requested.Inc()
		e.log.Info("requested object", "object_type", t, "object_id", id, "source", candidate)
		return
	}
	e.log.Warn("no viable source for object request", "object_type", t, "object_id", id)
}
