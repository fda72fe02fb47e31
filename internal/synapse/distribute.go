package synapse

import (
	"context"
	"errors"
	"fmt"

	"souma/node/internal/keyring"
	"souma/node/internal/vesicle"
	"souma/node/pkg/models"
)

var ErrNoControlledAuthor = errors.New("object creator is not a controlled persona")

// Distribute packages a local object change into one signed envelope and
// relays the identical bytes to every target. Targets say who receives the
// envelope; confidants say who may read it. With no confidants the payload
// stays plaintext and carries no keycrypt, so any persona can relay or read
// it. With confidants the payload is encrypted and only they (plus the
// author) get a keycrypt entry, while targets outside the set still receive
// the bytes and can pass them on. The envelope is serialized once: every
// target sees the same id, payload and signature.
func (e *Engine) Distribute(ctx context.Context, obj models.Object, action string, targetIDs, confidantIDs []string) error {
	author, ok := e.ring.IdentityByID(obj.CreatorID())
	if !ok || !author.Controlled() {
		return ErrNoControlledAuthor
	}

	confidants := make([]*keyring.Identity, 0, len(confidantIDs))
	for _, id := range confidantIDs {
		if id == author.ID {
			continue
		}
		ident, ok := e.ring.IdentityByID(id)
		if !ok {
			e.log.Warn("skipping confidant with unknown keys", "recipient_id", id)
			continue
		}
		confidants = append(confidants, ident)
	}

	v := vesicle.New(MessageObject, models.Changeset{
		"action":      action,
		"object_type": string(obj.ObjectType()),
		"object":      map[string]any(obj.Export()),
	}, author.ID, e.soumaID)
	if len(confidants) > 0 {
		if err := v.Encrypt(author, confidants); err != nil {
			return fmt.Errorf("encrypt envelope: %w", err)
		}
	}
	if err := v.Sign(author); err != nil {
		return fmt.Errorf("sign envelope: %w", err)
	}
	data, err := v.Serialize()
	if err != nil {
		return fmt.Errorf("serialize envelope: %w", err)
	}

	var errs []error
	sent := map[string]bool{author.ID: true}
	delivered := 0
	for _, targetID := range targetIDs {
		if targetID == "" || sent[targetID] {
			continue
		}
		sent[targetID] = true
		if err := e.relay.Relay(ctx, targetID, data); err != nil {
			e.metrics.relayed.WithLabelValues("error").Inc()
			e.log.Warn("relay failed", "recipient_id", targetID, "vesicle_id", v.ID, "error", err)
			errs = append(errs, fmt.Errorf("relay to %s: %w", targetID, err))
			continue
		}
		e.metrics.relayed.WithLabelValues("ok").Inc()
		delivered++
	}
	e.log.Info("object distributed",
		"object_type", obj.ObjectType(), "object_id", obj.ObjectID(),
		"action", action, "targets", delivered, "confidants", len(confidants),
		"encrypted", len(confidants) > 0, "failures", len(errs))

	if err := e.RecordOwnObject(ctx, obj, action == ActionDelete); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// RequestStarmap asks a peer persona for its index.
func (e *Engine) RequestStarmap(ctx context.Context, peerID string) error {
	controlled := e.ring.Controlled()
	if len(controlled) == 0 {
		return ErrNoControlledAuthor
	}
	author := controlled[0]

	req := vesicle.New(MessageStarmapRequest, models.Changeset{"author_id": peerID}, author.ID, e.soumaID)
	if err := req.Sign(author); err != nil {
		return err
	}
	data, err := req.Serialize()
	if err != nil {
		return err
	}
	if err := e.relay.Relay(ctx, peerID, data); err != nil {
		e.metrics.relayed.WithLabelValues("error").Inc()
		return err
	}
	e.metrics.relayed.WithLabelValues("ok").Inc()
	return nil
}
