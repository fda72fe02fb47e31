package synapse

import (
	"context"
	"sort"

	"souma/node/internal/vesicle"
	"souma/node/pkg/models"
)

// sourceWalkLimit caps how many personas a contact-graph walk may visit.
// Requests fan out one relay call per candidate, so the list stays small.
const sourceWalkLimit = 32

// requestCandidates lists persona ids worth asking for an object's full
// copy, ordered deterministically: the envelope author first, then the
// remaining keycrypt entries by id.
func requestCandidates(v *vesicle.Vesicle) []string {
	seen := map[string]bool{v.AuthorID: true}
	rest := make([]string, 0, len(v.Keycrypt))
	for _, id := range v.Recipients() {
		if !seen[id] {
			seen[id] = true
			rest = append(rest, id)
		}
	}
	sort.Strings(rest)
	return append([]string{v.AuthorID}, rest...)
}

// changesetOwner extracts the persona most likely to hold the object's
// authoritative copy from a changeset, falling back to the given id.
func changesetOwner(c models.Changeset, fallback string) string {
	for _, key := range []string{"author_id", "creator_id", "admin_id"} {
		if id, ok := c.String(key); ok && id != "" {
			return id
		}
	}
	return fallback
}

// findSource ranks personas to ask for an object's full copy. Direct hints
// come first, then the owning persona's contact graph, walked breadth first
// through locally stored persona records. Contacts are visited in sorted
// order per persona, so two nodes with the same records produce the same
// candidate list.
func (e *Engine) findSource(ctx context.Context, ownerID string, hints []string) []string {
	candidates := make([]string, 0, len(hints)+1)
	seen := make(map[string]bool, len(hints)+1)
	add := func(id string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		candidates = append(candidates, id)
	}
	for _, id := range hints {
		add(id)
	}
	add(ownerID)

	queue := []string{ownerID}
	visited := map[string]bool{ownerID: true}
	for len(queue) > 0 && len(candidates) < sourceWalkLimit {
		id := queue[0]
		queue = queue[1:]

		obj, found, err := e.objects.Get(ctx, models.TypePersona, id)
		if err != nil {
			e.log.Warn("contact walk read failed", "persona_id", id, "error", err)
			continue
		}
		if !found {
			continue
		}
		persona, ok := obj.(*models.Persona)
		if !ok {
			continue
		}
		contacts := append([]string(nil), persona.ContactIDs...)
		sort.Strings(contacts)
		for _, contact := range contacts {
			add(contact)
			if !visited[contact] {
				visited[contact] = true
				queue = append(queue, contact)
			}
		}
	}
	if len(candidates) > sourceWalkLimit {
		candidates = candidates[:sourceWalkLimit]
	}
	return candidates
}
