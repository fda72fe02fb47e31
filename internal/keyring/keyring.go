// Package keyring holds the identities a node knows about: the personas it
// controls (with private key material) and the foreign personas it has seen
// public keys for. All signing, key wrap and key unwrap goes through here.
package keyring

import (
	"bytes"
	"errors"
	"sort"
	"sync"
)

var (
	ErrNotFound    = errors.New("identity not found in keyring")
	ErrKeyConflict = errors.New("identity already registered with different keys")
)

type Keyring struct {
	mu         sync.RWMutex
	identities map[string]*Identity
}

func New() *Keyring {
	return &Keyring{identities: make(map[string]*Identity)}
}

// Add registers an identity. Re-adding the same id with matching keys is a
// no-op, except that a controlled copy upgrades a foreign one. Mismatched
// keys are rejected.
func (k *Keyring) Add(id *Identity) error {
	if id == nil || id.ID == "" {
		return ErrInvalidKey
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	existing, ok := k.identities[id.ID]
	if !ok {
		k.identities[id.ID] = id
		return nil
	}
	if !bytes.Equal(existing.SignPublic, id.SignPublic) || !bytes.Equal(existing.CryptPublic, id.CryptPublic) {
		return ErrKeyConflict
	}
	if !existing.Controlled() && id.Controlled() {
		k.identities[id.ID] = id
	}
	return nil
}

// IdentityByID looks up an identity by its 32-hex-char id.
func (k *Keyring) IdentityByID(id string) (*Identity, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	ident, ok := k.identities[id]
	return ident, ok
}

// Controlled returns the identities with private keys, sorted by id.
func (k *Keyring) Controlled() []*Identity {
	k.mu.RLock()
	defer k.mu.RUnlock()
	var out []*Identity
	for _, ident := range k.identities {
		if ident.Controlled() {
			out = append(out, ident)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FirstControlledRecipient scans a recipient id set (keycrypt keys) for an
// identity this keyring controls. Ids are visited in sorted order so the
// result is deterministic.
func (k *Keyring) FirstControlledRecipient(recipientIDs []string) (*Identity, bool) {
	sorted := make([]string, len(recipientIDs))
	copy(sorted, recipientIDs)
	sort.Strings(sorted)

	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, id := range sorted {
		if ident, ok := k.identities[id]; ok && ident.Controlled() {
			return ident, true
		}
	}
	return nil, false
}

// Remove drops an identity. Missing ids are ignored.
func (k *Keyring) Remove(id string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.identities, id)
}

func (k *Keyring) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.identities)
}
