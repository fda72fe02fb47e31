package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Changeset is the wire representation of a domain object as carried in
// object insert/update payloads. Values are JSON-decoded, timestamps are
// RFC-3339 strings.
type Changeset map[string]any

// String returns the value for key if it is a non-empty string.
func (c Changeset) String(key string) (string, bool) {
	v, ok := c[key].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Time parses the value for key as an RFC-3339 timestamp.
func (c Changeset) Time(key string) (time.Time, bool) {
	raw, ok := c[key].(string)
	if !ok {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		t, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, false
		}
	}
	return t, true
}

// Missing returns the required keys absent from the changeset, sorted.
func (c Changeset) Missing(required []string) []string {
	var missing []string
	for _, key := range required {
		if _, ok := c[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

// MissingFieldError reports which required changeset fields were absent
// for a declared object type.
type MissingFieldError struct {
	Type   ObjectType
	Fields []string
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("changeset for %s missing required fields: %s",
		e.Type, strings.Join(e.Fields, ", "))
}

type typeInfo struct {
	factory  func() Object
	required []string
	hasState bool
}

// The object type registry. Dispatch is a table over the closed ObjectType
// enum; there is no name-based reflection.
var registry = map[ObjectType]typeInfo{
	TypePersona: {
		factory:  func() Object { return &Persona{} },
		required: []string{"id", "username", "email", "sign_public", "crypt_public", "modified"},
		hasState: true,
	},
	TypeStar: {
		factory:  func() Object { return &Star{} },
		required: []string{"id", "text", "created", "modified", "author_id"},
		hasState: true,
	},
	TypePlanet: {
		factory:  func() Object { return &Planet{} },
		required: []string{"id", "kind", "title", "modified", "creator_id"},
		hasState: true,
	},
	TypeStarmap: {
		factory:  func() Object { return &Starmap{} },
		required: []string{"id", "kind", "author_id", "modified", "index"},
		hasState: false,
	},
	TypeGroup: {
		factory:  func() Object { return &Group{} },
		required: []string{"id", "name", "admin_id", "modified"},
		hasState: true,
	},
}

// KnownType reports whether t is part of the closed object type set.
func KnownType(t ObjectType) bool {
	_, ok := registry[t]
	return ok
}

// HasState reports whether objects of type t carry a state code. Types
// without one are hard-deleted instead of tombstoned.
func HasState(t ObjectType) bool {
	info, ok := registry[t]
	return ok && info.hasState
}

// NewOfType returns a zero value of the given object type.
func NewOfType(t ObjectType) (Object, bool) {
	info, ok := registry[t]
	if !ok {
		return nil, false
	}
	return info.factory(), true
}

// NewStub materializes a placeholder for an object referenced before its
// content arrived.
func NewStub(t ObjectType, id string) (Object, bool) {
	obj, ok := NewOfType(t)
	if !ok {
		return nil, false
	}
	_ = obj.ApplyChangeset(Changeset{"id": id})
	obj.SetState(StateUnavailable)
	return obj, true
}

// ValidateChangeset checks the changeset against the required field set of
// its declared type.
func ValidateChangeset(t ObjectType, c Changeset) error {
	info, ok := registry[t]
	if !ok {
		return fmt.Errorf("unknown object type %q", t)
	}
	if missing := c.Missing(info.required); len(missing) > 0 {
		return &MissingFieldError{Type: t, Fields: missing}
	}
	return nil
}

// FromChangeset validates the changeset and builds a fresh object from it.
func FromChangeset(t ObjectType, c Changeset) (Object, error) {
	if err := ValidateChangeset(t, c); err != nil {
		return nil, err
	}
	obj, _ := NewOfType(t)
	if err := obj.ApplyChangeset(c); err != nil {
		return nil, err
	}
	return obj, nil
}
