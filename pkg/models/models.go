package models

import (
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// ObjectType tags every distributable domain object. The set is closed;
// unknown tags are rejected during envelope validation.
type ObjectType string

const (
	TypePersona ObjectType = "Persona"
	TypeStar    ObjectType = "Star"
	TypePlanet  ObjectType = "Planet"
	TypeStarmap ObjectType = "Starmap"
	TypeGroup   ObjectType = "Group"
)

// State is the publishing state code shared by domain objects.
type State int

const (
	StateDeleted     State = -2
	StateUnavailable State = -1
	StatePublished   State = 0
	StateDraft       State = 1
	StatePrivate     State = 2
	StateUpdating    State = 3
)

// Live reports whether the object is a real local copy rather than a
// stub or tombstone. Live copies block re-insertion.
func (s State) Live() bool {
	return s >= StatePublished
}

func (s State) String() string {
	switch s {
	case StateDeleted:
		return "deleted"
	case StateUnavailable:
		return "unavailable"
	case StatePublished:
		return "published"
	case StateDraft:
		return "draft"
	case StatePrivate:
		return "private"
	case StateUpdating:
		return "updating"
	default:
		return "unknown"
	}
}

// NewID returns a fresh 32-hex-char object identifier.
func NewID() string {
	u := uuid.New()
	return hex.EncodeToString(u[:])
}

// Object is implemented by every distributable domain object.
type Object interface {
	ObjectID() string
	ObjectType() ObjectType
	ModifiedAt() time.Time
	CreatorID() string
	CurrentState() State
	SetState(State)

	// Export returns the full changeset representation used in object
	// insert/update payloads and object-request responses.
	Export() Changeset
	// ApplyChangeset overwrites the object's mutable fields from a
	// changeset. Required-field validation happens before this call.
	ApplyChangeset(c Changeset) error
	// Authorize reports whether actorID may perform action ("update",
	// "delete") on this object.
	Authorize(action, actorID string) bool
	// ClearContent empties user content for soft deletion.
	ClearContent()
}

// Persona is a user profile. Key material lives in the keyring, not here;
// this record carries only the public halves as they travel on the wire.
type Persona struct {
	ID          string    `json:"id"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	SignPublic  string    `json:"sign_public"`
	CryptPublic string    `json:"crypt_public"`
	Modified    time.Time `json:"modified"`
	State       State     `json:"state"`
	IndexID     string    `json:"index_id,omitempty"`
	ContactIDs  []string  `json:"contact_ids,omitempty"`
}

func (p *Persona) ObjectID() string       { return p.ID }
func (p *Persona) ObjectType() ObjectType { return TypePersona }
func (p *Persona) ModifiedAt() time.Time  { return p.Modified }
func (p *Persona) CreatorID() string      { return p.ID }
func (p *Persona) CurrentState() State    { return p.State }
func (p *Persona) SetState(s State)       { p.State = s }

func (p *Persona) Authorize(action, actorID string) bool {
	return actorID != "" && actorID == p.ID
}

func (p *Persona) ClearContent() {
	p.Username = ""
	p.Email = ""
	p.IndexID = ""
	p.ContactIDs = nil
}

// IsContact reports whether the given persona id is in this persona's
// contact list.
func (p *Persona) IsContact(id string) bool {
	for _, contactID := range p.ContactIDs {
		if contactID == id {
			return true
		}
	}
	return false
}

func (p *Persona) Export() Changeset {
	c := Changeset{
		"id":           p.ID,
		"username":     p.Username,
		"email":        p.Email,
		"sign_public":  p.SignPublic,
		"crypt_public": p.CryptPublic,
		"modified":     formatTime(p.Modified),
	}
	if p.IndexID != "" {
		c["index_id"] = p.IndexID
	}
	if len(p.ContactIDs) > 0 {
		contacts := make([]any, 0, len(p.ContactIDs))
		for _, id := range p.ContactIDs {
			contacts = append(contacts, map[string]any{"id": id})
		}
		c["contacts"] = contacts
	}
	return c
}

func (p *Persona) ApplyChangeset(c Changeset) error {
	if id, ok := c.String("id"); ok {
		p.ID = id
	}
	if username, ok := c.String("username"); ok {
		p.Username = username
	}
	if email, ok := c.String("email"); ok {
		p.Email = email
	}
	if signPub, ok := c.String("sign_public"); ok {
		p.SignPublic = signPub
	}
	if cryptPub, ok := c.String("crypt_public"); ok {
		p.CryptPublic = cryptPub
	}
	if indexID, ok := c.String("index_id"); ok {
		p.IndexID = indexID
	}
	if modified, ok := c.Time("modified"); ok {
		p.Modified = modified
	}
	if contacts, ok := c["contacts"].([]any); ok {
		ids := make([]string, 0, len(contacts))
		for _, raw := range contacts {
			if m, ok := raw.(map[string]any); ok {
				if id, ok := m["id"].(string); ok {
					ids = append(ids, id)
				}
			}
		}
		p.ContactIDs = ids
	}
	return nil
}

// Star is a post published by a persona.
type Star struct {
	ID       string    `json:"id"`
	Text     string    `json:"text"`
	Created  time.Time `json:"created"`
	Modified time.Time `json:"modified"`
	State    State     `json:"state"`
	AuthorID string    `json:"author_id"`
}

func (s *Star) ObjectID() string       { return s.ID }
func (s *Star) ObjectType() ObjectType { return TypeStar }
func (s *Star) ModifiedAt() time.Time  { return s.Modified }
func (s *Star) CreatorID() string      { return s.AuthorID }
func (s *Star) CurrentState() State    { return s.State }
func (s *Star) SetState(state State)   { s.State = state }

func (s *Star) Authorize(action, actorID string) bool {
	return actorID != "" && actorID == s.AuthorID
}

func (s *Star) ClearContent() {
	s.Text = ""
}

func (s *Star) Export() Changeset {
	return Changeset{
		"id":        s.ID,
		"text":      s.Text,
		"created":   formatTime(s.Created),
		"modified":  formatTime(s.Modified),
		"author_id": s.AuthorID,
	}
}

func (s *Star) ApplyChangeset(c Changeset) error {
	if id, ok := c.String("id"); ok {
		s.ID = id
	}
	if text, ok := c.String("text"); ok {
		s.Text = text
	}
	if authorID, ok := c.String("author_id"); ok {
		s.AuthorID = authorID
	}
	if created, ok := c.Time("created"); ok {
		s.Created = created
	}
	if modified, ok := c.Time("modified"); ok {
		s.Modified = modified
	}
	return nil
}

// PlanetKind discriminates planet variants. No subtyping: one struct, a
// kind tag and the union of variant fields.
type PlanetKind string

const (
	PlanetKindPicture PlanetKind = "picture"
	PlanetKindLink    PlanetKind = "link"
)

// Planet is an attachment referenced by stars. Picture planets keep their
// bytes in the blob store; only metadata travels in changesets.
type Planet struct {
	ID       string     `json:"id"`
	Kind     PlanetKind `json:"kind"`
	Title    string     `json:"title"`
	Source   string     `json:"source"`
	Created  time.Time  `json:"created"`
	Modified time.Time  `json:"modified"`
	State    State      `json:"state"`
	Creator  string     `json:"creator_id"`

	// Filename is set for picture planets, URL for link planets.
	Filename string `json:"filename,omitempty"`
	URL      string `json:"url,omitempty"`
}

func (p *Planet) ObjectID() string       { return p.ID }
func (p *Planet) ObjectType() ObjectType { return TypePlanet }
func (p *Planet) ModifiedAt() time.Time  { return p.Modified }
func (p *Planet) CreatorID() string      { return p.Creator }
func (p *Planet) CurrentState() State    { return p.State }
func (p *Planet) SetState(s State)       { p.State = s }

func (p *Planet) Authorize(action, actorID string) bool {
	return actorID != "" && actorID == p.Creator
}

func (p *Planet) ClearContent() {
	p.Title = ""
	p.Source = ""
	p.Filename = ""
	p.URL = ""
}

func (p *Planet) Export() Changeset {
	c := Changeset{
		"id":         p.ID,
		"kind":       string(p.Kind),
		"title":      p.Title,
		"source":     p.Source,
		"created":    formatTime(p.Created),
		"modified":   formatTime(p.Modified),
		"creator_id": p.Creator,
	}
	switch p.Kind {
	case PlanetKindPicture:
		c["filename"] = p.Filename
	case PlanetKindLink:
		c["url"] = p.URL
	}
	return c
}

func (p *Planet) ApplyChangeset(c Changeset) error {
	if id, ok := c.String("id"); ok {
		p.ID = id
	}
	if kind, ok := c.String("kind"); ok {
		p.Kind = PlanetKind(kind)
	}
	if title, ok := c.String("title"); ok {
		p.Title = title
	}
	if source, ok := c.String("source"); ok {
		p.Source = source
	}
	if creator, ok := c.String("creator_id"); ok {
		p.Creator = creator
	}
	if filename, ok := c.String("filename"); ok {
		p.Filename = filename
	}
	if url, ok := c.String("url"); ok {
		p.URL = url
	}
	if created, ok := c.Time("created"); ok {
		p.Created = created
	}
	if modified, ok := c.Time("modified"); ok {
		p.Modified = modified
	}
	return nil
}

// Orb is an index entry: a reference to an object another node may fetch.
type Orb struct {
	ID       string     `json:"id"`
	Type     ObjectType `json:"type"`
	Modified time.Time  `json:"modified"`
	Creator  string     `json:"creator,omitempty"`
}

// Starmap is an index of orbs owned by an identity, describing what that
// identity has published. It carries no state code; deleting a starmap
// removes the row.
type Starmap struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	AuthorID string    `json:"author_id"`
	Modified time.Time `json:"modified"`
	Orbs     []Orb     `json:"orbs"`
}

func (m *Starmap) ObjectID() string       { return m.ID }
func (m *Starmap) ObjectType() ObjectType { return TypeStarmap }
func (m *Starmap) ModifiedAt() time.Time  { return m.Modified }
func (m *Starmap) CreatorID() string      { return m.AuthorID }
func (m *Starmap) CurrentState() State    { return StatePublished }
func (m *Starmap) SetState(State)         {}

func (m *Starmap) Authorize(action, actorID string) bool {
	return actorID != "" && actorID == m.AuthorID
}

func (m *Starmap) ClearContent() {
	m.Orbs = nil
}

// Contains reports whether the index references the given object id.
func (m *Starmap) Contains(objectID string) bool {
	for _, orb := range m.Orbs {
		if orb.ID == objectID {
			return true
		}
	}
	return false
}

// Add appends an orb, replacing an existing entry for the same id.
func (m *Starmap) Add(orb Orb) {
	for i := range m.Orbs {
		if m.Orbs[i].ID == orb.ID {
			m.Orbs[i] = orb
			return
		}
	}
	m.Orbs = append(m.Orbs, orb)
}

// Remove drops the orb with the given id, reporting whether it was present.
func (m *Starmap) Remove(objectID string) bool {
	for i := range m.Orbs {
		if m.Orbs[i].ID == objectID {
			m.Orbs = append(m.Orbs[:i], m.Orbs[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Starmap) Export() Changeset {
	index := make([]any, 0, len(m.Orbs))
	for _, orb := range m.Orbs {
		index = append(index, map[string]any{
			"id":       orb.ID,
			"type":     string(orb.Type),
			"modified": formatTime(orb.Modified),
			"creator":  orb.Creator,
		})
	}
	return Changeset{
		"id":        m.ID,
		"kind":      m.Kind,
		"author_id": m.AuthorID,
		"modified":  formatTime(m.Modified),
		"index":     index,
	}
}

func (m *Starmap) ApplyChangeset(c Changeset) error {
	if id, ok := c.String("id"); ok {
		m.ID = id
	}
	if kind, ok := c.String("kind"); ok {
		m.Kind = kind
	}
	if authorID, ok := c.String("author_id"); ok {
		m.AuthorID = authorID
	}
	if modified, ok := c.Time("modified"); ok {
		m.Modified = modified
	}
	if index, ok := c["index"].([]any); ok {
		orbs := make([]Orb, 0, len(index))
		for _, raw := range index {
			entry, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			orb := Orb{}
			if id, ok := entry["id"].(string); ok {
				orb.ID = id
			}
			if t, ok := entry["type"].(string); ok {
				orb.Type = ObjectType(t)
			}
			if creator, ok := entry["creator"].(string); ok {
				orb.Creator = creator
			}
			if raw, ok := entry["modified"].(string); ok {
				if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
					orb.Modified = ts
				}
			}
			orbs = append(orbs, orb)
		}
		m.Orbs = orbs
	}
	return nil
}

// Group is a shared context personas can publish into.
type Group struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	AdminID     string    `json:"admin_id"`
	MemberIDs   []string  `json:"member_ids,omitempty"`
	Created     time.Time `json:"created"`
	Modified    time.Time `json:"modified"`
	State       State     `json:"state"`
}

func (g *Group) ObjectID() string       { return g.ID }
func (g *Group) ObjectType() ObjectType { return TypeGroup }
func (g *Group) ModifiedAt() time.Time  { return g.Modified }
func (g *Group) CreatorID() string      { return g.AdminID }
func (g *Group) CurrentState() State    { return g.State }
func (g *Group) SetState(s State)       { g.State = s }

func (g *Group) Authorize(action, actorID string) bool {
	if actorID == "" {
		return false
	}
	if actorID == g.AdminID {
		return true
	}
	// Members may update the group record but not delete it.
	if action == "update" {
		for _, id := range g.MemberIDs {
			if id == actorID {
				return true
			}
		}
	}
	return false
}

func (g *Group) ClearContent() {
	g.Name = ""
	g.Description = ""
	g.MemberIDs = nil
}

func (g *Group) Export() Changeset {
	members := make([]any, 0, len(g.MemberIDs))
	for _, id := range g.MemberIDs {
		members = append(members, id)
	}
	return Changeset{
		"id":          g.ID,
		"name":        g.Name,
		"description": g.Description,
		"admin_id":    g.AdminID,
		"member_ids":  members,
		"created":     formatTime(g.Created),
		"modified":    formatTime(g.Modified),
	}
}

func (g *Group) ApplyChangeset(c Changeset) error {
	if id, ok := c.String("id"); ok {
		g.ID = id
	}
	if name, ok := c.String("name"); ok {
		g.Name = name
	}
	if description, ok := c.String("description"); ok {
		g.Description = description
	}
	if adminID, ok := c.String("admin_id"); ok {
		g.AdminID = adminID
	}
	if members, ok := c["member_ids"].([]any); ok {
		ids := make([]string, 0, len(members))
		for _, raw := range members {
			if id, ok := raw.(string); ok {
				ids = append(ids, id)
			}
		}
		g.MemberIDs = ids
	}
	if created, ok := c.Time("created"); ok {
		g.Created = created
	}
	if modified, ok := c.Time("modified"); ok {
		g.Modified = modified
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
