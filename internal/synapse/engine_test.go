package synapse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"souma/node/internal/keyring"
	"souma/node/internal/signalbus"
	"souma/node/internal/store"
	"souma/node/internal/vesicle"
	"souma/node/pkg/models"
)

type relayCall struct {
	recipient string
	data      []byte
}

type fakeRelay struct {
	mu    sync.Mutex
	calls []relayCall
	fail  map[string]bool
}

func (f *fakeRelay) Relay(_ context.Context, recipient string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[recipient] {
		return context.DeadlineExceeded
	}
	f.calls = append(f.calls, relayCall{recipient: recipient, data: append([]byte(nil), data...)})
	return nil
}

func (f *fakeRelay) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestEngine(t *testing.T) (*Engine, *store.Memory, *keyring.Keyring, *fakeRelay) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := store.NewMemory()
	ring := keyring.New()
	relay := &fakeRelay{fail: make(map[string]bool)}
	bus := signalbus.New(false)
	engine := New(log, ring, mem, mem, bus, relay, nil, "node-souma", nil)
	return engine, mem, ring, relay
}

type fakeDirectory struct {
	mu     sync.Mutex
	idents map[string]*keyring.Identity
	calls  int
}

func (f *fakeDirectory) ResolvePersona(_ context.Context, id string) (*keyring.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	ident, ok := f.idents[id]
	if !ok {
		return nil, errors.New("persona record not found")
	}
	return ident, nil
}

func newIdentity(t *testing.T, name string) *keyring.Identity {
	t.Helper()
	ident, _, err := keyring.GenerateIdentity(name)
	if err != nil {
		t.Fatalf("GenerateIdentity: %v", err)
	}
	return ident
}

func foreignCopy(t *testing.T, ident *keyring.Identity) *keyring.Identity {
	t.Helper()
	foreign, err := keyring.ForeignIdentity(ident.ID, ident.Username, ident.SignPublicB64(), ident.CryptPublicB64())
	if err != nil {
		t.Fatalf("ForeignIdentity: %v", err)
	}
	return foreign
}

func objectEnvelope(t *testing.T, author *keyring.Identity, action string, obj models.Object) []byte {
	t.Helper()
	v := vesicle.New(MessageObject, models.Changeset{
		"action":      action,
		"object_type": string(obj.ObjectType()),
		"object":      map[string]any(obj.Export()),
	}, author.ID, "remote-souma")
	if err := v.Sign(author); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	data, err := v.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return data
}

func newStar(author *keyring.Identity, text string, modified time.Time) *models.Star {
	return &models.Star{
		ID:       models.NewID(),
		Text:     text,
		Created:  modified.Add(-time.Hour),
		Modified: modified,
		AuthorID: author.ID,
	}
}

func TestInsertApplied(t *testing.T) {
	engine, mem, ring, relay := newTestEngine(t)
	author := newIdentity(t, "mara")
	if err := ring.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}

	star := newStar(author, "first light", time.Now().UTC())
	if err := engine.Handle(context.Background(), objectEnvelope(t, author, ActionInsert, star)); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, found, err := mem.Get(context.Background(), models.TypeStar, star.ID)
	if err != nil || !found {
		t.Fatalf("object not stored: found=%v err=%v", found, err)
	}
	if got.CurrentState() != models.StatePublished {
		t.Fatalf("state = %v, want published", got.CurrentState())
	}
	if got.(*models.Star).Text != "first light" {
		t.Fatalf("text = %q", got.(*models.Star).Text)
	}
	if relay.callCount() != 0 {
		t.Fatalf("insert should not relay anything, got %d calls", relay.callCount())
	}
}

func TestIngestionIdempotent(t *testing.T) {
	engine, mem, ring, _ := newTestEngine(t)
	author := newIdentity(t, "mara")
	if err := ring.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}

	star := newStar(author, "once", time.Now().UTC())
	data := objectEnvelope(t, author, ActionInsert, star)
	ctx := context.Background()

	if err := engine.Handle(ctx, data); err != nil {
		t.Fatalf("first Handle: %v", err)
	}
	// Remove the object out from under the engine. A replay of the same
	// envelope id must be a no-op, so the object stays gone.
	if err := mem.Delete(ctx, models.TypeStar, star.ID); err != nil {
		t.Fatal(err)
	}
	if err := engine.Handle(ctx, data); err != nil {
		t.Fatalf("second Handle: %v", err)
	}
	if _, found, _ := mem.Get(ctx, models.TypeStar, star.ID); found {
		t.Fatal("replayed envelope must not be processed again")
	}
}

func TestInsertOverLiveRejected(t *testing.T) {
	engine, mem, ring, _ := newTestEngine(t)
	author := newIdentity(t, "mara")
	if err := ring.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	local := newStar(author, "local copy", time.Now().UTC())
	local.State = models.StatePublished
	if err := mem.Put(ctx, local); err != nil {
		t.Fatal(err)
	}

	remote := *local
	remote.Text = "remote overwrite"
	if err := engine.Handle(ctx, objectEnvelope(t, author, ActionInsert, &remote)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _, _ := mem.Get(ctx, models.TypeStar, local.ID)
	if got.(*models.Star).Text != "local copy" {
		t.Fatalf("live copy was overwritten: %q", got.(*models.Star).Text)
	}
}

func TestInsertPromotesStub(t *testing.T) {
	engine, mem, ring, _ := newTestEngine(t)
	author := newIdentity(t, "mara")
	if err := ring.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	star := newStar(author, "full content", time.Now().UTC())
	stub, _ := models.NewStub(models.TypeStar, star.ID)
	if err := mem.Put(ctx, stub); err != nil {
		t.Fatal(err)
	}

	if err := engine.Handle(ctx, objectEnvelope(t, author, ActionInsert, star)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	got, _, _ := mem.Get(ctx, models.TypeStar, star.ID)
	if got.CurrentState() != models.StatePublished {
		t.Fatalf("state = %v, want published", got.CurrentState())
	}
	if got.(*models.Star).Text != "full content" {
		t.Fatalf("stub not promoted: %q", got.(*models.Star).Text)
	}
}

func TestUpdateLastWriterWins(t *testing.T) {
	engine, mem, ring, _ := newTestEngine(t)
	author := newIdentity(t, "mara")
	if err := ring.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Microsecond)

	local := newStar(author, "local", base)
	local.State = models.StatePublished
	if err := mem.Put(ctx, local); err != nil {
		t.Fatal(err)
	}

	// Older incoming copy loses.
	stale := *local
	stale.Text = "stale"
	stale.Modified = base.Add(-time.Minute)
	if err := engine.Handle(ctx, objectEnvelope(t, author, ActionUpdate, &stale)); err != nil {
		t.Fatal(err)
	}
	got, _, _ := mem.Get(ctx, models.TypeStar, local.ID)
	if got.(*models.Star).Text != "local" {
		t.Fatalf("stale update applied: %q", got.(*models.Star).Text)
	}

	// Newer incoming copy wins.
	fresh := *local
	fresh.Text = "fresh"
	fresh.Modified = base.Add(time.Minute)
	if err := engine.Handle(ctx, objectEnvelope(t, author, ActionUpdate, &fresh)); err != nil {
		t.Fatal(err)
	}
	got, _, _ = mem.Get(ctx, models.TypeStar, local.ID)
	if got.(*models.Star).Text != "fresh" {
		t.Fatalf("fresh update dropped: %q", got.(*models.Star).Text)
	}
	if !got.ModifiedAt().Equal(fresh.Modified) {
		t.Fatalf("modified = %v, want %v", got.ModifiedAt(), fresh.Modified)
	}
}

func TestUnauthorizedUpdateDropped(t *testing.T) {
	engine, mem, ring, _ := newTestEngine(t)
	author := newIdentity(t, "mara")
	intruder := newIdentity(t, "zed")
	if err := ring.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}
	if err := ring.Add(foreignCopy(t, intruder)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	local := newStar(author, "original", time.Now().UTC())
	local.State = models.StatePublished
	if err := mem.Put(ctx, local); err != nil {
		t.Fatal(err)
	}

	forged := *local
	forged.Text = "defaced"
	forged.Modified = local.Modified.Add(time.Hour)
	if err := engine.Handle(ctx, objectEnvelope(t, intruder, ActionUpdate, &forged)); err != nil {
		t.Fatal(err)
	}
	got, _, _ := mem.Get(ctx, models.TypeStar, local.ID)
	if got.(*models.Star).Text != "original" {
		t.Fatalf("unauthorized update applied: %q", got.(*models.Star).Text)
	}
}

func TestUpdateUnknownMaterializesStubAndRequests(t *testing.T) {
	engine, mem, ring, relay := newTestEngine(t)
	author := newIdentity(t, "mara")
	nodePersona := newIdentity(t, "node")
	if err := ring.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}
	if err := ring.Add(nodePersona); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	unknown := newStar(author, "never seen", time.Now().UTC())
	if err := engine.Handle(ctx, objectEnvelope(t, author, ActionUpdate, unknown)); err != nil {
		t.Fatal(err)
	}

	got, found, _ := mem.Get(ctx, models.TypeStar, unknown.ID)
	if !found {
		t.Fatal("stub should have been materialized")
	}
	if got.CurrentState() != models.StateUnavailable {
		t.Fatalf("stub state = %v, want unavailable", got.CurrentState())
	}
	if relay.callCount() != 1 {
		t.Fatalf("relay calls = %d, want 1 object request", relay.callCount())
	}
	if relay.calls[0].recipient != author.ID {
		t.Fatalf("request sent to %q, want author", relay.calls[0].recipient)
	}
	req, err := vesicle.Parse(relay.calls[0].data, ring)
	if err != nil {
		t.Fatalf("request does not parse: %v", err)
	}
	if req.MessageType != MessageObjectRequest {
		t.Fatalf("message type = %q", req.MessageType)
	}
	payload, _ := req.Payload()
	if id, _ := payload.String("object_id"); id != unknown.ID {
		t.Fatalf("requested id = %q, want %q", id, unknown.ID)
	}
}

func TestDeleteSoftensStatefulObjects(t *testing.T) {
	engine, mem, ring, _ := newTestEngine(t)
	author := newIdentity(t, "mara")
	if err := ring.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	local := newStar(author, "to be removed", time.Now().UTC())
	local.State = models.StatePublished
	if err := mem.Put(ctx, local); err != nil {
		t.Fatal(err)
	}

	if err := engine.Handle(ctx, objectEnvelope(t, author, ActionDelete, local)); err != nil {
		t.Fatal(err)
	}
	got, found, _ := mem.Get(ctx, models.TypeStar, local.ID)
	if !found {
		t.Fatal("soft delete must keep the tombstone row")
	}
	if got.CurrentState() != models.StateDeleted {
		t.Fatalf("state = %v, want deleted", got.CurrentState())
	}
	if got.(*models.Star).Text != "" {
		t.Fatal("tombstone must not retain content")
	}
}

func TestDeleteRemovesStatelessObjects(t *testing.T) {
	engine, mem, ring, _ := newTestEngine(t)
	author := newIdentity(t, "mara")
	if err := ring.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m := &models.Starmap{ID: models.NewID(), Kind: "persona", AuthorID: author.ID, Modified: time.Now().UTC()}
	if err := mem.Put(ctx, m); err != nil {
		t.Fatal(err)
	}
	if err := engine.Handle(ctx, objectEnvelope(t, author, ActionDelete, m)); err != nil {
		t.Fatal(err)
	}
	if _, found, _ := mem.Get(ctx, models.TypeStarmap, m.ID); found {
		t.Fatal("stateless object should be hard deleted")
	}
}

func TestDistributeSendsIdenticalBytes(t *testing.T) {
	engine, mem, ring, relay := newTestEngine(t)
	author := newIdentity(t, "mara")
	b := newIdentity(t, "ivo")
	c := newIdentity(t, "zed")
	d := newIdentity(t, "pia")
	if err := ring.Add(author); err != nil {
		t.Fatal(err)
	}
	for _, ident := range []*keyring.Identity{b, c, d} {
		if err := ring.Add(foreignCopy(t, ident)); err != nil {
			t.Fatal(err)
		}
	}
	ctx := context.Background()

	star := newStar(author, "broadcast", time.Now().UTC())
	if err := mem.Put(ctx, star); err != nil {
		t.Fatal(err)
	}
	if err := engine.Distribute(ctx, star, ActionInsert, []string{b.ID, c.ID, d.ID}, []string{b.ID, c.ID, d.ID}); err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	if relay.callCount() != 3 {
		t.Fatalf("relay calls = %d, want 3", relay.callCount())
	}
	for i := 1; i < 3; i++ {
		if !bytes.Equal(relay.calls[0].data, relay.calls[i].data) {
			t.Fatal("every recipient must receive identical envelope bytes")
		}
	}

	// Each recipient can open their copy; the envelope is encrypted and
	// signed by the author.
	for _, ident := range []*keyring.Identity{b, c, d} {
		r := keyring.New()
		if err := r.Add(ident); err != nil {
			t.Fatal(err)
		}
		if err := r.Add(foreignCopy(t, author)); err != nil {
			t.Fatal(err)
		}
		v, err := vesicle.Parse(relay.calls[0].data, r)
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if !v.Encrypted() {
			t.Fatal("distributed envelope must be encrypted")
		}
		if err := v.Decrypt(r); err != nil {
			t.Fatalf("recipient %s cannot decrypt: %v", ident.Username, err)
		}
	}

	// The author's index now lists the distributed object.
	starmap, err := engine.starmapFor(ctx, author.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !starmap.Contains(star.ID) {
		t.Fatal("distribution should add the object to the author's starmap")
	}
}

func TestObjectRequestServed(t *testing.T) {
	engine, mem, ring, relay := newTestEngine(t)
	author := newIdentity(t, "mara")
	requester := newIdentity(t, "ivo")
	if err := ring.Add(author); err != nil {
		t.Fatal(err)
	}
	if err := ring.Add(foreignCopy(t, requester)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	star := newStar(author, "requested content", time.Now().UTC())
	star.State = models.StatePublished
	if err := mem.Put(ctx, star); err != nil {
		t.Fatal(err)
	}

	req := vesicle.New(MessageObjectRequest, models.Changeset{
		"object_type": string(models.TypeStar),
		"object_id":   star.ID,
	}, requester.ID, "remote-souma")
	if err := req.Sign(requester); err != nil {
		t.Fatal(err)
	}
	data, err := req.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Handle(ctx, data); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if relay.callCount() != 1 {
		t.Fatalf("relay calls = %d, want 1", relay.callCount())
	}
	if relay.calls[0].recipient != requester.ID {
		t.Fatalf("response sent to %q", relay.calls[0].recipient)
	}

	requesterRing := keyring.New()
	if err := requesterRing.Add(requester); err != nil {
		t.Fatal(err)
	}
	if err := requesterRing.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}
	resp, err := vesicle.Parse(relay.calls[0].data, requesterRing)
	if err != nil {
		t.Fatalf("response does not parse: %v", err)
	}
	if resp.MessageType != MessageObject {
		t.Fatalf("response type = %q", resp.MessageType)
	}
	if resp.ReplyTo != req.ID {
		t.Fatalf("reply_to = %q, want %q", resp.ReplyTo, req.ID)
	}
	if err := resp.Decrypt(requesterRing); err != nil {
		t.Fatalf("requester cannot decrypt response: %v", err)
	}
	payload, _ := resp.Payload()
	obj := payload["object"].(map[string]any)
	if obj["text"] != "requested content" {
		t.Fatalf("served object text = %v", obj["text"])
	}
}

func TestStarmapIngestRequestsUnknownObjects(t *testing.T) {
	engine, mem, ring, relay := newTestEngine(t)
	author := newIdentity(t, "mara")
	nodePersona := newIdentity(t, "node")
	if err := ring.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}
	if err := ring.Add(nodePersona); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	known := newStar(author, "already here", time.Now().UTC())
	known.State = models.StatePublished
	if err := mem.Put(ctx, known); err != nil {
		t.Fatal(err)
	}

	m := &models.Starmap{ID: models.NewID(), Kind: "persona", AuthorID: author.ID, Modified: time.Now().UTC()}
	m.Add(models.Orb{ID: known.ID, Type: models.TypeStar, Modified: known.Modified})
	missing1 := models.NewID()
	missing2 := models.NewID()
	m.Add(models.Orb{ID: missing1, Type: models.TypeStar, Modified: time.Now().UTC()})
	m.Add(models.Orb{ID: missing2, Type: models.TypePlanet, Modified: time.Now().UTC()})

	v := vesicle.New(MessageStarmap, m.Export(), author.ID, "remote-souma")
	if err := v.Sign(author); err != nil {
		t.Fatal(err)
	}
	data, err := v.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Handle(ctx, data); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	if _, found, _ := mem.Get(ctx, models.TypeStarmap, m.ID); !found {
		t.Fatal("starmap should be stored")
	}
	for _, id := range []string{missing1, missing2} {
		obj, found, _ := mem.Get(ctx, models.TypeStar, id)
		if id == missing2 {
			obj, found, _ = mem.Get(ctx, models.TypePlanet, id)
		}
		if !found || obj.CurrentState() != models.StateUnavailable {
			t.Fatalf("expected stub for %s", id)
		}
	}
	if relay.callCount() != 2 {
		t.Fatalf("relay calls = %d, want 2 object requests", relay.callCount())
	}
}

func TestPendingKeyParkAndRetry(t *testing.T) {
	engine, mem, ring, _ := newTestEngine(t)
	author := newIdentity(t, "mara")
	recipient := newIdentity(t, "ivo")
	if err := ring.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	star := newStar(author, "locked away", time.Now().UTC())
	v := vesicle.New(MessageObject, models.Changeset{
		"action":      ActionInsert,
		"object_type": string(models.TypeStar),
		"object":      map[string]any(star.Export()),
	}, author.ID, "remote-souma")
	if err := v.Encrypt(author, []*keyring.Identity{recipient}); err != nil {
		t.Fatal(err)
	}
	if err := v.Sign(author); err != nil {
		t.Fatal(err)
	}
	data, err := v.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	// No key yet: the envelope parks instead of failing.
	if err := engine.Handle(ctx, data); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, found, _ := mem.Get(ctx, models.TypeStar, star.ID); found {
		t.Fatal("object must not be applied without a key")
	}
	pending, err := mem.ListByStatus(ctx, store.StatusPendingKey)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending records = %d, want 1", len(pending))
	}
	if got := testutil.ToFloat64(engine.metrics.pendingKey); got != 1 {
		t.Fatalf("pending key gauge = %v, want 1", got)
	}

	// The key arrives; the parked envelope replays to completion.
	if err := ring.Add(recipient); err != nil {
		t.Fatal(err)
	}
	if err := engine.RetryPending(ctx); err != nil {
		t.Fatalf("RetryPending: %v", err)
	}
	if _, found, _ := mem.Get(ctx, models.TypeStar, star.ID); !found {
		t.Fatal("parked envelope should apply once the key is known")
	}
	pending, _ = mem.ListByStatus(ctx, store.StatusPendingKey)
	if len(pending) != 0 {
		t.Fatalf("pending records = %d, want 0", len(pending))
	}
	if got := testutil.ToFloat64(engine.metrics.pendingKey); got != 0 {
		t.Fatalf("pending key gauge = %v, want 0", got)
	}
}

func personaFor(ident *keyring.Identity) *models.Persona {
	return &models.Persona{
		ID:          ident.ID,
		Username:    ident.Username,
		SignPublic:  ident.SignPublicB64(),
		CryptPublic: ident.CryptPublicB64(),
		Modified:    time.Now().UTC(),
	}
}

func TestUnknownAuthorResolvedFromDirectory(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	mem := store.NewMemory()
	ring := keyring.New()
	relay := &fakeRelay{fail: make(map[string]bool)}
	author := newIdentity(t, "mara")
	dir := &fakeDirectory{idents: map[string]*keyring.Identity{author.ID: foreignCopy(t, author)}}
	engine := New(log, ring, mem, mem, signalbus.New(false), relay, dir, "node-souma", nil)
	ctx := context.Background()

	// A stranger announces themselves with a signed persona record. Their
	// keys come from the directory, then the envelope parses and applies.
	data := objectEnvelope(t, author, ActionInsert, personaFor(author))
	if err := engine.Handle(ctx, data); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if dir.calls != 1 {
		t.Fatalf("directory lookups = %d, want 1", dir.calls)
	}
	got, found, err := mem.Get(ctx, models.TypePersona, author.ID)
	if err != nil || !found {
		t.Fatalf("persona not stored: found=%v err=%v", found, err)
	}
	if got.(*models.Persona).Username != "mara" {
		t.Fatalf("username = %q", got.(*models.Persona).Username)
	}
	if _, ok := ring.IdentityByID(author.ID); !ok {
		t.Fatal("author keys should now be in the keyring")
	}
}

func TestUnknownAuthorWithoutDirectoryDropped(t *testing.T) {
	engine, mem, _, _ := newTestEngine(t)
	author := newIdentity(t, "mara")
	ctx := context.Background()

	err := engine.Handle(ctx, objectEnvelope(t, author, ActionInsert, personaFor(author)))
	if !errors.Is(err, vesicle.ErrPersonaNotFound) {
		t.Fatalf("err = %v, want ErrPersonaNotFound", err)
	}
	if _, found, _ := mem.Get(ctx, models.TypePersona, author.ID); found {
		t.Fatal("persona from unverifiable envelope must not be stored")
	}
}

func TestDistributePublicPlaintext(t *testing.T) {
	engine, mem, ring, relay := newTestEngine(t)
	author := newIdentity(t, "mara")
	if err := ring.Add(author); err != nil {
		t.Fatal(err)
	}
	targets := []string{models.NewID(), models.NewID(), models.NewID()}
	ctx := context.Background()

	star := newStar(author, "open letter", time.Now().UTC())
	if err := mem.Put(ctx, star); err != nil {
		t.Fatal(err)
	}
	// No confidants: the targets need not have known keys, they only carry
	// the bytes onward.
	if err := engine.Distribute(ctx, star, ActionInsert, targets, nil); err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	if relay.callCount() != 3 {
		t.Fatalf("relay calls = %d, want 3", relay.callCount())
	}
	for i, call := range relay.calls {
		if call.recipient != targets[i] {
			t.Fatalf("call %d went to %q, want %q", i, call.recipient, targets[i])
		}
		if !bytes.Equal(call.data, relay.calls[0].data) {
			t.Fatal("every target must receive identical envelope bytes")
		}
	}

	v, err := vesicle.Parse(relay.calls[0].data, ring)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if v.Encrypted() {
		t.Fatal("public distribution must not encrypt the payload")
	}
	if len(v.Keycrypt) != 0 {
		t.Fatalf("public envelope carries %d keycrypt entries, want 0", len(v.Keycrypt))
	}
	payload, err := v.Payload()
	if err != nil {
		t.Fatalf("Payload: %v", err)
	}
	obj := payload["object"].(map[string]any)
	if obj["text"] != "open letter" {
		t.Fatalf("payload text = %v", obj["text"])
	}
}

func TestUpdateRejectsIncompleteChangeset(t *testing.T) {
	engine, mem, ring, _ := newTestEngine(t)
	author := newIdentity(t, "mara")
	if err := ring.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	local := newStar(author, "intact", time.Now().UTC())
	local.State = models.StatePublished
	if err := mem.Put(ctx, local); err != nil {
		t.Fatal(err)
	}

	// A fragment carrying only id and modified is not a valid update.
	v := vesicle.New(MessageObject, models.Changeset{
		"action":      ActionUpdate,
		"object_type": string(models.TypeStar),
		"object": map[string]any{
			"id":       local.ID,
			"text":     "partial overwrite",
			"modified": local.Modified.Add(time.Hour).Format(time.RFC3339Nano),
		},
	}, author.ID, "remote-souma")
	if err := v.Sign(author); err != nil {
		t.Fatal(err)
	}
	data, err := v.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Handle(ctx, data); err != nil {
		t.Fatalf("Handle: %v", err)
	}

	got, _, _ := mem.Get(ctx, models.TypeStar, local.ID)
	if got.(*models.Star).Text != "intact" {
		t.Fatalf("incomplete changeset was applied: %q", got.(*models.Star).Text)
	}
	rec, _, _ := mem.GetRecord(ctx, v.ID)
	if rec.Status != store.StatusRejected {
		t.Fatalf("status = %q, want rejected", rec.Status)
	}
}

func TestFindSourceWalksContactGraph(t *testing.T) {
	engine, mem, _, _ := newTestEngine(t)
	ctx := context.Background()

	owner := &models.Persona{ID: "p-owner", Username: "mara", ContactIDs: []string{"p-zoe", "p-ada"}, Modified: time.Now().UTC()}
	ada := &models.Persona{ID: "p-ada", Username: "ada", ContactIDs: []string{"p-finn", "p-owner"}, Modified: time.Now().UTC()}
	for _, p := range []*models.Persona{owner, ada} {
		if err := mem.Put(ctx, p); err != nil {
			t.Fatal(err)
		}
	}

	got := engine.findSource(ctx, "p-owner", []string{"p-hint"})
	want := []string{"p-hint", "p-owner", "p-ada", "p-zoe", "p-finn"}
	if len(got) != len(want) {
		t.Fatalf("candidates = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate[%d] = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	// No stored persona record: hints and the owner still come back.
	got = engine.findSource(ctx, "p-ghost", []string{"p-hint"})
	if len(got) != 2 || got[0] != "p-hint" || got[1] != "p-ghost" {
		t.Fatalf("candidates = %v, want [p-hint p-ghost]", got)
	}
}

func TestUnsignedObjectEnvelopeRejected(t *testing.T) {
	engine, mem, ring, _ := newTestEngine(t)
	author := newIdentity(t, "mara")
	if err := ring.Add(foreignCopy(t, author)); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	star := newStar(author, "unsigned", time.Now().UTC())
	v := vesicle.New(MessageObject, models.Changeset{
		"action":      ActionInsert,
		"object_type": string(models.TypeStar),
		"object":      map[string]any(star.Export()),
	}, author.ID, "remote-souma")
	data, err := v.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if err := engine.Handle(ctx, data); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if _, found, _ := mem.Get(ctx, models.TypeStar, star.ID); found {
		t.Fatal("unsigned envelope must not be applied")
	}
}
