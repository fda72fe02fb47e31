package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"souma/node/pkg/models"
)

func TestMemoryObjectRoundTrip(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	star := &models.Star{
		ID:       models.NewID(),
		Text:     "hello",
		Created:  time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond),
		Modified: time.Now().UTC().Truncate(time.Microsecond),
		State:    models.StateDraft,
		AuthorID: models.NewID(),
	}
	if err := mem.Put(ctx, star); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, found, err := mem.Get(ctx, models.TypeStar, star.ID)
	if err != nil || !found {
		t.Fatalf("Get: found=%v err=%v", found, err)
	}
	loaded := got.(*models.Star)
	if loaded.Text != star.Text || loaded.AuthorID != star.AuthorID {
		t.Fatalf("loaded %+v, want %+v", loaded, star)
	}
	if loaded.CurrentState() != models.StateDraft {
		t.Fatalf("state = %v, want draft", loaded.CurrentState())
	}
	if !loaded.Modified.Equal(star.Modified) {
		t.Fatalf("modified = %v, want %v", loaded.Modified, star.Modified)
	}
}

func TestMemoryGetReturnsIndependentCopies(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()

	star := &models.Star{ID: models.NewID(), Text: "original", AuthorID: models.NewID()}
	if err := mem.Put(ctx, star); err != nil {
		t.Fatal(err)
	}

	first, _, _ := mem.Get(ctx, models.TypeStar, star.ID)
	first.(*models.Star).Text = "mutated by caller"

	second, _, _ := mem.Get(ctx, models.TypeStar, star.ID)
	if second.(*models.Star).Text != "original" {
		t.Fatal("mutating a loaded object must not leak into the store")
	}
}

func TestMemoryListByCreator(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	mine := models.NewID()
	theirs := models.NewID()

	for _, star := range []*models.Star{
		{ID: "star-b", Text: "two", AuthorID: mine},
		{ID: "star-a", Text: "one", AuthorID: mine},
		{ID: "star-c", Text: "other", AuthorID: theirs},
	} {
		if err := mem.Put(ctx, star); err != nil {
			t.Fatal(err)
		}
	}

	got, err := mem.ListByCreator(ctx, models.TypeStar, mine)
	if err != nil {
		t.Fatalf("ListByCreator: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ObjectID() != "star-a" || got[1].ObjectID() != "star-b" {
		t.Fatalf("order = [%s %s], want [star-a star-b]", got[0].ObjectID(), got[1].ObjectID())
	}

	empty, err := mem.ListByCreator(ctx, models.TypeStar, models.NewID())
	if err != nil || len(empty) != 0 {
		t.Fatalf("unknown creator: len=%d err=%v", len(empty), err)
	}
}

func TestMemoryDeleteNotFound(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	if err := mem.Delete(ctx, models.TypeStar, models.NewID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryListByTypeSorted(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	author := models.NewID()

	for _, id := range []string{"cc", "aa", "bb"} {
		star := &models.Star{ID: id, Text: id, AuthorID: author}
		if err := mem.Put(ctx, star); err != nil {
			t.Fatal(err)
		}
	}
	if err := mem.Put(ctx, &models.Group{ID: "zz", Name: "other type", AdminID: author}); err != nil {
		t.Fatal(err)
	}

	stars, err := mem.ListByType(ctx, models.TypeStar)
	if err != nil {
		t.Fatalf("ListByType: %v", err)
	}
	if len(stars) != 3 {
		t.Fatalf("star count = %d, want 3", len(stars))
	}
	for i, want := range []string{"aa", "bb", "cc"} {
		if stars[i].ObjectID() != want {
			t.Fatalf("stars[%d] = %q, want %q", i, stars[i].ObjectID(), want)
		}
	}
}

func TestMemoryRecordConflict(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	rec := VesicleRecord{ID: models.NewID(), Status: StatusApplied}

	if err := mem.Record(ctx, rec); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := mem.Record(ctx, rec); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemorySetStatusClearsRaw(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	id := models.NewID()

	if err := mem.Record(ctx, VesicleRecord{ID: id, Status: StatusPendingKey, Raw: []byte("envelope bytes")}); err != nil {
		t.Fatal(err)
	}
	rec, found, _ := mem.GetRecord(ctx, id)
	if !found || len(rec.Raw) == 0 {
		t.Fatal("pending record should keep its raw bytes")
	}

	if err := mem.SetStatus(ctx, id, StatusApplied); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}
	rec, _, _ = mem.GetRecord(ctx, id)
	if rec.Status != StatusApplied {
		t.Fatalf("status = %q, want applied", rec.Status)
	}
	if rec.Raw != nil {
		t.Fatal("leaving pending_key must drop the raw envelope")
	}

	if err := mem.SetStatus(ctx, models.NewID(), StatusApplied); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown record, got %v", err)
	}
}

func TestMemoryListByStatusOrdered(t *testing.T) {
	mem := NewMemory()
	ctx := context.Background()
	base := time.Now().UTC()

	newer := VesicleRecord{ID: models.NewID(), Status: StatusPendingKey, Received: base.Add(time.Minute)}
	older := VesicleRecord{ID: models.NewID(), Status: StatusPendingKey, Received: base}
	applied := VesicleRecord{ID: models.NewID(), Status: StatusApplied, Received: base}
	for _, rec := range []VesicleRecord{newer, older, applied} {
		if err := mem.Record(ctx, rec); err != nil {
			t.Fatal(err)
		}
	}

	pending, err := mem.ListByStatus(ctx, StatusPendingKey)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending count = %d, want 2", len(pending))
	}
	if pending[0].ID != older.ID || pending[1].ID != newer.ID {
		t.Fatal("pending records should be ordered oldest first")
	}
}
