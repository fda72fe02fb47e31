// Package signalbus carries in-process notifications about object changes.
// Subscribers are keyed so components can replace their handler on restart
// without leaking the old one. There is no global instance; the bus is
// injected wherever it is needed.
package signalbus

import (
	"sync"

	"souma/node/pkg/models"
)

// Kind names what happened to an object.
type Kind string

const (
	ObjectInserted Kind = "object_inserted"
	ObjectUpdated  Kind = "object_updated"
	ObjectDeleted  Kind = "object_deleted"
	LocalChange    Kind = "local_change"
)

// ObjectEvent describes a change to a single object.
type ObjectEvent struct {
	Kind       Kind
	ObjectType models.ObjectType
	ObjectID   string
	AuthorID   string
	// Recipients carries the distribution set for local changes; empty for
	// events about remote objects.
	Recipients []string
}

type Bus struct {
	mu          sync.Mutex
	subscribers map[string]func(ObjectEvent)
	mailbox     []ObjectEvent
	buffering   bool
}

// New returns a bus. With buffer enabled, events published before the
// first subscriber arrives are held and replayed to it.
func New(buffer bool) *Bus {
	return &Bus{
		subscribers: make(map[string]func(ObjectEvent)),
		buffering:   buffer,
	}
}

// Publish delivers the event to every subscriber. Handlers run on their
// own goroutines so a slow consumer cannot stall the caller.
func (b *Bus) Publish(ev ObjectEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subscribers) == 0 && b.buffering {
		b.mailbox = append(b.mailbox, ev)
		return
	}
	for _, handler := range b.subscribers {
		go handler(ev)
	}
}

// Subscribe registers a handler under a key, replacing any previous handler
// with the same key. Buffered events are replayed synchronously to the
// first subscriber.
func (b *Bus) Subscribe(key string, handler func(ObjectEvent)) {
	b.mu.Lock()
	first := len(b.subscribers) == 0
	b.subscribers[key] = handler
	var pending []ObjectEvent
	if first {
		pending = b.mailbox
		b.mailbox = nil
	}
	b.mu.Unlock()

	for _, ev := range pending {
		handler(ev)
	}
}

// Unsubscribe removes a handler. Unknown keys are ignored.
func (b *Bus) Unsubscribe(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, key)
}
