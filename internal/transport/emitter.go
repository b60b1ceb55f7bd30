package transport

import (
	"sync"

	"github.com/calliope-labs/voicelink/internal/wire"
)

// Handler receives one inbound event.
type Handler func(wire.Event)

type subscription struct {
	id uint64
	fn Handler
}

// Emitter is a small pub-sub keyed by the closed inbound event union.
// Handlers for a kind are invoked synchronously in registration order;
// On returns a token that Off uses for removal.
type Emitter struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[wire.EventKind][]subscription
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[wire.EventKind][]subscription)}
}

// On registers a handler for an event kind and returns its removal token.
func (e *Emitter) On(kind wire.EventKind, fn Handler) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.subs[kind] = append(e.subs[kind], subscription{id: e.nextID, fn: fn})
	return e.nextID
}

// Off removes the handler registered under id for the given kind.
// Removing an unknown id is a no-op.
func (e *Emitter) Off(kind wire.EventKind, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs := e.subs[kind]
	for i, sub := range subs {
		if sub.id == id {
			e.subs[kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Emit dispatches the event to every handler registered for its kind, in
// registration order. The handler list is snapshotted so a handler may call
// Off (including on itself) without deadlocking.
func (e *Emitter) Emit(ev wire.Event) {
	e.mu.Lock()
	subs := make([]subscription, len(e.subs[ev.Kind()]))
	copy(subs, e.subs[ev.Kind()])
	e.mu.Unlock()

	for _, sub := range subs {
		sub.fn(ev)
	}
}
