// Package eventbus implements the named-event subscriber tables shared by the
// hub and the client: persistent and one-shot handlers, ordered dispatch, and
// panic isolation with a handlerError meta-event.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// HandlerError is the reserved event name on which handler panics are
// reported. Its payload is {"eventName": ..., "error": ...}.
const HandlerError = "handlerError"

// defaultMaxListeners is the soft per-event listener cap before Emit-side
// registration warns about a possible leak.
const defaultMaxListeners = 10

// Handler receives an event payload and the name of the client that emitted
// it. Subscribers on the hub see the sending client's name; subscribers on a
// client see "server" for hub-originated events.
type Handler func(data json.RawMessage, from string)

// Subscription identifies a registered handler so it can be removed again.
type Subscription uint64

type entry struct {
	id Subscription
	fn Handler
}

// Bus is a small in-process event dispatcher. All methods are safe for
// concurrent use; handlers run on the emitting goroutine, outside the bus
// lock, in registration order with persistent handlers before one-shot ones.
type Bus struct {
	mu           sync.Mutex
	nextID       Subscription
	persistent   map[string][]entry
	oneShot      map[string][]entry
	maxListeners int
	warned       map[string]bool
	log          zerolog.Logger
}

// New returns an empty bus logging through the given logger.
func New(logger zerolog.Logger) *Bus {
	return &Bus{
		persistent:   make(map[string][]entry),
		oneShot:      make(map[string][]entry),
		maxListeners: defaultMaxListeners,
		warned:       make(map[string]bool),
		log:          logger,
	}
}

// On registers a persistent handler for the event and returns its
// subscription token.
func (b *Bus) On(event string, fn Handler) Subscription {
	return b.add(event, fn, false, false)
}

// Once registers a handler that fires at most once. The entry is removed
// before invocation, so a handler that re-registers itself does not fire
// twice within the same emission.
func (b *Bus) Once(event string, fn Handler) Subscription {
	return b.add(event, fn, true, false)
}

// Prepend registers a persistent handler ahead of all existing handlers for
// the event.
func (b *Bus) Prepend(event string, fn Handler) Subscription {
	return b.add(event, fn, false, true)
}

// PrependOnce registers a one-shot handler ahead of all existing one-shot
// handlers for the event.
func (b *Bus) PrependOnce(event string, fn Handler) Subscription {
	return b.add(event, fn, true, true)
}

func (b *Bus) add(event string, fn Handler, once, front bool) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	e := entry{id: b.nextID, fn: fn}

	table := b.persistent
	if once {
		table = b.oneShot
	}
	if front {
		table[event] = append([]entry{e}, table[event]...)
	} else {
		table[event] = append(table[event], e)
	}

	if n := len(b.persistent[event]) + len(b.oneShot[event]); b.maxListeners > 0 && n > b.maxListeners && !b.warned[event] {
		b.warned[event] = true
		b.log.Warn().Str("event", event).Int("listeners", n).Int("max", b.maxListeners).
			Msg("Possible listener leak detected")
	}

	return e.id
}

// Off removes the handler identified by the subscription token. Removing an
// already-removed or foreign token is a no-op.
func (b *Bus) Off(event string, sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.persistent[event] = remove(b.persistent[event], sub)
	b.oneShot[event] = remove(b.oneShot[event], sub)
	b.prune(event)
}

// RemoveAllListeners removes every handler for the named events, or every
// handler on the bus when called without arguments.
func (b *Bus) RemoveAllListeners(events ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(events) == 0 {
		b.persistent = make(map[string][]entry)
		b.oneShot = make(map[string][]entry)
		return
	}
	for _, event := range events {
		delete(b.persistent, event)
		delete(b.oneShot, event)
	}
}

// HasListeners reports whether any handler, persistent or one-shot, is
// registered for the event.
func (b *Bus) HasListeners(event string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.persistent[event])+len(b.oneShot[event]) > 0
}

// ListenerCount returns the number of handlers registered for the event
// across both tables.
func (b *Bus) ListenerCount(event string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.persistent[event]) + len(b.oneShot[event])
}

// EventNames returns the sorted names of all events with at least one
// handler.
func (b *Bus) EventNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]struct{}, len(b.persistent)+len(b.oneShot))
	for event, entries := range b.persistent {
		if len(entries) > 0 {
			seen[event] = struct{}{}
		}
	}
	for event, entries := range b.oneShot {
		if len(entries) > 0 {
			seen[event] = struct{}{}
		}
	}

	names := make([]string, 0, len(seen))
	for event := range seen {
		names = append(names, event)
	}
	sort.Strings(names)
	return names
}

// SetMaxListeners adjusts the soft per-event listener cap. Zero disables the
// warning entirely.
func (b *Bus) SetMaxListeners(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maxListeners = n
	b.warned = make(map[string]bool)
}

// Emit dispatches the event to its persistent handlers in registration order
// and then to its one-shot handlers. One-shot entries are cleared before any
// handler runs. A panicking handler is recovered, logged, and reported on the
// HandlerError meta-event without affecting the remaining handlers.
func (b *Bus) Emit(event string, data json.RawMessage, from string) {
	b.mu.Lock()
	handlers := make([]Handler, 0, len(b.persistent[event])+len(b.oneShot[event]))
	for _, e := range b.persistent[event] {
		handlers = append(handlers, e.fn)
	}
	for _, e := range b.oneShot[event] {
		handlers = append(handlers, e.fn)
	}
	delete(b.oneShot, event)
	b.mu.Unlock()

	for _, fn := range handlers {
		b.invoke(event, fn, data, from)
	}
}

func (b *Bus) invoke(event string, fn Handler, data json.RawMessage, from string) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		b.log.Error().Str("event", event).Interface("panic", r).Msg("Event handler panicked")
		if event == HandlerError {
			return
		}
		report, err := json.Marshal(struct {
			EventName string `json:"eventName"`
			Error     string `json:"error"`
		}{EventName: event, Error: fmt.Sprint(r)})
		if err != nil {
			return
		}
		b.Emit(HandlerError, report, from)
	}()
	fn(data, from)
}

func remove(entries []entry, sub Subscription) []entry {
	for i, e := range entries {
		if e.id == sub {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// prune drops empty slices so EventNames and the listener-leak warning see an
// accurate event set.
func (b *Bus) prune(event string) {
	if len(b.persistent[event]) == 0 {
		delete(b.persistent, event)
	}
	if len(b.oneShot[event]) == 0 {
		delete(b.oneShot, event)
	}
}
