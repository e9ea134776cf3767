package hub

import (
	"encoding/json"
	"strconv"
	"sync"

	"github.com/doggyhole/doggyhole-go/pkg/protocol"
)

// outcome is the settled result of a hub-originated request.
type outcome struct {
	data json.RawMessage
	err  error
}

type pendingEntry struct {
	target string
	done   chan outcome // buffered, capacity 1
}

// pendingTable tracks in-flight requests the hub itself has issued to
// clients. Request IDs come from a single counter so they never collide;
// every entry is settled exactly once by whichever path removes it first
// (reply, timeout, caller cancellation, target disconnect, or shutdown).
type pendingTable struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[string]*pendingEntry
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingEntry)}
}

// add registers a new in-flight request against target and returns its wire
// ID together with the channel the outcome will arrive on.
func (t *pendingTable) add(target string) (string, <-chan outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := strconv.FormatUint(t.nextID, 10)
	e := &pendingEntry{target: target, done: make(chan outcome, 1)}
	t.entries[id] = e
	return id, e.done
}

// remove deletes and returns the entry for id, or nil if it was already
// settled.
func (t *pendingTable) remove(id string) *pendingEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.entries[id]
	delete(t.entries, id)
	return e
}

// settle resolves the entry matching a response frame. It reports whether the
// frame matched an in-flight request.
func (t *pendingTable) settle(f *protocol.Frame) bool {
	e := t.remove(f.ID)
	if e == nil {
		return false
	}
	if f.Success != nil && *f.Success {
		e.done <- outcome{data: f.Data}
	} else {
		e.done <- outcome{err: &RemoteError{Message: f.Error}}
	}
	return true
}

// fail settles the entry for id with err, if it is still in flight.
func (t *pendingTable) fail(id string, err error) {
	if e := t.remove(id); e != nil {
		e.done <- outcome{err: err}
	}
}

// failTarget settles every in-flight request addressed to target with err.
// Called when the target disconnects.
func (t *pendingTable) failTarget(target string, err error) {
	t.mu.Lock()
	var settled []*pendingEntry
	for id, e := range t.entries {
		if e.target == target {
			delete(t.entries, id)
			settled = append(settled, e)
		}
	}
	t.mu.Unlock()

	for _, e := range settled {
		e.done <- outcome{err: err}
	}
}

// failAll settles every in-flight request with err. Called at shutdown.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	settled := make([]*pendingEntry, 0, len(t.entries))
	for id, e := range t.entries {
		delete(t.entries, id)
		settled = append(settled, e)
	}
	t.mu.Unlock()

	for _, e := range settled {
		e.done <- outcome{err: err}
	}
}
