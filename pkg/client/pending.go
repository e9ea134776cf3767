package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/doggyhole/doggyhole-go/pkg/protocol"
)

type outcome struct {
	data json.RawMessage
	err  error
}

// pendingCall tracks one in-flight request until a response, deadline, or
// connection loss settles it. The done channel is buffered so whichever path
// wins never blocks.
type pendingCall struct {
	done  chan outcome
	timer *time.Timer
}

type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

// add registers a call under id and arms its deadline timer.
func (t *pendingTable) add(id string, timeout time.Duration) <-chan outcome {
	c := &pendingCall{done: make(chan outcome, 1)}
	t.mu.Lock()
	c.timer = time.AfterFunc(timeout, func() { t.fail(id, ErrRequestTimeout) })
	t.calls[id] = c
	t.mu.Unlock()
	return c.done
}

// remove detaches the call for id, stopping its timer. Returns nil when the
// call was already settled; the first remover wins.
func (t *pendingTable) remove(id string) *pendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.calls[id]
	if !ok {
		return nil
	}
	delete(t.calls, id)
	c.timer.Stop()
	return c
}

// settle resolves the call matching a response frame. Returns false when no
// call with that id is pending.
func (t *pendingTable) settle(f *protocol.Frame) bool {
	c := t.remove(f.ID)
	if c == nil {
		return false
	}
	if f.Success != nil && *f.Success {
		c.done <- outcome{data: f.Data}
	} else {
		c.done <- outcome{err: &RemoteError{Message: f.Error}}
	}
	return true
}

func (t *pendingTable) fail(id string, err error) {
	if c := t.remove(id); c != nil {
		c.done <- outcome{err: err}
	}
}

// failAll rejects every pending call, used when the connection drops.
func (t *pendingTable) failAll(err error) {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[string]*pendingCall)
	t.mu.Unlock()

	for _, c := range calls {
		c.timer.Stop()
		c.done <- outcome{err: err}
	}
}
